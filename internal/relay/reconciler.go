package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeFetchFailed Outcome = "fetch_failed"
	OutcomeUnresolved  Outcome = "unresolved"
	OutcomeNotApproved Outcome = "not_approved"
	OutcomeMismatch    Outcome = "mismatch"
	OutcomeDelivered   Outcome = "delivered"
)

// processedSet tracks payment ids that were handled or are being handled. A claim is taken
// before the status fetch so two notifications for one payment never both reach delivery.
type processedSet struct {
	mu       sync.Mutex
	done     map[string]struct{}
	inFlight map[string]struct{}
}

func newProcessedSet() *processedSet {
	return &processedSet{
		done:     make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
	}
}

func (s *processedSet) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return false
	}
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *processedSet) commit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	s.done[id] = struct{}{}
}

func (s *processedSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

func (s *processedSet) contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// Reconciler matches provider notifications to device intents and delivers approved
// payments exactly once.
type Reconciler struct {
	registry     *Registry
	queue        *Queue
	gateway      Gateway
	processed    *processedSet
	store        ProcessedStore
	audit        AuditLog
	clock        Clock
	fetchTimeout time.Duration
	logger       *slog.Logger
}

// NewReconciler wires the engine. store and audit may be nil.
func NewReconciler(
	registry *Registry,
	queue *Queue,
	gateway Gateway,
	store ProcessedStore,
	audit AuditLog,
	clock Clock,
	fetchTimeout time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		registry:     registry,
		queue:        queue,
		gateway:      gateway,
		processed:    newProcessedSet(),
		store:        store,
		audit:        audit,
		clock:        clock,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Restore reloads the processed payment ids.
func (r *Reconciler) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.ProcessedIDs(ctx)
	if err != nil {
		return fmt.Errorf("load processed payments: %w", err)
	}
	for _, id := range ids {
		r.processed.commit(id)
	}
	r.logger.Info("processed payments restored", "count", len(ids))
	return nil
}

func (r *Reconciler) Processed(paymentID string) bool {
	return r.processed.contains(paymentID)
}

// Handle processes one inbound notification. It never fails: every outcome other than
// OutcomeFetchFailed is final for the payment id.
func (r *Reconciler) Handle(ctx context.Context, n Notification) Outcome {
	id := strings.TrimSpace(n.PaymentID)
	if id == "" {
		r.logger.Info("notification dropped", "error", &ValidationError{Reason: "missing payment id"}, "kind", n.Kind)
		return OutcomeIgnored
	}
	kind := strings.ToLower(strings.TrimSpace(n.Kind))
	if kind != "" && kind != KindPayment {
		r.logger.Info("notification ignored", "kind", kind, "id", id)
		return OutcomeIgnored
	}

	if !r.processed.claim(id) {
		r.logger.Info("duplicate notification", "payment_id", id)
		return OutcomeDuplicate
	}

	hint := n.Device
	if hint != "" && r.registry.Check(hint) != nil {
		r.logger.Warn("notification names an unconfigured device", "device", hint, "payment_id", id)
		hint = ""
	}

	payment, err := r.fetch(ctx, hint, id)
	if err != nil {
		r.processed.release(id)
		r.logger.Error("payment status fetch failed", "payment_id", id, "device", hint, "error", err)
		return OutcomeFetchFailed
	}

	device, ok := r.registry.Resolve(payment.Token, payment.PreferenceID)
	if !ok {
		r.logger.Warn("payment does not map to a device",
			"payment_id", id, "status", payment.Status,
			"external_reference", payment.Token, "preference_id", payment.PreferenceID)
		r.commit(ctx, id, "", OutcomeUnresolved)
		return OutcomeUnresolved
	}
	r.registry.notePayment(device, id)

	r.logger.Info("payment received",
		"payment_id", id, "device", device, "status", payment.Status, "payer", payment.PayerEmail,
		"external_reference", payment.Token, "preference_id", payment.PreferenceID)

	if payment.Status != StatusApproved {
		r.logger.Info("payment not approved", "payment_id", id, "device", device, "status", payment.Status)
		r.finish(ctx, id, device, payment, OutcomeNotApproved)
		return OutcomeNotApproved
	}

	ev := Event{
		PaymentID:     id,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		PaymentMethod: payment.PaymentMethod,
		PayerEmail:    payment.PayerEmail,
		ConfirmedAt:   payment.ApprovedAt,
	}
	if ev.ConfirmedAt.IsZero() {
		ev.ConfirmedAt = r.clock.Now()
	}
	var displaced *Event
	accepted := r.registry.ConfirmIfExpected(device, payment.Token, payment.PreferenceID, func(cur Intent) {
		ev.Token = cur.Token
		ev.IntentID = cur.PreferenceID
		displaced = r.queue.enqueue(device, ev)
	})
	if !accepted {
		mismatch := &MismatchError{
			Device:       device,
			PaymentID:    id,
			Token:        payment.Token,
			PreferenceID: payment.PreferenceID,
		}
		r.logger.Warn("approved payment for superseded intent", "device", device, "error", mismatch)
		r.finish(ctx, id, device, payment, OutcomeMismatch)
		return OutcomeMismatch
	}

	r.queue.persistPush(ctx, device, ev, displaced)
	r.finish(ctx, id, device, payment, OutcomeDelivered)
	r.registry.ScheduleRotation(device)

	r.logger.Info("payment confirmed, event queued",
		"device", device, "payment_id", id, "token", ev.Token, "queue_len", r.queue.Len(device))
	return OutcomeDelivered
}

func (r *Reconciler) fetch(ctx context.Context, device DeviceID, id string) (*Payment, error) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}
	payment, err := r.gateway.GetPayment(ctx, device, id)
	if err != nil {
		return nil, &UpstreamError{Op: "get payment", Device: device, Err: err}
	}
	return payment, nil
}

func (r *Reconciler) finish(ctx context.Context, id string, device DeviceID, payment *Payment, outcome Outcome) {
	r.commit(ctx, id, device, outcome)
	if r.audit == nil {
		return
	}

	product := ""
	if entry, err := r.registry.Catalog(device); err == nil {
		product = entry.Title
	}
	entry := AuditEntry{
		Device:       device,
		Product:      product,
		Amount:       payment.Amount,
		Currency:     payment.Currency,
		PayerEmail:   payment.PayerEmail,
		Status:       payment.Status,
		PaymentID:    id,
		PreferenceID: payment.PreferenceID,
		Token:        payment.Token,
		Outcome:      string(outcome),
		RecordedAt:   r.clock.Now(),
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		r.logger.Warn("append audit entry failed", "payment_id", id, "error", err)
	}
}

func (r *Reconciler) commit(ctx context.Context, id string, device DeviceID, outcome Outcome) {
	r.processed.commit(id)
	if r.store == nil {
		return
	}
	if err := r.store.MarkProcessed(ctx, id, device, string(outcome)); err != nil {
		r.logger.Warn("persist processed payment failed", "payment_id", id, "error", err)
	}
}
