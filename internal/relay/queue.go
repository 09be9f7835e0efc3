package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Policy selects how devices consume delivery events.
type Policy string

const (
	// PolicyAck keeps at most one event per device until the device acknowledges it.
	PolicyAck Policy = "ack"
	// PolicyPop keeps a FIFO per device; each poll removes the oldest event.
	PolicyPop Policy = "pop"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyAck, PolicyPop:
		return p, nil
	case "":
		return PolicyAck, nil
	default:
		return "", fmt.Errorf("unknown delivery policy %q", s)
	}
}

// Queue holds confirmed payments until their device consumes them.
type Queue struct {
	policy Policy
	store  EventStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[DeviceID][]Event

	// saving holds payment ids whose row is still being written; consumed marks those among
	// them that were polled away or acknowledged meanwhile, so the row is removed once written.
	saving   map[string]bool
	consumed map[string]bool
}

// NewQueue returns an empty queue. store may be nil.
func NewQueue(policy Policy, store EventStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		policy:   policy,
		store:    store,
		logger:   logger,
		pending:  make(map[DeviceID][]Event),
		saving:   make(map[string]bool),
		consumed: make(map[string]bool),
	}
}

func (q *Queue) Policy() Policy { return q.policy }

// Restore loads persisted pending events, oldest first.
func (q *Queue) Restore(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	events, err := q.store.PendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for device, evs := range events {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].ConfirmedAt.Before(evs[j].ConfirmedAt) })
		if q.policy == PolicyAck && len(evs) > 1 {
			evs = evs[len(evs)-1:]
		}
		q.pending[device] = append(q.pending[device], evs...)
	}
	return nil
}

// Push appends ev for device and persists it.
func (q *Queue) Push(ctx context.Context, device DeviceID, ev Event) {
	displaced := q.enqueue(device, ev)
	q.persistPush(ctx, device, ev, displaced)
}

// enqueue is the in-memory half of Push. Under PolicyAck it returns the event it replaced.
// Every enqueue must be followed by persistPush.
func (q *Queue) enqueue(device DeviceID, ev Event) *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.saving[ev.PaymentID] = true

	if q.policy == PolicyAck {
		var displaced *Event
		if cur := q.pending[device]; len(cur) > 0 {
			old := cur[0]
			displaced = &old
			q.logger.Warn("pending event overwritten before acknowledgement",
				"device", device, "old_payment_id", old.PaymentID, "payment_id", ev.PaymentID)
		}
		q.pending[device] = []Event{ev}
		return displaced
	}

	q.pending[device] = append(q.pending[device], ev)
	return nil
}

func (q *Queue) persistPush(ctx context.Context, device DeviceID, ev Event, displaced *Event) {
	if displaced != nil {
		q.forget(ctx, device, displaced.PaymentID)
	}
	if q.store != nil {
		if err := q.store.SaveEvent(ctx, device, ev); err != nil {
			q.logger.Warn("persist event failed", "device", device, "payment_id", ev.PaymentID, "error", err)
		}
	}

	q.mu.Lock()
	delete(q.saving, ev.PaymentID)
	gone := q.consumed[ev.PaymentID]
	delete(q.consumed, ev.PaymentID)
	q.mu.Unlock()

	if gone {
		q.deleteRow(ctx, device, ev.PaymentID)
	}
}

// Poll returns the oldest pending event. Under PolicyPop the event is consumed.
func (q *Queue) Poll(ctx context.Context, device DeviceID) (Event, bool) {
	q.mu.Lock()
	cur := q.pending[device]
	if len(cur) == 0 {
		q.mu.Unlock()
		return Event{}, false
	}
	ev := cur[0]
	if q.policy == PolicyAck {
		q.mu.Unlock()
		return ev, true
	}
	q.pending[device] = cur[1:]
	if len(q.pending[device]) == 0 {
		delete(q.pending, device)
	}
	q.mu.Unlock()

	q.forget(ctx, device, ev.PaymentID)
	return ev, true
}

// Ack consumes the pending event for paymentID. It reports false when no such event is pending.
func (q *Queue) Ack(ctx context.Context, device DeviceID, paymentID string) (bool, error) {
	if q.policy != PolicyAck {
		return false, ErrAckUnsupported
	}

	q.mu.Lock()
	cur := q.pending[device]
	if len(cur) == 0 || cur[0].PaymentID != paymentID {
		q.mu.Unlock()
		return false, nil
	}
	delete(q.pending, device)
	q.mu.Unlock()

	q.forget(ctx, device, paymentID)
	return true, nil
}

// forget removes the stored row of a consumed event. A row still being written is removed by
// persistPush once the write finishes.
func (q *Queue) forget(ctx context.Context, device DeviceID, paymentID string) {
	q.mu.Lock()
	if q.saving[paymentID] {
		q.consumed[paymentID] = true
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.deleteRow(ctx, device, paymentID)
}

func (q *Queue) deleteRow(ctx context.Context, device DeviceID, paymentID string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteEvent(ctx, device, paymentID); err != nil {
		q.logger.Warn("delete consumed event failed", "device", device, "payment_id", paymentID, "error", err)
	}
}

func (q *Queue) Len(device DeviceID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[device])
}
