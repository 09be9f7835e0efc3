package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const debugLinkWidth = 60

var errRotationCancelled = errors.New("rotation cancelled")

type RegistryConfig struct {
	Catalog        map[DeviceID]CatalogEntry
	Bounds         PriceBounds
	RotationDelay  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type deviceState struct {
	mu                sync.Mutex
	current           *Intent
	rotationScheduled bool
	rotationGen       uint64
	cancelRotation    func() bool
	lastPaymentID     string
}

func (s *deviceState) link() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Link
}

// Registry owns the current intent of every device and the indices used to resolve
// notifications back to a device. The current intent is the only acceptance authority.
type Registry struct {
	cfg       RegistryConfig
	gateway   Gateway
	store     IntentStore
	clock     Clock
	scheduler Scheduler
	logger    *slog.Logger
	tokens    *tokenSource

	devices map[DeviceID]*deviceState

	indexMu      sync.RWMutex
	byPreference map[string]DeviceID
	byToken      map[string]DeviceID

	mints singleflight.Group

	rotateCtx    context.Context
	stopRotation context.CancelFunc
}

// NewRegistry builds a registry for the devices in cfg.Catalog. store may be nil.
func NewRegistry(
	cfg RegistryConfig,
	gateway Gateway,
	store IntentStore,
	clock Clock,
	scheduler Scheduler,
	logger *slog.Logger,
) *Registry {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	devices := make(map[DeviceID]*deviceState, len(cfg.Catalog))
	for id := range cfg.Catalog {
		devices[id] = &deviceState{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:          cfg,
		gateway:      gateway,
		store:        store,
		clock:        clock,
		scheduler:    scheduler,
		logger:       logger,
		tokens:       newTokenSource(clock),
		devices:      devices,
		byPreference: make(map[string]DeviceID),
		byToken:      make(map[string]DeviceID),
		rotateCtx:    ctx,
		stopRotation: cancel,
	}
}

func (r *Registry) state(device DeviceID) (*deviceState, error) {
	if device == "" {
		return nil, &ConfigError{Reason: "missing device"}
	}
	st, ok := r.devices[device]
	if !ok {
		return nil, &ConfigError{Device: device, Reason: "unknown device"}
	}
	return st, nil
}

// Check returns a ConfigError unless device is configured.
func (r *Registry) Check(device DeviceID) error {
	_, err := r.state(device)
	return err
}

func (r *Registry) Devices() []DeviceID {
	ids := make([]DeviceID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Catalog(device DeviceID) (CatalogEntry, error) {
	entry, ok := r.cfg.Catalog[device]
	if !ok {
		return CatalogEntry{}, &ConfigError{Device: device, Reason: "no catalog entry"}
	}
	return entry, nil
}

// Mint creates a new intent for device and makes it current. An override outside the
// configured bounds is ignored. On failure the previous intent stays current.
func (r *Registry) Mint(ctx context.Context, device DeviceID, priceOverride *int64) (Intent, error) {
	st, err := r.state(device)
	if err != nil {
		return Intent{}, err
	}
	item, err := r.Catalog(device)
	if err != nil {
		return Intent{}, err
	}

	if priceOverride != nil {
		if r.cfg.Bounds.Contains(*priceOverride) {
			item.UnitPrice = *priceOverride
		} else {
			r.logger.Info("price override out of bounds, using catalog price",
				"device", device, "override", *priceOverride, "price", item.UnitPrice,
				"min", r.cfg.Bounds.Min, "max", r.cfg.Bounds.Max)
		}
	}

	token, seq := r.tokens.next(device)
	pref, err := r.gateway.CreatePreference(ctx, PreferenceRequest{
		Device: device,
		Token:  token,
		Item:   item,
	})
	if err != nil {
		return Intent{}, &UpstreamError{Op: "create preference", Device: device, Err: err}
	}

	intent := Intent{
		Seq:          seq,
		PreferenceID: pref.ID,
		Token:        token,
		Device:       device,
		Price:        item.UnitPrice,
		Currency:     item.Currency,
		Link:         pref.Link,
		CreatedAt:    r.clock.Now(),
	}
	if cur, ok := r.install(ctx, st, intent, true); !ok {
		// A newer intent won the race; hand out that one instead.
		return cur, nil
	}

	r.logger.Info("intent minted",
		"device", device, "preference_id", intent.PreferenceID, "token", token,
		"title", item.Title, "price", item.UnitPrice)
	return intent, nil
}

// install makes intent current unless a newer one already is, in which case it returns the
// newer intent and false.
func (r *Registry) install(ctx context.Context, st *deviceState, intent Intent, persist bool) (Intent, bool) {
	r.index(intent)

	st.mu.Lock()
	if st.current != nil && st.current.Seq > intent.Seq {
		cur := *st.current
		st.mu.Unlock()
		r.logger.Info("discarding stale intent", "device", intent.Device, "token", intent.Token, "current", cur.Token)
		return cur, false
	}
	superseded := ""
	if st.current != nil {
		superseded = st.current.Token
	}
	cur := intent
	st.current = &cur
	st.mu.Unlock()

	if persist && r.store != nil {
		if err := r.store.SaveIntent(ctx, intent, superseded); err != nil {
			r.logger.Warn("persist intent failed", "device", intent.Device, "token", intent.Token, "error", err)
		}
	}
	return intent, true
}

func (r *Registry) index(intent Intent) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	if intent.PreferenceID != "" {
		r.byPreference[intent.PreferenceID] = intent.Device
	}
	if intent.Token != "" {
		r.byToken[intent.Token] = intent.Device
	}
}

// Current returns the device's current intent.
func (r *Registry) Current(device DeviceID) (Intent, bool) {
	st, err := r.state(device)
	if err != nil {
		return Intent{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		return Intent{}, false
	}
	return *st.current, true
}

// CurrentLink returns the cached link, minting first if the device has none. It returns
// an empty string when no link can be produced so the device retries on its next poll.
func (r *Registry) CurrentLink(ctx context.Context, device DeviceID) string {
	st, err := r.state(device)
	if err != nil {
		r.logger.Warn("link requested for unconfigured device", "device", device)
		return ""
	}
	if link := st.link(); link != "" {
		return link
	}

	mintCtx := context.WithoutCancel(ctx)
	v, err, _ := r.mints.Do(string(device), func() (any, error) {
		if link := st.link(); link != "" {
			return link, nil
		}
		intent, err := r.Mint(mintCtx, device, nil)
		if err != nil {
			return "", err
		}
		return intent.Link, nil
	})
	if err != nil {
		r.logger.Error("mint on link request failed", "device", device, "error", err)
		return ""
	}
	if link := st.link(); link != "" {
		return link
	}
	return v.(string)
}

// LinkFor serves a device link request. Links are reused; a valid override that differs
// from the current price regenerates the intent.
func (r *Registry) LinkFor(ctx context.Context, device DeviceID, priceOverride *int64) (string, error) {
	if err := r.Check(device); err != nil {
		return "", err
	}
	if priceOverride == nil || !r.cfg.Bounds.Contains(*priceOverride) {
		return r.CurrentLink(ctx, device), nil
	}

	if cur, ok := r.Current(device); ok && cur.Price == *priceOverride && cur.Link != "" {
		return cur.Link, nil
	}

	intent, err := r.Mint(context.WithoutCancel(ctx), device, priceOverride)
	if err != nil {
		r.logger.Error("mint with price override failed", "device", device, "override", *priceOverride, "error", err)
		return "", nil
	}
	return intent.Link, nil
}

// Regenerate mints a new intent on request and drops any rotation still pending for device.
// A rotation already minting is stopped before its next attempt, and any intent it is minting
// right now carries an older token than the regenerated one, so it cannot become current.
func (r *Registry) Regenerate(ctx context.Context, device DeviceID, priceOverride *int64) (Intent, error) {
	if err := r.Check(device); err != nil {
		return Intent{}, err
	}
	hadRotation := r.cancelRotation(device)

	intent, err := r.Mint(ctx, device, priceOverride)
	if err != nil {
		if hadRotation {
			r.ScheduleRotation(device)
		}
		return Intent{}, err
	}
	return intent, nil
}

// IsExpected reports whether token or intentID identifies the device's current intent.
func (r *Registry) IsExpected(device DeviceID, token, intentID string) bool {
	st, err := r.state(device)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return matches(st.current, token, intentID)
}

// ConfirmIfExpected runs fn with the current intent while holding the device lock, only if
// token or intentID identifies it.
func (r *Registry) ConfirmIfExpected(device DeviceID, token, intentID string, fn func(Intent)) bool {
	st, err := r.state(device)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !matches(st.current, token, intentID) {
		return false
	}
	fn(*st.current)
	return true
}

func matches(cur *Intent, token, intentID string) bool {
	if cur == nil {
		return false
	}
	return (token != "" && token == cur.Token) ||
		(intentID != "" && intentID == cur.PreferenceID)
}

// Resolve maps a payment's token or preference id to a configured device.
func (r *Registry) Resolve(token, intentID string) (DeviceID, bool) {
	r.indexMu.RLock()
	if token != "" {
		if d, ok := r.byToken[token]; ok {
			r.indexMu.RUnlock()
			return d, true
		}
	}
	if intentID != "" {
		if d, ok := r.byPreference[intentID]; ok {
			r.indexMu.RUnlock()
			return d, true
		}
	}
	r.indexMu.RUnlock()

	if d, ok := DeviceFromToken(token); ok {
		if _, known := r.devices[d]; known {
			return d, true
		}
	}
	return "", false
}

func (r *Registry) notePayment(device DeviceID, paymentID string) {
	st, err := r.state(device)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.lastPaymentID = paymentID
	st.mu.Unlock()
}

// ScheduleRotation arranges for device to get a new intent after the rotation delay.
// It returns false when a rotation is already pending.
func (r *Registry) ScheduleRotation(device DeviceID) bool {
	st, err := r.state(device)
	if err != nil {
		return false
	}

	st.mu.Lock()
	if st.rotationScheduled {
		st.mu.Unlock()
		return false
	}
	st.rotationScheduled = true
	st.rotationGen++
	gen := st.rotationGen
	st.mu.Unlock()

	cancel := r.scheduler.AfterFunc(r.cfg.RotationDelay, func() { r.rotate(device, gen) })

	st.mu.Lock()
	if st.rotationScheduled && st.rotationGen == gen {
		st.cancelRotation = cancel
	}
	st.mu.Unlock()

	r.logger.Info("rotation scheduled", "device", device, "delay", r.cfg.RotationDelay)
	return true
}

func (r *Registry) RotationPending(device DeviceID) bool {
	st, err := r.state(device)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rotationScheduled
}

func (r *Registry) cancelRotation(device DeviceID) bool {
	st, err := r.state(device)
	if err != nil {
		return false
	}
	st.mu.Lock()
	if !st.rotationScheduled {
		st.mu.Unlock()
		return false
	}
	cancel := st.cancelRotation
	st.rotationScheduled = false
	st.cancelRotation = nil
	st.rotationGen++
	st.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.logger.Info("pending rotation cancelled", "device", device)
	return true
}

func (r *Registry) rotate(device DeviceID, gen uint64) {
	st, err := r.state(device)
	if err != nil {
		return
	}

	st.mu.Lock()
	if !st.rotationScheduled || st.rotationGen != gen {
		st.mu.Unlock()
		return
	}
	var old Intent
	if st.current != nil {
		old = *st.current
	}
	st.mu.Unlock()

	intent, err := r.mintWithRetry(r.rotateCtx, device, func() bool { return r.rotationCurrent(st, gen) })

	st.mu.Lock()
	if st.rotationGen == gen {
		st.rotationScheduled = false
		st.cancelRotation = nil
	}
	st.mu.Unlock()

	if errors.Is(err, errRotationCancelled) {
		r.logger.Info("rotation abandoned after cancellation", "device", device)
		return
	}
	if err != nil {
		r.logger.Error("rotation failed", "device", device, "old_token", old.Token, "error", err)
		return
	}
	r.logger.Info("intent rotated after approval",
		"device", device, "old_preference_id", old.PreferenceID, "old_token", old.Token,
		"token", intent.Token)
}

func (r *Registry) rotationCurrent(st *deviceState, gen uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rotationScheduled && st.rotationGen == gen
}

// mintWithRetry mints with backoff. keepGoing, if set, is checked before every attempt and
// stops the loop with errRotationCancelled once it reports false.
func (r *Registry) mintWithRetry(ctx context.Context, device DeviceID, keepGoing func() bool) (Intent, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.RetryAttempts; attempt++ {
		if keepGoing != nil && !keepGoing() {
			return Intent{}, errRotationCancelled
		}
		intent, err := r.Mint(ctx, device, nil)
		if err == nil {
			return intent, nil
		}
		if IsConfigError(err) {
			return Intent{}, err
		}
		lastErr = err
		if attempt == r.cfg.RetryAttempts {
			break
		}

		delay := retryBackoff(attempt, r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay)
		r.logger.Warn("mint failed, retrying",
			"device", device, "attempt", attempt, "max_attempts", r.cfg.RetryAttempts,
			"delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return Intent{}, fmt.Errorf("mint retry interrupted: %w", lastErr)
		}
	}
	return Intent{}, fmt.Errorf("mint after %d attempts: %w", r.cfg.RetryAttempts, lastErr)
}

// Bootstrap restores persisted intents so late notifications for them still resolve, then
// mints a fresh intent for every device.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if r.store != nil {
		intents, err := r.store.CurrentIntents(ctx)
		if err != nil {
			return fmt.Errorf("load current intents: %w", err)
		}
		for _, intent := range intents {
			st, err := r.state(intent.Device)
			if err != nil {
				r.logger.Warn("skipping persisted intent for unconfigured device", "device", intent.Device)
				continue
			}
			r.tokens.observe(intent.Token)
			r.install(ctx, st, intent, false)
		}
		r.logger.Info("intents restored", "count", len(intents))
	}

	var g errgroup.Group
	for _, device := range r.Devices() {
		device := device
		g.Go(func() error {
			if _, err := r.mintWithRetry(ctx, device, nil); err != nil {
				r.logger.Error("startup mint failed", "device", device, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

type DeviceSnapshot struct {
	Device            DeviceID `json:"device"`
	PreferenceID      string   `json:"preferenceId"`
	Token             string   `json:"token"`
	Price             int64    `json:"price"`
	LinkShort         string   `json:"linkShort"`
	RotationScheduled bool     `json:"rotationScheduled"`
	LastPaymentID     string   `json:"lastPaymentId"`
	QueueLen          int      `json:"queueLen"`
}

func (r *Registry) Snapshot() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, len(r.devices))
	for _, id := range r.Devices() {
		st := r.devices[id]
		st.mu.Lock()
		snap := DeviceSnapshot{
			Device:            id,
			RotationScheduled: st.rotationScheduled,
			LastPaymentID:     st.lastPaymentID,
		}
		if st.current != nil {
			snap.PreferenceID = st.current.PreferenceID
			snap.Token = st.current.Token
			snap.Price = st.current.Price
			snap.LinkShort = shorten(st.current.Link, debugLinkWidth)
		}
		st.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Close cancels pending rotations and interrupts rotations in progress.
func (r *Registry) Close() {
	for _, id := range r.Devices() {
		r.cancelRotation(id)
	}
	r.stopRotation()
}
