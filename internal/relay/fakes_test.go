package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var errUpstreamDown = errors.New("upstream down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) SetMillis(ms int64) {
	c.mu.Lock()
	c.now = time.UnixMilli(ms).UTC()
	c.mu.Unlock()
}

type scheduledFunc struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*scheduledFunc
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &scheduledFunc{delay: d, fn: f}
	s.tasks = append(s.tasks, task)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if task.fired || task.cancelled {
			return false
		}
		task.cancelled = true
		return true
	}
}

func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// FireAll runs every pending task synchronously.
func (s *fakeScheduler) FireAll() {
	s.mu.Lock()
	var run []func()
	for _, t := range s.tasks {
		if !t.fired && !t.cancelled {
			t.fired = true
			run = append(run, t.fn)
		}
	}
	s.mu.Unlock()
	for _, f := range run {
		f()
	}
}

type fakeGateway struct {
	mu sync.Mutex

	createCalls int
	createFails int // number of upcoming CreatePreference calls that fail
	lastRequest PreferenceRequest
	createHook  func(call int)

	payments   map[string]*Payment
	fetchCalls int
	fetchFails int
	fetchHook  func()

	// fetchDevices records the credential device of every GetPayment call.
	fetchDevices []DeviceID
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{payments: make(map[string]*Payment)}
}

func (g *fakeGateway) CreatePreference(_ context.Context, req PreferenceRequest) (*Preference, error) {
	g.mu.Lock()
	g.createCalls++
	call := g.createCalls
	g.lastRequest = req
	hook := g.createHook
	fail := g.createFails > 0
	if fail {
		g.createFails--
	}
	g.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, errUpstreamDown
	}
	id := fmt.Sprintf("pref-%d", call)
	return &Preference{ID: id, Link: "https://checkout.example/" + id}, nil
}

// SetCreateHook runs hook inside every CreatePreference call, numbered from 1.
func (g *fakeGateway) SetCreateHook(hook func(call int)) {
	g.mu.Lock()
	g.createHook = hook
	g.mu.Unlock()
}

func (g *fakeGateway) GetPayment(_ context.Context, device DeviceID, id string) (*Payment, error) {
	g.mu.Lock()
	g.fetchCalls++
	g.fetchDevices = append(g.fetchDevices, device)
	hook := g.fetchHook
	fail := g.fetchFails > 0
	if fail {
		g.fetchFails--
	}
	p, ok := g.payments[id]
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	if fail {
		return nil, errUpstreamDown
	}
	if !ok {
		return nil, fmt.Errorf("payment %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) SetPayment(p Payment) {
	g.mu.Lock()
	g.payments[p.ID] = &p
	g.mu.Unlock()
}

func (g *fakeGateway) FailNextCreates(n int) {
	g.mu.Lock()
	g.createFails = n
	g.mu.Unlock()
}

func (g *fakeGateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func (g *fakeGateway) FetchDevices() []DeviceID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]DeviceID(nil), g.fetchDevices...)
}

func (g *fakeGateway) FetchCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls
}

type memStore struct {
	mu         sync.Mutex
	intents    map[string]Intent
	superseded map[string]bool
	processed  map[string]string
	events     map[DeviceID][]Event
	audit      []AuditEntry
	saveHook   func(device DeviceID, ev Event)
}

func newMemStore() *memStore {
	return &memStore{
		intents:    make(map[string]Intent),
		superseded: make(map[string]bool),
		processed:  make(map[string]string),
		events:     make(map[DeviceID][]Event),
	}
}

func (s *memStore) SaveIntent(_ context.Context, intent Intent, supersededToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.Token] = intent
	if supersededToken != "" {
		s.superseded[supersededToken] = true
	}
	return nil
}

func (s *memStore) CurrentIntents(context.Context) ([]Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Intent
	for token, intent := range s.intents {
		if !s.superseded[token] {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (s *memStore) MarkProcessed(_ context.Context, paymentID string, _ DeviceID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[paymentID] = outcome
	return nil
}

func (s *memStore) ProcessedIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.processed))
	for id := range s.processed {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memStore) SaveEvent(_ context.Context, device DeviceID, ev Event) error {
	s.mu.Lock()
	hook := s.saveHook
	s.mu.Unlock()
	if hook != nil {
		hook(device, ev)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[device] = append(s.events[device], ev)
	return nil
}

func (s *memStore) DeleteEvent(_ context.Context, device DeviceID, paymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[device]
	for i, ev := range evs {
		if ev.PaymentID == paymentID {
			s.events[device] = append(evs[:i:i], evs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) PendingEvents(context.Context) (map[DeviceID][]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[DeviceID][]Event, len(s.events))
	for d, evs := range s.events {
		out[d] = append([]Event(nil), evs...)
	}
	return out, nil
}

func (s *memStore) Append(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() map[DeviceID]CatalogEntry {
	return map[DeviceID]CatalogEntry{
		"bar1": {Title: "Pinta Rubia", Quantity: 1, Currency: "ARS", UnitPrice: 10000},
		"bar2": {Title: "Pinta Negra", Quantity: 1, Currency: "ARS", UnitPrice: 11000},
		"bar3": {Title: "Pinta Roja", Quantity: 1, Currency: "ARS", UnitPrice: 100000},
	}
}

type fixture struct {
	clock     *fakeClock
	scheduler *fakeScheduler
	gateway   *fakeGateway
	store     *memStore
	registry  *Registry
	queue     *Queue
	engine    *Reconciler
}

func newFixture(policy Policy) *fixture {
	f := &fixture{
		clock:     newFakeClock(1000),
		scheduler: &fakeScheduler{},
		gateway:   newFakeGateway(),
		store:     newMemStore(),
	}
	f.registry = NewRegistry(RegistryConfig{
		Catalog:        testCatalog(),
		Bounds:         PriceBounds{Min: 100, Max: 65000},
		RotationDelay:  8 * time.Second,
		RetryAttempts:  5,
		RetryBaseDelay: 0,
	}, f.gateway, f.store, f.clock, f.scheduler, testLogger())
	f.queue = NewQueue(policy, f.store, testLogger())
	f.engine = NewReconciler(f.registry, f.queue, f.gateway, f.store, f.store, f.clock, time.Second, testLogger())
	return f
}

func (f *fixture) mint(device DeviceID, ms int64) Intent {
	f.clock.SetMillis(ms)
	intent, err := f.registry.Mint(context.Background(), device, nil)
	if err != nil {
		panic(err)
	}
	return intent
}
