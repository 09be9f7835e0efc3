package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

func approved(id, token, preferenceID string, amount int64) Payment {
	return Payment{
		ID:            id,
		Status:        StatusApproved,
		Token:         token,
		PreferenceID:  preferenceID,
		Amount:        amount,
		Currency:      "ARS",
		PaymentMethod: "account_money",
		PayerEmail:    "buyer@example.com",
	}
}

func paymentNotification(id string) Notification {
	return Notification{Kind: KindPayment, PaymentID: id}
}

func TestHandleDeliversApprovedPaymentOnce(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("111", intent.Token, intent.PreferenceID, 10000))

	if got := f.engine.Handle(ctx, paymentNotification("111")); got != OutcomeDelivered {
		t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
	}
	if got := f.engine.Handle(ctx, paymentNotification("111")); got != OutcomeDuplicate {
		t.Fatalf("expected %s, got %s", OutcomeDuplicate, got)
	}

	if n := f.queue.Len("bar1"); n != 1 {
		t.Fatalf("expected 1 queued event, got %d", n)
	}
	if n := f.scheduler.Scheduled(); n != 1 {
		t.Fatalf("expected 1 rotation, got %d", n)
	}
	if n := f.gateway.FetchCalls(); n != 1 {
		t.Fatalf("expected 1 status fetch, got %d", n)
	}

	ev, ok := f.queue.Poll(ctx, "bar1")
	if !ok {
		t.Fatalf("expected pending event")
	}
	if ev.PaymentID != "111" || ev.Token != "bar1:1000" || ev.IntentID != intent.PreferenceID || ev.Amount != 10000 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if f.store.processed["111"] != string(OutcomeDelivered) {
		t.Fatalf("expected processed record, got %q", f.store.processed["111"])
	}
	if len(f.store.audit) != 1 || f.store.audit[0].Product != "Pinta Rubia" {
		t.Fatalf("expected one audit entry for Pinta Rubia, got %+v", f.store.audit)
	}
}

func TestHandleConcurrentDuplicates(t *testing.T) {
	f := newFixture(PolicyPop)
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("111", intent.Token, "", 10000))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[Outcome]int)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := f.engine.Handle(context.Background(), paymentNotification("111"))
			mu.Lock()
			outcomes[got]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeDelivered] != 1 || outcomes[OutcomeDuplicate] != 9 {
		t.Fatalf("expected 1 delivered and 9 duplicates, got %v", outcomes)
	}
	if n := f.queue.Len("bar1"); n != 1 {
		t.Fatalf("expected 1 queued event, got %d", n)
	}
	if n := f.scheduler.Scheduled(); n != 1 {
		t.Fatalf("expected 1 rotation, got %d", n)
	}
}

func TestHandleRejectsSupersededIntent(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	old := f.mint("bar2", 2000)
	f.mint("bar2", 3000)
	f.gateway.SetPayment(approved("222", old.Token, old.PreferenceID, 11000))

	if got := f.engine.Handle(ctx, paymentNotification("222")); got != OutcomeMismatch {
		t.Fatalf("expected %s, got %s", OutcomeMismatch, got)
	}
	if n := f.queue.Len("bar2"); n != 0 {
		t.Fatalf("expected no queued event, got %d", n)
	}
	if f.registry.RotationPending("bar2") {
		t.Fatalf("expected no rotation for rejected payment")
	}
	if !f.engine.Processed("222") {
		t.Fatalf("expected mismatched payment to be marked processed")
	}
	if got := f.engine.Handle(ctx, paymentNotification("222")); got != OutcomeDuplicate {
		t.Fatalf("expected %s on redelivery, got %s", OutcomeDuplicate, got)
	}
}

func TestHandleRejectsPaymentOnRotatedLink(t *testing.T) {
	f := newFixture(PolicyPop)
	ctx := context.Background()
	first := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("1", first.Token, first.PreferenceID, 10000))
	f.gateway.SetPayment(approved("2", first.Token, first.PreferenceID, 10000))

	if got := f.engine.Handle(ctx, paymentNotification("1")); got != OutcomeDelivered {
		t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
	}
	f.clock.SetMillis(9000)
	f.scheduler.FireAll()

	if got := f.engine.Handle(ctx, paymentNotification("2")); got != OutcomeMismatch {
		t.Fatalf("expected %s for second payment on the old link, got %s", OutcomeMismatch, got)
	}
	if n := f.queue.Len("bar1"); n != 1 {
		t.Fatalf("expected only the first event queued, got %d", n)
	}
}

func TestHandleIgnoresNonPaymentTopics(t *testing.T) {
	f := newFixture(PolicyAck)
	f.mint("bar1", 1000)

	cases := []struct {
		name string
		n    Notification
	}{
		{name: "merchant order", n: Notification{Kind: "merchant_order", PaymentID: "999"}},
		{name: "missing id", n: Notification{Kind: KindPayment}},
		{name: "blank id", n: Notification{Kind: KindPayment, PaymentID: "   "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.engine.Handle(context.Background(), tc.n); got != OutcomeIgnored {
				t.Fatalf("expected %s, got %s", OutcomeIgnored, got)
			}
		})
	}
	if n := f.gateway.FetchCalls(); n != 0 {
		t.Fatalf("expected no status fetch, got %d", n)
	}
	if f.engine.Processed("999") {
		t.Fatalf("expected ignored id not to be marked processed")
	}
}

func TestHandleAcceptsUntypedAndMixedCaseKind(t *testing.T) {
	f := newFixture(PolicyPop)
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("10", intent.Token, "", 10000))
	f.gateway.SetPayment(approved("11", "", intent.PreferenceID, 10000))

	if got := f.engine.Handle(context.Background(), Notification{PaymentID: "10"}); got != OutcomeDelivered {
		t.Fatalf("expected %s for untyped notification, got %s", OutcomeDelivered, got)
	}
	f.registry.cancelRotation("bar1")
	if got := f.engine.Handle(context.Background(), Notification{Kind: "Payment", PaymentID: "11"}); got != OutcomeDelivered {
		t.Fatalf("expected %s for mixed-case kind, got %s", OutcomeDelivered, got)
	}
}

func TestHandleRetriesAfterFetchFailure(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("111", intent.Token, "", 10000))
	f.gateway.fetchFails = 1

	if got := f.engine.Handle(ctx, paymentNotification("111")); got != OutcomeFetchFailed {
		t.Fatalf("expected %s, got %s", OutcomeFetchFailed, got)
	}
	if f.engine.Processed("111") {
		t.Fatalf("expected failed fetch not to mark payment processed")
	}
	if got := f.engine.Handle(ctx, paymentNotification("111")); got != OutcomeDelivered {
		t.Fatalf("expected %s on redelivery, got %s", OutcomeDelivered, got)
	}
}

func TestHandleNotApproved(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	intent := f.mint("bar1", 1000)
	p := approved("111", intent.Token, intent.PreferenceID, 10000)
	p.Status = "pending"
	f.gateway.SetPayment(p)

	if got := f.engine.Handle(ctx, paymentNotification("111")); got != OutcomeNotApproved {
		t.Fatalf("expected %s, got %s", OutcomeNotApproved, got)
	}
	if n := f.queue.Len("bar1"); n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
	if f.registry.RotationPending("bar1") {
		t.Fatalf("expected no rotation for pending payment")
	}
	if !f.engine.Processed("111") {
		t.Fatalf("expected pending payment to be marked processed")
	}
	if len(f.store.audit) != 1 || f.store.audit[0].Status != "pending" {
		t.Fatalf("expected audit of pending payment, got %+v", f.store.audit)
	}
}

func TestHandleUnresolvedPayment(t *testing.T) {
	f := newFixture(PolicyAck)
	f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("404", "bar9:1000", "pref-unknown", 500))

	if got := f.engine.Handle(context.Background(), paymentNotification("404")); got != OutcomeUnresolved {
		t.Fatalf("expected %s, got %s", OutcomeUnresolved, got)
	}
	if f.store.processed["404"] != string(OutcomeUnresolved) {
		t.Fatalf("expected unresolved payment recorded, got %q", f.store.processed["404"])
	}
	if n := f.queue.Len("bar1"); n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
}

func TestHandleResolvesByPreferenceID(t *testing.T) {
	f := newFixture(PolicyAck)
	intent := f.mint("bar3", 1000)
	f.gateway.SetPayment(approved("333", "", intent.PreferenceID, 100000))

	if got := f.engine.Handle(context.Background(), paymentNotification("333")); got != OutcomeDelivered {
		t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
	}
	ev, ok := f.queue.Poll(context.Background(), "bar3")
	if !ok || ev.Token != intent.Token {
		t.Fatalf("expected event carrying current token %s, got %+v", intent.Token, ev)
	}
}

func TestRestoreProcessedPayments(t *testing.T) {
	f := newFixture(PolicyAck)
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("555", intent.Token, "", 10000))
	f.store.processed["555"] = string(OutcomeDelivered)

	if err := f.engine.Restore(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := f.engine.Handle(context.Background(), paymentNotification("555")); got != OutcomeDuplicate {
		t.Fatalf("expected %s, got %s", OutcomeDuplicate, got)
	}
	if n := f.gateway.FetchCalls(); n != 0 {
		t.Fatalf("expected no status fetch, got %d", n)
	}
}

func TestAckPolicyKeepsLatestEvent(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	first := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("1", first.Token, "", 10000))
	f.engine.Handle(ctx, paymentNotification("1"))

	f.clock.SetMillis(9000)
	f.scheduler.FireAll()
	second, _ := f.registry.Current("bar1")
	f.gateway.SetPayment(approved("2", second.Token, "", 10000))
	if got := f.engine.Handle(ctx, paymentNotification("2")); got != OutcomeDelivered {
		t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
	}

	ev, ok := f.queue.Poll(ctx, "bar1")
	if !ok || ev.PaymentID != "2" {
		t.Fatalf("expected latest event, got %+v", ev)
	}
	if len(f.store.events["bar1"]) != 1 || f.store.events["bar1"][0].PaymentID != "2" {
		t.Fatalf("expected displaced event removed from store, got %+v", f.store.events["bar1"])
	}
}

func TestEventAcknowledgedWhileSavingStaysConsumed(t *testing.T) {
	for _, policy := range []Policy{PolicyAck, PolicyPop} {
		t.Run(string(policy), func(t *testing.T) {
			f := newFixture(policy)
			ctx := context.Background()
			intent := f.mint("bar1", 1000)
			f.gateway.SetPayment(approved("1", intent.Token, "", 10000))

			var polled, acked bool
			f.store.saveHook = func(device DeviceID, ev Event) {
				// The device polls before the row is written.
				_, polled = f.queue.Poll(ctx, device)
				if policy == PolicyAck {
					acked, _ = f.queue.Ack(ctx, device, ev.PaymentID)
				}
			}
			if got := f.engine.Handle(ctx, paymentNotification("1")); got != OutcomeDelivered {
				t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
			}
			if !polled || (policy == PolicyAck && !acked) {
				t.Fatalf("expected event consumed during save, polled=%v acked=%v", polled, acked)
			}

			restarted := NewQueue(policy, f.store, testLogger())
			if err := restarted.Restore(ctx); err != nil {
				t.Fatalf("restore: %v", err)
			}
			if n := restarted.Len("bar1"); n != 0 {
				t.Fatalf("expected consumed event gone after restart, got %d pending", n)
			}
		})
	}
}

func TestHandleFetchesWithNotifiedDeviceCredential(t *testing.T) {
	f := newFixture(PolicyAck)
	ctx := context.Background()
	intent := f.mint("bar1", 1000)
	f.gateway.SetPayment(approved("1", intent.Token, "", 10000))
	f.gateway.SetPayment(approved("2", "bar2:5", "", 11000))

	if got := f.engine.Handle(ctx, Notification{Kind: KindPayment, PaymentID: "1", Device: "bar1"}); got != OutcomeDelivered {
		t.Fatalf("expected %s, got %s", OutcomeDelivered, got)
	}
	f.engine.Handle(ctx, Notification{Kind: KindPayment, PaymentID: "2", Device: "bar9"})

	devices := f.gateway.FetchDevices()
	if len(devices) != 2 || devices[0] != "bar1" || devices[1] != "" {
		t.Fatalf("expected fetches with bar1 then the account credential, got %v", devices)
	}
}

func TestEventUsesProviderApprovalTime(t *testing.T) {
	f := newFixture(PolicyPop)
	ctx := context.Background()
	intent := f.mint("bar1", 1000)

	approvedAt := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	p := approved("1", intent.Token, "", 10000)
	p.ApprovedAt = approvedAt
	f.gateway.SetPayment(p)
	f.engine.Handle(ctx, paymentNotification("1"))

	ev, ok := f.queue.Poll(ctx, "bar1")
	if !ok || !ev.ConfirmedAt.Equal(approvedAt) {
		t.Fatalf("expected confirmation at %s, got %+v", approvedAt, ev)
	}

	f.clock.SetMillis(9000)
	f.scheduler.FireAll()
	next, _ := f.registry.Current("bar1")
	f.gateway.SetPayment(approved("2", next.Token, "", 10000))
	f.engine.Handle(ctx, paymentNotification("2"))

	ev, ok = f.queue.Poll(ctx, "bar1")
	if !ok || !ev.ConfirmedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected relay clock when approval time is missing, got %+v", ev)
	}
}
