package paykit_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/storage/memory"
)

type lifecycleFixture struct {
	store  *memory.Storage
	proc   *paykit.Processor
	sched  *paykit.Scheduler
	now    time.Time
	nextID int
}

func newLifecycleFixture(t *testing.T, opts ...paykit.LifecycleOption) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		store: memory.New(),
		now:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
	}

	var err error
	f.sched, err = paykit.NewScheduler(f.store, memory.NewLocker(), paykit.DefaultSchedulerConfig(),
		paykit.WithSchedulerClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}

	opts = append(opts, paykit.WithLifecycleClock(func() time.Time { return f.now }))
	lifecycle, err := paykit.NewLifecycle(f.store, f.sched, opts...)
	if err != nil {
		t.Fatalf("NewLifecycle failed: %v", err)
	}

	router := paykit.NewRouter()
	lifecycle.Register(router)
	f.proc, err = paykit.NewProcessor(f.store, router)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return f
}

// deliver processes an event with a fresh ID at the fixture's current time.
func (f *lifecycleFixture) deliver(t *testing.T, eventType string, payload any) {
	t.Helper()
	f.deliverAt(t, eventType, payload, f.now)
}

func (f *lifecycleFixture) deliverAt(t *testing.T, eventType string, payload any, ts time.Time) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	f.nextID++
	ev := &paykit.Event{
		ID:        fmt.Sprintf("evt_%03d", f.nextID),
		Type:      eventType,
		Timestamp: ts,
		Payload:   data,
	}
	if err := f.proc.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process(%s) failed: %v", eventType, err)
	}
}

func TestLifecycle_SubscriptionCreated(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliver(t, "subscription.created", map[string]any{
		"id":          "sub_1",
		"customer_id": "cus_1",
		"product_id":  "prod_1",
		"status":      "active",
		"interval":    "month",
	})

	sub, err := f.store.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Subscription not stored: %v", err)
	}
	if sub.Status != paykit.StatusActive {
		t.Errorf("Status = %s", sub.Status)
	}
	if !sub.UpdatedAt.Equal(f.now) {
		t.Error("UpdatedAt must come from the event timestamp")
	}
}

// Out-of-order updates: an older event must not overwrite a newer record.
func TestLifecycle_StaleUpdateSkipped(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliverAt(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "interval": "month",
	}, f.now)

	// An update that predates the record arrives late
	f.deliverAt(t, "subscription.updated", map[string]any{
		"id": "sub_1", "status": "past_due", "interval": "month",
	}, f.now.Add(-time.Hour))

	sub, _ := f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusActive {
		t.Errorf("Stale event applied: status = %s", sub.Status)
	}

	// A genuinely newer one wins
	f.deliverAt(t, "subscription.updated", map[string]any{
		"id": "sub_1", "status": "past_due", "interval": "month",
	}, f.now.Add(time.Hour))
	sub, _ = f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusPastDue {
		t.Errorf("Newer event ignored: status = %s", sub.Status)
	}
}

func TestLifecycle_UpdateRejectsIllegalTransition(t *testing.T) {
	f := newLifecycleFixture(t)

	f.deliverAt(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "interval": "month",
	}, f.now)

	data, _ := json.Marshal(map[string]any{
		"id": "sub_1", "status": "revoked", "interval": "month",
	})
	ev := &paykit.Event{
		ID:        "evt_illegal",
		Type:      "subscription.updated",
		Timestamp: f.now.Add(time.Hour),
		Payload:   data,
	}
	err := f.proc.Process(context.Background(), ev)
	if !errors.Is(err, paykit.ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}

	// The failed event carries no processed marker, so redelivery can retry
	if done, _ := f.store.IsEventProcessed(context.Background(), "evt_illegal"); done {
		t.Error("Failed event was marked processed")
	}
}

func TestLifecycle_PaymentFailedOpensDunning(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliver(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "interval": "month",
	})
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "invoice.payment_failed", map[string]any{"subscription_id": "sub_1"})

	sub, _ := f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusPastDue {
		t.Errorf("Status = %s, want past_due", sub.Status)
	}
	st, _ := f.store.GetDunningState(ctx, "sub_1")
	if st == nil {
		t.Fatal("Dunning ladder not opened")
	}
	if !st.StartedAt.Equal(f.now) {
		t.Error("Ladder start time mismatch")
	}

	// A second failure event changes nothing: already past_due
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "invoice.payment_failed", map[string]any{"subscription_id": "sub_1"})
	st2, _ := f.store.GetDunningState(ctx, "sub_1")
	if !st2.StartedAt.Equal(st.StartedAt) {
		t.Error("Repeated failure restarted the ladder")
	}
}

func TestLifecycle_PaymentSucceededRecovers(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliver(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "interval": "month",
	})
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "invoice.payment_failed", map[string]any{"subscription_id": "sub_1"})
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "invoice.payment_succeeded", map[string]any{"subscription_id": "sub_1"})

	sub, _ := f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}
	if st, _ := f.store.GetDunningState(ctx, "sub_1"); st != nil {
		t.Error("Dunning ladder not cleared on recovery")
	}
}

func TestLifecycle_PaymentSucceededActivatesIncomplete(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliver(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "incomplete", "interval": "month",
	})
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "invoice.payment_succeeded", map[string]any{"subscription_id": "sub_1"})

	sub, _ := f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusActive {
		t.Errorf("Status = %s, want active after first payment", sub.Status)
	}
}

func TestLifecycle_CanceledEventIdempotent(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	f.deliver(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "interval": "month",
	})
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "subscription.canceled", map[string]any{"subscription_id": "sub_1"})

	sub, _ := f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusCanceled {
		t.Fatalf("Status = %s, want canceled", sub.Status)
	}

	// A second cancel event (different ID, same subscription) is a no-op
	f.now = f.now.Add(time.Minute)
	f.deliver(t, "subscription.canceled", map[string]any{"subscription_id": "sub_1"})
	sub, _ = f.store.GetSubscription(ctx, "sub_1")
	if sub.Status != paykit.StatusCanceled {
		t.Error("Replay broke the terminal state")
	}
}

func TestLifecycle_UnknownSubscriptionSkipped(t *testing.T) {
	f := newLifecycleFixture(t)

	// Events for subscriptions this system never saw are consumed silently
	f.deliver(t, "invoice.payment_failed", map[string]any{"subscription_id": "sub_ghost"})
	f.deliver(t, "subscription.canceled", map[string]any{"subscription_id": "sub_ghost"})
}

func TestLifecycle_PayoutEventsFinalize(t *testing.T) {
	store := memory.New()
	locker := memory.NewLocker()

	coordinator, err := paykit.NewPayoutCoordinator(
		store, locker, &fakeProcessor{balance: 1 << 40},
		paykit.DefaultFeeSchedule(), paykit.DefaultPayoutConfig())
	if err != nil {
		t.Fatalf("NewPayoutCoordinator failed: %v", err)
	}

	f := &lifecycleFixture{store: store, now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	f.sched, err = paykit.NewScheduler(store, locker, paykit.DefaultSchedulerConfig())
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	lifecycle, err := paykit.NewLifecycle(store, f.sched, paykit.WithLifecyclePayouts(coordinator))
	if err != nil {
		t.Fatalf("NewLifecycle failed: %v", err)
	}
	router := paykit.NewRouter()
	lifecycle.Register(router)
	f.proc, err = paykit.NewProcessor(store, router)
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}

	ctx := context.Background()
	if err := store.PutAccount(ctx, &paykit.Account{ID: "acct_1", Country: "US", Active: true, PayoutsEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTransactions(ctx, []*paykit.Transaction{{
		ID: "tx_1", Type: paykit.TransactionPayment, Amount: 10_000, AccountID: "acct_1", CreatedAt: f.now,
	}}); err != nil {
		t.Fatal(err)
	}
	payout, err := coordinator.CreatePayout(ctx, "acct_1")
	if err != nil {
		t.Fatalf("CreatePayout failed: %v", err)
	}

	f.deliver(t, "payout.paid", map[string]any{"payout_id": payout.ID})
	p, _ := store.GetPayout(ctx, payout.ID)
	if p.Status != paykit.PayoutSucceeded {
		t.Errorf("Status = %s, want succeeded", p.Status)
	}

	// Notifications about unknown payouts are consumed without error
	f.deliver(t, "payout.failed", map[string]any{"payout_id": "po_unknown"})
}
