package paykit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
	"github.com/paykit/paykit/storage/memory"
)

// recordingEmitter captures emitted events for assertions.
type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(_ context.Context, eventType string, _ interface{}) error {
	r.types = append(r.types, eventType)
	return nil
}

func (r *recordingEmitter) has(eventType string) bool {
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// stubRetrier fails or succeeds payment retries on demand.
type stubRetrier struct {
	succeed  bool
	attempts []int
}

func (s *stubRetrier) RetryPayment(_ context.Context, _ *paykit.Subscription, attempt int) error {
	s.attempts = append(s.attempts, attempt)
	if s.succeed {
		return nil
	}
	return errors.New("card declined")
}

type stubRevoker struct {
	revoked []string
}

func (s *stubRevoker) RevokeBenefits(_ context.Context, sub *paykit.Subscription) error {
	s.revoked = append(s.revoked, sub.ID)
	return nil
}

type schedulerFixture struct {
	store     *memory.Storage
	locker    *memory.Locker
	scheduler *paykit.Scheduler
	emitter   *recordingEmitter
	retrier   *stubRetrier
	revoker   *stubRevoker
	now       time.Time
}

func newSchedulerFixture(t *testing.T, cfg paykit.SchedulerConfig) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		store:   memory.New(),
		locker:  memory.NewLocker(),
		emitter: &recordingEmitter{},
		retrier: &stubRetrier{},
		revoker: &stubRevoker{},
		now:     time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	var err error
	f.scheduler, err = paykit.NewScheduler(f.store, f.locker, cfg,
		paykit.WithSchedulerEmitter(f.emitter),
		paykit.WithPaymentRetrier(f.retrier),
		paykit.WithBenefitRevoker(f.revoker),
		paykit.WithSchedulerClock(func() time.Time { return f.now }),
	)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return f
}

func (f *schedulerFixture) putSub(t *testing.T, sub *paykit.Subscription) {
	t.Helper()
	if err := f.store.PutSubscription(context.Background(), sub); err != nil {
		t.Fatalf("PutSubscription failed: %v", err)
	}
}

func TestScheduler_RenewsDueSubscription(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	periodEnd := f.now.Add(-time.Hour)
	f.putSub(t, &paykit.Subscription{
		ID:                 "sub_due",
		CustomerID:         "cus_1",
		ProductID:          "prod_1",
		Status:             paykit.StatusActive,
		Interval:           paykit.IntervalMonth,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
	})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_due")
	if !sub.CurrentPeriodStart.Equal(periodEnd) {
		t.Errorf("New period start = %v, want previous end %v", sub.CurrentPeriodStart, periodEnd)
	}
	if !sub.CurrentPeriodEnd.After(f.now) {
		t.Error("Period end not advanced")
	}
	if !f.emitter.has("order.created") {
		t.Error("order.created not emitted")
	}
}

func TestScheduler_NotDueIsUntouched(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	end := f.now.Add(24 * time.Hour)
	f.putSub(t, &paykit.Subscription{
		ID:               "sub_fresh",
		Status:           paykit.StatusActive,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: end,
	})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	sub, _ := f.store.GetSubscription(ctx, "sub_fresh")
	if !sub.CurrentPeriodEnd.Equal(end) {
		t.Error("Subscription renewed ahead of its period end")
	}
}

func TestScheduler_CancelAtPeriodEnd(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	f.putSub(t, &paykit.Subscription{
		ID:                "sub_leaving",
		Status:            paykit.StatusActive,
		Interval:          paykit.IntervalMonth,
		CurrentPeriodEnd:  f.now.Add(-time.Minute),
		CancelAtPeriodEnd: true,
	})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_leaving")
	if sub.Status != paykit.StatusCanceled {
		t.Errorf("Status = %s, want canceled", sub.Status)
	}
	if sub.EndedAt == nil {
		t.Error("EndedAt not stamped")
	}
	if !f.emitter.has("subscription.canceled") {
		t.Error("subscription.canceled not emitted")
	}
	if len(f.revoker.revoked) != 1 || f.revoker.revoked[0] != "sub_leaving" {
		t.Errorf("Benefits not revoked: %v", f.revoker.revoked)
	}
	if f.emitter.has("order.created") {
		t.Error("Canceled subscription must not produce an order")
	}
}

func TestScheduler_TrialConversion(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	trialEnd := f.now.Add(-time.Hour)
	f.putSub(t, &paykit.Subscription{
		ID:               "sub_trial",
		Status:           paykit.StatusTrialing,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: trialEnd,
		TrialEnd:         &trialEnd,
	})

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_trial")
	if sub.Status != paykit.StatusActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}
	if !sub.CurrentPeriodEnd.After(f.now) {
		t.Error("First paid period not started")
	}
	if !f.emitter.has("order.created") {
		t.Error("order.created not emitted for first paid period")
	}
}

func TestScheduler_LockContentionSkips(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	end := f.now.Add(-time.Hour)
	f.putSub(t, &paykit.Subscription{
		ID:               "sub_locked",
		Status:           paykit.StatusActive,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: end,
	})

	// Another instance holds this subscription's lock
	ok, err := f.locker.Acquire(ctx, "subscription:sub_locked", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Failed to pre-acquire lock: ok=%v err=%v", ok, err)
	}

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce must tolerate contention: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_locked")
	if !sub.CurrentPeriodEnd.Equal(end) {
		t.Error("Locked subscription was renewed")
	}
}

// schedulerRunRecorder captures the per-pass outcome counts.
type schedulerRunRecorder struct {
	paykit.NoopMetrics
	renewed, skipped, failed int
}

func (r *schedulerRunRecorder) RecordSchedulerRun(due, renewed, canceled, skipped, failed int) {
	r.renewed += renewed
	r.skipped += skipped
	r.failed += failed
}

// failingPutStorage wraps a working store but refuses subscription writes.
type failingPutStorage struct {
	paykit.Storage
}

func (f *failingPutStorage) PutSubscription(context.Context, *paykit.Subscription) error {
	return errors.New("storage down")
}

func TestScheduler_OutcomeAccounting(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	due := &paykit.Subscription{
		ID:               "sub_due",
		Status:           paykit.StatusActive,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: now.Add(-time.Hour),
	}

	t.Run("renewal failure counts as failed", func(t *testing.T) {
		store := memory.New()
		if err := store.PutSubscription(ctx, due); err != nil {
			t.Fatalf("PutSubscription failed: %v", err)
		}

		metrics := &schedulerRunRecorder{}
		sched, err := paykit.NewScheduler(
			&failingPutStorage{Storage: store}, memory.NewLocker(), paykit.DefaultSchedulerConfig(),
			paykit.WithSchedulerMetrics(metrics),
			paykit.WithSchedulerClock(func() time.Time { return now }),
		)
		if err != nil {
			t.Fatalf("NewScheduler failed: %v", err)
		}
		if err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("One failure must not stop the pass: %v", err)
		}

		if metrics.failed != 1 {
			t.Errorf("Failed = %d, want 1", metrics.failed)
		}
		if metrics.skipped != 0 {
			t.Errorf("Skipped = %d, a storage error is not a skip", metrics.skipped)
		}
		if metrics.renewed != 0 {
			t.Errorf("Renewed = %d, nothing could be written", metrics.renewed)
		}
	})

	t.Run("contention counts as skipped", func(t *testing.T) {
		store := memory.New()
		locker := memory.NewLocker()
		if err := store.PutSubscription(ctx, due); err != nil {
			t.Fatalf("PutSubscription failed: %v", err)
		}
		if ok, err := locker.Acquire(ctx, "subscription:sub_due", time.Minute); err != nil || !ok {
			t.Fatalf("Failed to pre-acquire lock: ok=%v err=%v", ok, err)
		}

		metrics := &schedulerRunRecorder{}
		sched, err := paykit.NewScheduler(store, locker, paykit.DefaultSchedulerConfig(),
			paykit.WithSchedulerMetrics(metrics),
			paykit.WithSchedulerClock(func() time.Time { return now }),
		)
		if err != nil {
			t.Fatalf("NewScheduler failed: %v", err)
		}
		if err := sched.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce must tolerate contention: %v", err)
		}

		if metrics.skipped != 1 {
			t.Errorf("Skipped = %d, want 1", metrics.skipped)
		}
		if metrics.failed != 0 {
			t.Errorf("Failed = %d, contention is routine", metrics.failed)
		}
	})
}

func TestScheduler_DunningLadder(t *testing.T) {
	day := 24 * time.Hour
	cfg := paykit.DefaultSchedulerConfig()
	f := newSchedulerFixture(t, cfg)
	ctx := context.Background()

	f.putSub(t, &paykit.Subscription{
		ID:               "sub_late",
		Status:           paykit.StatusPastDue,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: f.now.Add(30 * day),
	})
	if err := f.scheduler.StartDunning(ctx, "sub_late", f.now); err != nil {
		t.Fatalf("StartDunning failed: %v", err)
	}

	// Idempotent: a second start leaves the ladder alone
	if err := f.scheduler.StartDunning(ctx, "sub_late", f.now.Add(time.Hour)); err != nil {
		t.Fatalf("StartDunning (again) failed: %v", err)
	}
	st, _ := f.store.GetDunningState(ctx, "sub_late")
	if !st.NextRetryAt.Equal(f.now.Add(3 * day)) {
		t.Fatalf("First retry at %v, want day 3", st.NextRetryAt)
	}

	// Day 3: retry fails, next attempt scheduled for day 5 from the start
	f.now = f.now.Add(3 * day)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	st, _ = f.store.GetDunningState(ctx, "sub_late")
	if st.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", st.Attempt)
	}
	if !st.NextRetryAt.Equal(st.StartedAt.Add(5 * day)) {
		t.Errorf("Next retry = %v, want day 5 from start", st.NextRetryAt)
	}

	// Day 5 and day 7: still failing; ladder exhausts into unpaid
	f.now = st.StartedAt.Add(5 * day)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	f.now = st.StartedAt.Add(7 * day)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_late")
	if sub.Status != paykit.StatusUnpaid {
		t.Fatalf("Status = %s, want unpaid after exhaustion", sub.Status)
	}
	if len(f.retrier.attempts) != 3 {
		t.Errorf("Retry attempts = %v, want 3", f.retrier.attempts)
	}

	// Grace period elapses: final action cancels and revokes
	st, _ = f.store.GetDunningState(ctx, "sub_late")
	f.now = st.NextRetryAt
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ = f.store.GetSubscription(ctx, "sub_late")
	if sub.Status != paykit.StatusCanceled {
		t.Errorf("Status = %s, want canceled", sub.Status)
	}
	if len(f.revoker.revoked) != 1 {
		t.Error("Benefits not revoked on final action")
	}
	if st, _ := f.store.GetDunningState(ctx, "sub_late"); st != nil {
		t.Error("Dunning state not cleared after final action")
	}
	if !f.emitter.has("subscription.canceled") {
		t.Error("subscription.canceled not emitted")
	}
}

func TestScheduler_DunningRecovery(t *testing.T) {
	day := 24 * time.Hour
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	f.retrier.succeed = true
	ctx := context.Background()

	f.putSub(t, &paykit.Subscription{
		ID:               "sub_recovers",
		Status:           paykit.StatusPastDue,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: f.now.Add(30 * day),
	})
	if err := f.scheduler.StartDunning(ctx, "sub_recovers", f.now); err != nil {
		t.Fatalf("StartDunning failed: %v", err)
	}

	f.now = f.now.Add(3 * day)
	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	sub, _ := f.store.GetSubscription(ctx, "sub_recovers")
	if sub.Status != paykit.StatusActive {
		t.Errorf("Status = %s, want active after recovery", sub.Status)
	}
	if st, _ := f.store.GetDunningState(ctx, "sub_recovers"); st != nil {
		t.Error("Dunning state not cleared after recovery")
	}
}

func TestScheduler_StaleDunningStateDropped(t *testing.T) {
	f := newSchedulerFixture(t, paykit.DefaultSchedulerConfig())
	ctx := context.Background()

	// Payment recovered through a webhook while the ladder still existed
	f.putSub(t, &paykit.Subscription{
		ID:               "sub_fine",
		Status:           paykit.StatusActive,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: f.now.AddDate(0, 1, 0),
	})
	if err := f.store.PutDunningState(ctx, &paykit.DunningState{
		SubscriptionID: "sub_fine",
		Attempt:        1,
		NextRetryAt:    f.now.Add(-time.Hour),
		StartedAt:      f.now.Add(-72 * time.Hour),
	}); err != nil {
		t.Fatalf("PutDunningState failed: %v", err)
	}

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if st, _ := f.store.GetDunningState(ctx, "sub_fine"); st != nil {
		t.Error("Stale dunning state survived")
	}
	if len(f.retrier.attempts) != 0 {
		t.Error("Payment retried for a healthy subscription")
	}
}

func TestScheduler_FinalActionRevoked(t *testing.T) {
	cfg := paykit.DefaultSchedulerConfig()
	cfg.Dunning.FinalAction = paykit.StatusRevoked
	f := newSchedulerFixture(t, cfg)
	ctx := context.Background()

	f.putSub(t, &paykit.Subscription{
		ID:               "sub_gone",
		Status:           paykit.StatusUnpaid,
		Interval:         paykit.IntervalMonth,
		CurrentPeriodEnd: f.now.AddDate(0, 1, 0),
	})
	if err := f.store.PutDunningState(ctx, &paykit.DunningState{
		SubscriptionID: "sub_gone",
		Attempt:        3,
		NextRetryAt:    f.now.Add(-time.Minute),
		StartedAt:      f.now.Add(-14 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("PutDunningState failed: %v", err)
	}

	if err := f.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	sub, _ := f.store.GetSubscription(ctx, "sub_gone")
	if sub.Status != paykit.StatusRevoked {
		t.Errorf("Status = %s, want revoked", sub.Status)
	}
	if !f.emitter.has("subscription.revoked") {
		t.Error("subscription.revoked not emitted")
	}
}
