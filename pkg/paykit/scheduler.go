package paykit

import (
	"context"
	"fmt"
	"time"
)

// PaymentRetrier attempts to collect payment for a past_due subscription.
// A nil error means the charge went through. Applications wire this to their
// payment-processor invoicing; tests stub it.
type PaymentRetrier interface {
	RetryPayment(ctx context.Context, sub *Subscription, attempt int) error
}

// BenefitRevoker revokes whatever access a subscription granted. Called when
// the scheduler cancels or revokes a subscription at a period boundary.
type BenefitRevoker interface {
	RevokeBenefits(ctx context.Context, sub *Subscription) error
}

// DunningConfig is the failed-payment retry policy.
type DunningConfig struct {
	// RetryOffsets are the payment retry times, as offsets from the first
	// failure. The default is day 3, 5 and 7.
	RetryOffsets []time.Duration

	// GracePeriod is how long an unpaid subscription survives before the
	// final action is taken.
	GracePeriod time.Duration

	// FinalAction is the terminal transition after the grace period:
	// StatusCanceled or StatusRevoked.
	FinalAction SubscriptionStatus
}

// DefaultDunningConfig returns the production dunning policy.
func DefaultDunningConfig() DunningConfig {
	day := 24 * time.Hour
	return DunningConfig{
		RetryOffsets: []time.Duration{3 * day, 5 * day, 7 * day},
		GracePeriod:  7 * day,
		FinalAction:  StatusCanceled,
	}
}

// SchedulerConfig configures the billing-cycle scheduler.
type SchedulerConfig struct {
	// Interval between scheduler passes. Cadence is an ops choice, not a
	// correctness requirement.
	Interval time.Duration

	// LockTTL bounds the per-subscription lock lease.
	LockTTL time.Duration

	// ScanLimit caps subscriptions picked up per pass.
	ScanLimit int

	Dunning DunningConfig
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:  15 * time.Minute,
		LockTTL:   30 * time.Second,
		ScanLimit: 500,
		Dunning:   DefaultDunningConfig(),
	}
}

// Scheduler drives time-based subscription transitions: period renewals,
// cancel-at-period-end, trial conversion, and the dunning ladder. All
// transitions for a subscription happen under that subscription's distributed
// lock, with a re-read after acquisition to guard against stale scans. A held
// lock means another instance owns the subscription this cycle: skip it and
// move on, one stuck lock must not block the whole pass.
type Scheduler struct {
	storage Storage
	locker  Locker
	config  SchedulerConfig
	emitter Emitter
	retrier PaymentRetrier
	revoker BenefitRevoker
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerEmitter wires outbound event emission.
func WithSchedulerEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithPaymentRetrier wires dunning payment collection.
func WithPaymentRetrier(r PaymentRetrier) SchedulerOption {
	return func(s *Scheduler) { s.retrier = r }
}

// WithBenefitRevoker wires the benefit-revocation side effect.
func WithBenefitRevoker(r BenefitRevoker) SchedulerOption {
	return func(s *Scheduler) { s.revoker = r }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerMetrics sets the metrics collector.
func WithSchedulerMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerClock overrides the clock, for tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. Storage and locker are required.
func NewScheduler(storage Storage, locker Locker, config SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if config.Interval == 0 {
		config.Interval = 15 * time.Minute
	}
	if config.LockTTL == 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.ScanLimit == 0 {
		config.ScanLimit = 500
	}
	if len(config.Dunning.RetryOffsets) == 0 {
		config.Dunning = DefaultDunningConfig()
	}
	if config.Dunning.FinalAction != StatusRevoked {
		config.Dunning.FinalAction = StatusCanceled
	}

	s := &Scheduler{
		storage: storage,
		locker:  locker,
		config:  config,
		emitter: &NoopEmitter{},
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run loops RunOnce on the configured interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("scheduler pass failed", Field{"error", err.Error()})
			}
		}
	}
}

// RunOnce performs a single pass: renewals first, then the dunning ladder.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.runRenewals(ctx); err != nil {
		return err
	}
	return s.runDunning(ctx)
}

func (s *Scheduler) runRenewals(ctx context.Context) error {
	now := s.now()
	due, err := s.storage.ListDueSubscriptions(ctx, now, s.config.ScanLimit)
	if err != nil {
		return err
	}

	var renewed, canceled, skipped, failed int
	for _, sub := range due {
		outcome, err := s.renewOne(ctx, sub.ID)
		switch outcome {
		case renewFailed:
			// One subscription's failure must not stop the pass.
			failed++
			s.logger.Error("subscription renewal failed",
				Field{"subscription_id", sub.ID}, Field{"error", err.Error()})
		case renewSkipped:
			skipped++
			s.logger.Debug("subscription skipped this cycle",
				Field{"subscription_id", sub.ID}, Field{"error", errString(err)})
		case renewCanceled:
			canceled++
		case renewAdvanced:
			renewed++
		}
	}

	s.metrics.RecordSchedulerRun(len(due), renewed, canceled, skipped, failed)
	return nil
}

// renewOutcome classifies one subscription's fate in a renewal pass. Skipped
// is routine (held lock, row no longer due by the under-lock re-read); failed
// means the renewal was attempted and something genuinely broke.
type renewOutcome int

const (
	renewSkipped renewOutcome = iota
	renewAdvanced
	renewCanceled
	renewFailed
)

func (s *Scheduler) renewOne(ctx context.Context, subscriptionID string) (renewOutcome, error) {
	lockKey := "subscription:" + subscriptionID
	ok, err := s.locker.Acquire(ctx, lockKey, s.config.LockTTL)
	if err != nil {
		return renewFailed, err
	}
	if !ok {
		s.metrics.RecordLockContention("subscription")
		return renewSkipped, ErrLockContention
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey); err != nil {
			s.logger.Warn("subscription lock release failed",
				Field{"subscription_id", subscriptionID}, Field{"error", err.Error()})
		}
	}()

	// Re-read under the lock: the scan result may be stale by the time the
	// lock is ours.
	now := s.now()
	sub, err := s.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return renewFailed, err
	}
	if !sub.Live() || sub.CurrentPeriodEnd.After(now) {
		return renewSkipped, nil
	}

	if sub.CancelAtPeriodEnd {
		next, err := Transition(sub, StatusCanceled, now)
		if err != nil {
			return renewFailed, err
		}
		if err := s.storage.PutSubscription(ctx, next); err != nil {
			return renewFailed, err
		}
		s.metrics.RecordTransition(sub.Status, StatusCanceled)
		s.revokeBenefits(ctx, next)
		s.emit(ctx, "subscription.canceled", next)
		s.logger.Info("subscription canceled at period end", Field{"subscription_id", sub.ID})
		return renewCanceled, nil
	}

	next := sub
	if sub.Status == StatusTrialing {
		// Trial window closed: convert before the first paid period starts.
		next, err = Transition(sub, StatusActive, now)
		if err != nil {
			return renewFailed, err
		}
		s.metrics.RecordTransition(StatusTrialing, StatusActive)
	}

	next = AdvancePeriod(next, now)
	if err := s.storage.PutSubscription(ctx, next); err != nil {
		return renewFailed, err
	}
	s.emit(ctx, "order.created", map[string]interface{}{
		"subscription_id": next.ID,
		"customer_id":     next.CustomerID,
		"product_id":      next.ProductID,
		"period_start":    next.CurrentPeriodStart,
		"period_end":      next.CurrentPeriodEnd,
	})
	s.logger.Info("subscription renewed",
		Field{"subscription_id", next.ID},
		Field{"period_end", next.CurrentPeriodEnd},
	)
	return renewAdvanced, nil
}

// StartDunning opens the retry ladder for a subscription that just went
// past_due. Idempotent: an existing ladder is left alone.
func (s *Scheduler) StartDunning(ctx context.Context, subscriptionID string, now time.Time) error {
	existing, err := s.storage.GetDunningState(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return s.storage.PutDunningState(ctx, &DunningState{
		SubscriptionID: subscriptionID,
		Attempt:        0,
		NextRetryAt:    now.Add(s.config.Dunning.RetryOffsets[0]),
		StartedAt:      now,
	})
}

// ClearDunning drops the ladder after payment recovers.
func (s *Scheduler) ClearDunning(ctx context.Context, subscriptionID string) error {
	return s.storage.DeleteDunningState(ctx, subscriptionID)
}

func (s *Scheduler) runDunning(ctx context.Context) error {
	now := s.now()
	due, err := s.storage.ListDueDunning(ctx, now, s.config.ScanLimit)
	if err != nil {
		return err
	}

	for _, st := range due {
		if err := s.dunOne(ctx, st); err != nil && err != ErrLockContention {
			s.logger.Error("dunning step failed",
				Field{"subscription_id", st.SubscriptionID}, Field{"error", err.Error()})
		}
	}
	return nil
}

func (s *Scheduler) dunOne(ctx context.Context, st *DunningState) error {
	lockKey := "subscription:" + st.SubscriptionID
	ok, err := s.locker.Acquire(ctx, lockKey, s.config.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.metrics.RecordLockContention("subscription")
		return ErrLockContention
	}
	defer func() {
		if err := s.locker.Release(ctx, lockKey); err != nil {
			s.logger.Warn("subscription lock release failed",
				Field{"subscription_id", st.SubscriptionID}, Field{"error", err.Error()})
		}
	}()

	now := s.now()
	sub, err := s.storage.GetSubscription(ctx, st.SubscriptionID)
	if err != nil {
		return err
	}

	switch sub.Status {
	case StatusPastDue:
		return s.retryPayment(ctx, sub, st, now)
	case StatusUnpaid:
		return s.finalAction(ctx, sub, st, now)
	default:
		// Payment recovered through another path; the ladder is stale.
		return s.storage.DeleteDunningState(ctx, st.SubscriptionID)
	}
}

func (s *Scheduler) retryPayment(ctx context.Context, sub *Subscription, st *DunningState, now time.Time) error {
	attempt := st.Attempt + 1

	var payErr error
	if s.retrier != nil {
		payErr = s.retrier.RetryPayment(ctx, sub, attempt)
	} else {
		payErr = fmt.Errorf("no payment retrier configured")
	}

	if payErr == nil {
		next, err := Transition(sub, StatusActive, now)
		if err != nil {
			return err
		}
		if err := s.storage.PutSubscription(ctx, next); err != nil {
			return err
		}
		s.metrics.RecordTransition(StatusPastDue, StatusActive)
		s.emit(ctx, "subscription.updated", next)
		s.logger.Info("dunning recovered", Field{"subscription_id", sub.ID}, Field{"attempt", attempt})
		return s.storage.DeleteDunningState(ctx, sub.ID)
	}

	st.Attempt = attempt
	if st.Attempt >= len(s.config.Dunning.RetryOffsets) {
		// Ladder exhausted.
		next, err := Transition(sub, StatusUnpaid, now)
		if err != nil {
			return err
		}
		if err := s.storage.PutSubscription(ctx, next); err != nil {
			return err
		}
		s.metrics.RecordTransition(StatusPastDue, StatusUnpaid)
		s.emit(ctx, "subscription.updated", next)
		s.logger.Warn("dunning exhausted", Field{"subscription_id", sub.ID})

		st.NextRetryAt = now.Add(s.config.Dunning.GracePeriod)
		return s.storage.PutDunningState(ctx, st)
	}

	st.NextRetryAt = st.StartedAt.Add(s.config.Dunning.RetryOffsets[st.Attempt])
	s.logger.Info("dunning retry failed",
		Field{"subscription_id", sub.ID},
		Field{"attempt", attempt},
		Field{"next_retry_at", st.NextRetryAt},
	)
	return s.storage.PutDunningState(ctx, st)
}

func (s *Scheduler) finalAction(ctx context.Context, sub *Subscription, st *DunningState, now time.Time) error {
	target := s.config.Dunning.FinalAction
	next, err := Transition(sub, target, now)
	if err != nil {
		return err
	}
	if err := s.storage.PutSubscription(ctx, next); err != nil {
		return err
	}
	s.metrics.RecordTransition(StatusUnpaid, target)
	s.revokeBenefits(ctx, next)
	s.emit(ctx, "subscription."+string(target), next)
	s.logger.Info("dunning final action taken",
		Field{"subscription_id", sub.ID}, Field{"action", string(target)})
	return s.storage.DeleteDunningState(ctx, sub.ID)
}

func (s *Scheduler) revokeBenefits(ctx context.Context, sub *Subscription) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.RevokeBenefits(ctx, sub); err != nil {
		s.logger.Error("benefit revocation failed",
			Field{"subscription_id", sub.ID}, Field{"error", err.Error()})
	}
}

func (s *Scheduler) emit(ctx context.Context, eventType string, payload interface{}) {
	if err := s.emitter.Emit(ctx, eventType, payload); err != nil {
		s.logger.Warn("event emit failed", Field{"event_type", eventType}, Field{"error", err.Error()})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
