package paykit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lifecycle wires the inbound event taxonomy onto the subscription state
// machine and payout finalization. Every handler is idempotent: replaying an
// event produces the same end state, which is what lets the processed marker
// be written after the handler instead of before it.
type Lifecycle struct {
	storage     Storage
	scheduler   *Scheduler
	coordinator *PayoutCoordinator
	logger      Logger
	metrics     Metrics
	now         func() time.Time
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecyclePayouts wires payout finalization for payout.* events.
func WithLifecyclePayouts(c *PayoutCoordinator) LifecycleOption {
	return func(l *Lifecycle) { l.coordinator = c }
}

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(log Logger) LifecycleOption {
	return func(l *Lifecycle) { l.logger = log }
}

// WithLifecycleMetrics sets the metrics collector.
func WithLifecycleMetrics(m Metrics) LifecycleOption {
	return func(l *Lifecycle) { l.metrics = m }
}

// WithLifecycleClock overrides the clock, for tests.
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle creates the handler set. The scheduler is needed to open and
// close dunning ladders on payment events.
func NewLifecycle(storage Storage, scheduler *Scheduler, opts ...LifecycleOption) (*Lifecycle, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	l := &Lifecycle{
		storage:   storage,
		scheduler: scheduler,
		logger:    &NoopLogger{},
		metrics:   &NoopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Register attaches every lifecycle handler to the router.
func (l *Lifecycle) Register(r *Router) {
	r.Register("subscription.created", l.handleSubscriptionUpsert)
	r.Register("subscription.updated", l.handleSubscriptionUpsert)
	r.Register("subscription.canceled", l.handleSubscriptionCanceled)
	r.Register("subscription.revoked", l.handleSubscriptionRevoked)
	r.Register("invoice.payment_succeeded", l.handlePaymentSucceeded)
	r.Register("invoice.payment_failed", l.handlePaymentFailed)
	r.Register("payout.paid", l.handlePayoutPaid)
	r.Register("payout.failed", l.handlePayoutFailed)
}

// handleSubscriptionUpsert applies created/updated events. Out-of-order and
// duplicate deliveries are resolved by the event timestamp against the stored
// record's UpdatedAt: only strictly newer events win.
func (l *Lifecycle) handleSubscriptionUpsert(ctx context.Context, ev *Event) error {
	var sub Subscription
	if err := json.Unmarshal(ev.Payload, &sub); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription event %s has no subscription id", ev.ID)
	}

	existing, err := l.storage.GetSubscription(ctx, sub.ID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return err
	}
	if existing != nil && !ev.Timestamp.After(existing.UpdatedAt) {
		l.logger.Debug("stale subscription event skipped",
			Field{"event_id", ev.ID}, Field{"subscription_id", sub.ID})
		return nil
	}
	if existing != nil && existing.Status != sub.Status {
		if !CanTransition(existing.Status, sub.Status) {
			return &TransitionError{SubscriptionID: sub.ID, From: existing.Status, To: sub.Status}
		}
		l.metrics.RecordTransition(existing.Status, sub.Status)
	}

	sub.UpdatedAt = ev.Timestamp
	return l.storage.PutSubscription(ctx, &sub)
}

func (l *Lifecycle) handleSubscriptionCanceled(ctx context.Context, ev *Event) error {
	sub, done, err := l.eventSubscription(ctx, ev)
	if err != nil || done {
		return err
	}
	next, err := CancelNow(sub, l.now())
	if err != nil {
		// Already terminal: the cancel raced another path. Replay-safe skip.
		if sub.Status == StatusCanceled || sub.Status == StatusRevoked {
			return nil
		}
		return err
	}
	l.metrics.RecordTransition(sub.Status, StatusCanceled)
	return l.storage.PutSubscription(ctx, next)
}

func (l *Lifecycle) handleSubscriptionRevoked(ctx context.Context, ev *Event) error {
	sub, done, err := l.eventSubscription(ctx, ev)
	if err != nil || done {
		return err
	}
	if sub.Status == StatusRevoked {
		return nil
	}
	next, err := Transition(sub, StatusRevoked, l.now())
	if err != nil {
		return err
	}
	l.metrics.RecordTransition(sub.Status, StatusRevoked)
	return l.storage.PutSubscription(ctx, next)
}

func (l *Lifecycle) handlePaymentSucceeded(ctx context.Context, ev *Event) error {
	sub, done, err := l.eventSubscription(ctx, ev)
	if err != nil || done {
		return err
	}
	switch sub.Status {
	case StatusPastDue, StatusUnpaid:
		next, err := Transition(sub, StatusActive, l.now())
		if err != nil {
			return err
		}
		if err := l.storage.PutSubscription(ctx, next); err != nil {
			return err
		}
		l.metrics.RecordTransition(sub.Status, StatusActive)
		return l.scheduler.ClearDunning(ctx, sub.ID)
	case StatusIncomplete:
		next, err := Transition(sub, StatusActive, l.now())
		if err != nil {
			return err
		}
		l.metrics.RecordTransition(StatusIncomplete, StatusActive)
		return l.storage.PutSubscription(ctx, next)
	default:
		return nil
	}
}

func (l *Lifecycle) handlePaymentFailed(ctx context.Context, ev *Event) error {
	sub, done, err := l.eventSubscription(ctx, ev)
	if err != nil || done {
		return err
	}
	if sub.Status != StatusActive {
		// past_due already, or terminal: the ladder (if any) is in charge.
		return nil
	}
	now := l.now()
	next, err := Transition(sub, StatusPastDue, now)
	if err != nil {
		return err
	}
	if err := l.storage.PutSubscription(ctx, next); err != nil {
		return err
	}
	l.metrics.RecordTransition(StatusActive, StatusPastDue)
	l.logger.Warn("payment failed, entering dunning", Field{"subscription_id", sub.ID})
	return l.scheduler.StartDunning(ctx, sub.ID, now)
}

func (l *Lifecycle) handlePayoutPaid(ctx context.Context, ev *Event) error {
	return l.finalizePayout(ctx, ev, true)
}

func (l *Lifecycle) handlePayoutFailed(ctx context.Context, ev *Event) error {
	return l.finalizePayout(ctx, ev, false)
}

func (l *Lifecycle) finalizePayout(ctx context.Context, ev *Event, succeeded bool) error {
	if l.coordinator == nil {
		return nil
	}
	var ref struct {
		PayoutID string `json:"payout_id"`
		ID       string `json:"id"`
	}
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		return fmt.Errorf("unmarshal payout reference: %w", err)
	}
	id := ref.PayoutID
	if id == "" {
		id = ref.ID
	}
	if id == "" {
		return fmt.Errorf("payout event %s has no payout id", ev.ID)
	}
	err := l.coordinator.Finalize(ctx, id, succeeded)
	if errors.Is(err, ErrPayoutNotFound) {
		// The processor can notify about payouts this system never created.
		l.logger.Debug("payout notification for unknown payout", Field{"payout_id", id})
		return nil
	}
	return err
}

// eventSubscription resolves the subscription an event concerns. done=true
// means the event should be skipped silently (unknown subscription: the
// upstream may deliver events for subscriptions created elsewhere).
func (l *Lifecycle) eventSubscription(ctx context.Context, ev *Event) (*Subscription, bool, error) {
	var ref struct {
		SubscriptionID string `json:"subscription_id"`
		ID             string `json:"id"`
	}
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		return nil, false, fmt.Errorf("unmarshal subscription reference: %w", err)
	}
	id := ref.SubscriptionID
	if id == "" {
		id = ref.ID
	}
	if id == "" {
		return nil, false, fmt.Errorf("event %s has no subscription id", ev.ID)
	}

	sub, err := l.storage.GetSubscription(ctx, id)
	if errors.Is(err, ErrSubscriptionNotFound) {
		l.logger.Debug("event for unknown subscription skipped",
			Field{"event_id", ev.ID}, Field{"subscription_id", id})
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sub, false, nil
}
