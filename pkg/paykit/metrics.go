package paykit

import "time"

// Metrics is the instrumentation interface for the event pipeline, the
// scheduler and the payout coordinator. The Prometheus adapter lives in
// pkg/paykit/metrics/prometheus.
type Metrics interface {
	// RecordEventProcessed records one processing outcome: "processed",
	// "duplicate" or "error".
	RecordEventProcessed(eventType, outcome string)

	// RecordEventProcessingDuration records end-to-end handler latency.
	RecordEventProcessingDuration(eventType string, duration time.Duration)

	// RecordTransition records an applied subscription state transition.
	RecordTransition(from, to SubscriptionStatus)

	// RecordDeliveryAttempt records one outbound delivery attempt outcome:
	// "succeeded", "retry" or "exhausted".
	RecordDeliveryAttempt(outcome string, attempt int)

	// RecordPayout records a payout status change.
	RecordPayout(status PayoutStatus)

	// RecordLockContention records a skipped resource due to a held lock.
	// Scope is the lock namespace ("subscription", "payout_account").
	RecordLockContention(scope string)

	// RecordSchedulerRun records one scheduler pass over due subscriptions.
	// Skipped counts contention and rows no longer due; failed counts real
	// renewal errors.
	RecordSchedulerRun(due, renewed, canceled, skipped, failed int)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventProcessed(eventType, outcome string)                         {}
func (n *NoopMetrics) RecordEventProcessingDuration(eventType string, duration time.Duration) {}
func (n *NoopMetrics) RecordTransition(from, to SubscriptionStatus)                           {}
func (n *NoopMetrics) RecordDeliveryAttempt(outcome string, attempt int)                      {}
func (n *NoopMetrics) RecordPayout(status PayoutStatus)                                       {}
func (n *NoopMetrics) RecordLockContention(scope string)                                      {}
func (n *NoopMetrics) RecordSchedulerRun(due, renewed, canceled, skipped, failed int)         {}
