// Package prommetrics implements paykit.Metrics using Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paykit/paykit/pkg/paykit"
)

// Metrics implements paykit.Metrics backed by a Prometheus registerer.
type Metrics struct {
	eventsProcessed   *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	transitionsTotal  *prometheus.CounterVec
	deliveryAttempts  *prometheus.CounterVec
	payoutsTotal      *prometheus.CounterVec
	lockContention    *prometheus.CounterVec
	schedulerDue      prometheus.Histogram
	schedulerOutcomes *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Event processing outcomes.",
		}, []string{"event_type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "End-to-end event handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Applied subscription state transitions.",
		}, []string{"from", "to"}),

		deliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Outbound webhook delivery attempt outcomes.",
		}, []string{"outcome", "attempt"}),

		payoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payout status changes.",
		}, []string{"status"}),

		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Resources skipped because their lock was held.",
		}, []string{"scope"}),

		schedulerDue: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_due_subscriptions",
			Help:      "Due subscriptions per scheduler pass.",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500},
		}),

		schedulerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_outcomes_total",
			Help:      "Per-subscription scheduler outcomes.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) RecordEventProcessed(eventType, outcome string) {
	m.eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordEventProcessingDuration(eventType string, duration time.Duration) {
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(from, to paykit.SubscriptionStatus) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordDeliveryAttempt(outcome string, attempt int) {
	m.deliveryAttempts.WithLabelValues(outcome, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) RecordPayout(status paykit.PayoutStatus) {
	m.payoutsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) RecordLockContention(scope string) {
	m.lockContention.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordSchedulerRun(due, renewed, canceled, skipped, failed int) {
	m.schedulerDue.Observe(float64(due))
	m.schedulerOutcomes.WithLabelValues("renewed").Add(float64(renewed))
	m.schedulerOutcomes.WithLabelValues("canceled").Add(float64(canceled))
	m.schedulerOutcomes.WithLabelValues("skipped").Add(float64(skipped))
	m.schedulerOutcomes.WithLabelValues("failed").Add(float64(failed))
}
