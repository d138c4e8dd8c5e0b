package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/paykit/paykit/pkg/paykit"
)

// DispatcherConfig configures outbound delivery.
type DispatcherConfig struct {
	// RequestTimeout bounds each delivery attempt (default 30s). An endpoint
	// that answers slower than this has not answered.
	RequestTimeout time.Duration

	// MaxConcurrency caps parallel deliveries per pass (default 16).
	MaxConcurrency int

	// ScanLimit caps deliveries picked up per pass (default 200).
	ScanLimit int

	// Interval between delivery passes when using Run (default 30s).
	Interval time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RequestTimeout: 30 * time.Second,
		MaxConcurrency: 16,
		ScanLimit:      200,
		Interval:       30 * time.Second,
	}
}

// Dispatcher fans events out to subscriber endpoints and drives the retry
// ladder. Retry state lives per delivery, not per event: one event goes to
// many endpoints, and each endpoint fails on its own schedule. The Event row
// is never touched by retries.
//
// Dispatcher implements paykit.Emitter, which is how the scheduler and payout
// coordinator publish their internally-produced events.
type Dispatcher struct {
	storage    paykit.Storage
	httpClient *http.Client
	config     DispatcherConfig
	logger     paykit.Logger
	metrics    paykit.Metrics
	now        func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherHTTPClient overrides the HTTP client.
func WithDispatcherHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l paykit.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherMetrics sets the metrics collector.
func WithDispatcherMetrics(m paykit.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithDispatcherClock overrides the clock, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher over the given storage.
func NewDispatcher(storage paykit.Storage, config DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if storage == nil {
		return nil, paykit.ErrStorageUnavailable
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxConcurrency == 0 {
		config.MaxConcurrency = 16
	}
	if config.ScanLimit == 0 {
		config.ScanLimit = 200
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}

	d := &Dispatcher{
		storage: storage,
		config:  config,
		logger:  &paykit.NoopLogger{},
		metrics: &paykit.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	return d, nil
}

// Emit implements paykit.Emitter: wrap the payload in a new event, persist it
// and fan it out.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return d.EmitEvent(ctx, &paykit.Event{
		ID:        "evt_" + uuid.NewString(),
		Type:      eventType,
		Timestamp: d.now().UTC(),
		Payload:   raw,
	})
}

// EmitEvent persists an event and creates one pending delivery per matching
// endpoint. Emitting the same event twice creates no duplicate event row but
// may re-create deliveries; callers emit each event once.
func (d *Dispatcher) EmitEvent(ctx context.Context, ev *paykit.Event) error {
	if err := d.storage.PutEvent(ctx, ev); err != nil {
		return err
	}

	endpoints, err := d.storage.ListEndpoints(ctx)
	if err != nil {
		return err
	}

	now := d.now()
	for _, ep := range endpoints {
		if ep.Disabled || !endpointMatches(ep, ev.Type) {
			continue
		}
		delivery := &paykit.Delivery{
			ID:            "del_" + uuid.NewString(),
			EventID:       ev.ID,
			EndpointID:    ep.ID,
			Attempt:       0,
			Status:        paykit.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.storage.PutDelivery(ctx, delivery); err != nil {
			return err
		}
	}
	return nil
}

// RunDue performs one delivery pass over everything whose next attempt is due.
func (d *Dispatcher) RunDue(ctx context.Context) error {
	due, err := d.storage.ListDueDeliveries(ctx, d.now(), d.config.ScanLimit)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxConcurrency)
	for _, delivery := range due {
		delivery := delivery
		g.Go(func() error {
			if err := d.attempt(ctx, delivery); err != nil {
				d.logger.Error("delivery attempt errored",
					paykit.Field{Key: "delivery_id", Value: delivery.ID},
					paykit.Field{Key: "error", Value: err.Error()},
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run loops RunDue on the configured interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.RunDue(ctx); err != nil {
				d.logger.Error("delivery pass failed", paykit.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *paykit.Delivery) error {
	ev, err := d.storage.GetEvent(ctx, delivery.EventID)
	if err != nil {
		return err
	}
	ep, err := d.storage.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		return err
	}
	if ep == nil || ep.Disabled {
		delivery.Status = paykit.DeliveryFailed
		delivery.LastError = "endpoint removed"
		delivery.UpdatedAt = d.now()
		return d.storage.PutDelivery(ctx, delivery)
	}

	attempt := delivery.Attempt + 1
	statusCode, attemptErr := d.post(ctx, ep, ev, delivery.ID, attempt)

	now := d.now()
	delivery.Attempt = attempt
	delivery.LastStatusCode = statusCode
	delivery.UpdatedAt = now
	if attemptErr == nil {
		delivery.Status = paykit.DeliverySucceeded
		delivery.LastError = ""
		d.metrics.RecordDeliveryAttempt("succeeded", attempt)
		return d.storage.PutDelivery(ctx, delivery)
	}

	delivery.LastError = attemptErr.Error()
	if attempt >= MaxAttempts {
		delivery.Status = paykit.DeliveryFailed
		d.metrics.RecordDeliveryAttempt("exhausted", attempt)
		// Permanent failure must reach operators, not vanish into a row.
		d.logger.Error("delivery permanently failed",
			paykit.Field{Key: "delivery_id", Value: delivery.ID},
			paykit.Field{Key: "event_id", Value: delivery.EventID},
			paykit.Field{Key: "endpoint_id", Value: delivery.EndpointID},
			paykit.Field{Key: "attempts", Value: attempt},
			paykit.Field{Key: "last_error", Value: delivery.LastError},
		)
		return d.storage.PutDelivery(ctx, delivery)
	}

	delay, _ := DelayForAttempt(attempt + 1)
	delivery.NextAttemptAt = now.Add(delay)
	d.metrics.RecordDeliveryAttempt("retry", attempt)
	d.logger.Warn("delivery attempt failed",
		paykit.Field{Key: "delivery_id", Value: delivery.ID},
		paykit.Field{Key: "attempt", Value: attempt},
		paykit.Field{Key: "next_attempt_at", Value: delivery.NextAttemptAt},
		paykit.Field{Key: "error", Value: delivery.LastError},
	)
	return d.storage.PutDelivery(ctx, delivery)
}

func (d *Dispatcher) post(ctx context.Context, ep *paykit.Endpoint, ev *paykit.Event, deliveryID string, attempt int) (int, error) {
	body, err := json.Marshal(outboundPayload{
		ID:                 ev.ID,
		Type:               ev.Type,
		Timestamp:          ev.Timestamp.Unix(),
		Data:               ev.Payload,
		PreviousAttributes: ev.PreviousAttributes,
		Metadata: outboundMetadata{
			WebhookID:       deliveryID,
			DeliveryAttempt: attempt,
		},
	})
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	ts := d.now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, deliveryID)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts.Unix()))
	req.Header.Set(HeaderSignature, Sign(ts, body, []byte(ep.Secret)))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

type outboundPayload struct {
	ID                 string           `json:"id"`
	Type               string           `json:"type"`
	Timestamp          int64            `json:"timestamp"`
	Data               json.RawMessage  `json:"data"`
	PreviousAttributes json.RawMessage  `json:"previous_attributes,omitempty"`
	Metadata           outboundMetadata `json:"metadata"`
}

type outboundMetadata struct {
	WebhookID       string `json:"webhook_id"`
	DeliveryAttempt int    `json:"delivery_attempt"`
}

// endpointMatches checks an endpoint's event-type filter: empty list matches
// everything, entries may be exact or trailing-".*" wildcards.
func endpointMatches(ep *paykit.Endpoint, eventType string) bool {
	if len(ep.EventTypes) == 0 {
		return true
	}
	for _, pattern := range ep.EventTypes {
		if pattern == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok &&
			strings.HasPrefix(eventType, prefix+".") {
			return true
		}
	}
	return false
}

var _ paykit.Emitter = (*Dispatcher)(nil)
