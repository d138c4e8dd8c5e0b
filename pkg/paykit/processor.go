package paykit

import (
	"context"
	"errors"
	"time"
)

// Processor applies events exactly once against storage. The processed marker
// is committed only after the handler's side effects are durable: marking
// first and handling second would silently lose the event if the process
// crashed in between, since redelivery would then be skipped as a duplicate.
// Concurrent deliveries of the same event collapse at the marker's uniqueness
// constraint.
type Processor struct {
	storage Storage
	router  *Router
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorMetrics sets the metrics collector.
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithProcessorClock overrides the clock, for tests.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor over the given storage and router.
func NewProcessor(storage Storage, router *Router, opts ...ProcessorOption) (*Processor, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if router == nil {
		router = NewRouter()
	}
	p := &Processor{
		storage: storage,
		router:  router,
		logger:  &NoopLogger{},
		metrics: &NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Router returns the processor's router for handler registration.
func (p *Processor) Router() *Router { return p.router }

// Process persists and handles one event. Returns nil for duplicates: skipping
// an already-processed event is normal operation, not a failure. One event's
// handler error never affects other events; callers process independently.
func (p *Processor) Process(ctx context.Context, ev *Event) error {
	start := p.now()

	done, err := p.storage.IsEventProcessed(ctx, ev.ID)
	if err != nil {
		return err
	}
	if done {
		p.logger.Debug("event already processed", Field{"event_id", ev.ID}, Field{"event_type", ev.Type})
		p.metrics.RecordEventProcessed(ev.Type, "duplicate")
		return nil
	}

	// The event log is append-only and keyed by ID, so redelivered events
	// overwrite themselves harmlessly.
	if err := p.storage.PutEvent(ctx, ev); err != nil {
		return err
	}

	if err := p.router.Dispatch(ctx, ev); err != nil {
		p.logger.Error("event handler failed",
			Field{"event_id", ev.ID},
			Field{"event_type", ev.Type},
			Field{"error", err.Error()},
		)
		p.metrics.RecordEventProcessed(ev.Type, "error")
		return err
	}

	if err := p.storage.MarkEventProcessed(ctx, ev.ID, p.now()); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			// A concurrent delivery won the race after our check. Handlers
			// are idempotent, so the double run had one set of effects.
			p.metrics.RecordEventProcessed(ev.Type, "duplicate")
			return nil
		}
		return err
	}

	p.metrics.RecordEventProcessed(ev.Type, "processed")
	p.metrics.RecordEventProcessingDuration(ev.Type, p.now().Sub(start))
	return nil
}
