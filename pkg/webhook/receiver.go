package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// ReceiverConfig configures the inbound webhook endpoint.
type ReceiverConfig struct {
	// Secret is the shared HMAC secret for inbound signatures.
	Secret []byte

	// Tolerance bounds signature timestamp skew (default 5 minutes).
	Tolerance time.Duration

	// MaxBodyBytes caps the request body (default 256 KiB).
	MaxBodyBytes int64

	// QueueSize is the processing queue depth (default 1024).
	QueueSize int

	// Workers is the number of processing goroutines (default 4).
	Workers int
}

// DefaultReceiverConfig returns the production defaults minus the secret.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Tolerance:    DefaultTolerance,
		MaxBodyBytes: 256 * 1024,
		QueueSize:    1024,
		Workers:      4,
	}
}

// Receiver is the inbound webhook HTTP endpoint. It verifies, enqueues, and
// returns immediately: the response never waits on handler execution, and the
// only outcomes a sender can observe are 200 (accepted) and 400 (rejected).
// Processing happens on a worker pool draining the queue through the
// idempotent event processor.
type Receiver struct {
	processor *paykit.Processor
	config    ReceiverConfig
	logger    paykit.Logger
	metrics   paykit.Metrics
	now       func() time.Time

	queue  chan *paykit.Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger.
func WithReceiverLogger(l paykit.Logger) ReceiverOption {
	return func(r *Receiver) { r.logger = l }
}

// WithReceiverMetrics sets the metrics collector.
func WithReceiverMetrics(m paykit.Metrics) ReceiverOption {
	return func(r *Receiver) { r.metrics = m }
}

// WithReceiverClock overrides the clock, for tests.
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) { r.now = now }
}

// NewReceiver creates and starts a receiver over the given processor.
func NewReceiver(processor *paykit.Processor, config ReceiverConfig, opts ...ReceiverOption) (*Receiver, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if len(config.Secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	if config.Tolerance == 0 {
		config.Tolerance = DefaultTolerance
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 256 * 1024
	}
	if config.QueueSize == 0 {
		config.QueueSize = 1024
	}
	if config.Workers == 0 {
		config.Workers = 4
	}

	r := &Receiver{
		processor: processor,
		config:    config,
		logger:    &paykit.NoopLogger{},
		metrics:   &paykit.NoopMetrics{},
		now:       time.Now,
		queue:     make(chan *paykit.Event, config.QueueSize),
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	for i := 0; i < config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	return r, nil
}

// Close stops accepting work and waits for in-flight processing to finish.
func (r *Receiver) Close() {
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		r.cancel()
	})
}

// ErrQueueFull reports that the processing queue is at capacity. Adapters
// should translate it to a retryable status so the sender redelivers.
var ErrQueueFull = errors.New("webhook: processing queue full")

// Handler returns the HTTP handler for the webhook endpoint.
func (r *Receiver) Handler() http.Handler {
	return http.HandlerFunc(r.ServeHTTP)
}

// Accept verifies a raw webhook body against its signature headers and
// enqueues it for processing. Framework adapters call this directly.
// Errors: paykit.ErrInvalidSignature, ErrQueueFull, or a parse error.
func (r *Receiver) Accept(body []byte, header http.Header) error {
	if err := Verify(body, header.Get(HeaderSignature), header.Get(HeaderTimestamp),
		r.config.Secret, r.config.Tolerance, r.now()); err != nil {
		// Uniform rejection; the reason stays in internal logs only.
		r.logger.Warn("webhook rejected", paykit.Field{Key: "webhook_id", Value: header.Get(HeaderID)})
		return err
	}

	ev, err := parseInbound(body, header.Get(HeaderID))
	if err != nil {
		return err
	}

	select {
	case r.queue <- ev:
		return nil
	default:
		// Backpressure: a full queue asks the sender to redeliver later.
		return ErrQueueFull
	}
}

// MaxBodyBytes exposes the configured body cap for framework adapters.
func (r *Receiver) MaxBodyBytes() int64 {
	return r.config.MaxBodyBytes
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(w, req, r.config.MaxBodyBytes)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	switch err := r.Accept(body, req.Header); {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	case errors.Is(err, paykit.ErrInvalidSignature):
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	default:
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Receiver) worker(ctx context.Context) {
	defer r.wg.Done()
	for ev := range r.queue {
		if err := r.processor.Process(ctx, ev); err != nil {
			// Per-event isolation: log and keep draining.
			r.logger.Error("webhook event processing failed",
				paykit.Field{Key: "event_id", Value: ev.ID},
				paykit.Field{Key: "event_type", Value: ev.Type},
				paykit.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// parseInbound decodes the wire shape {id, type, timestamp, data,
// previous_attributes}. The body's id wins over the header when both exist.
func parseInbound(body []byte, headerID string) (*paykit.Event, error) {
	var in struct {
		ID                 string          `json:"id"`
		Type               string          `json:"type"`
		Timestamp          int64           `json:"timestamp"`
		Data               json.RawMessage `json:"data"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, err
	}
	id := in.ID
	if id == "" {
		id = headerID
	}
	if id == "" || in.Type == "" {
		return nil, errors.New("missing event id or type")
	}
	return &paykit.Event{
		ID:                 id,
		Type:               in.Type,
		Timestamp:          time.Unix(in.Timestamp, 0).UTC(),
		Payload:            in.Data,
		PreviousAttributes: in.PreviousAttributes,
	}, nil
}

// readBody reads the request body under a hard size cap.
func readBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	req.Body = http.MaxBytesReader(w, req.Body, limit)
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
