package paykit

import (
	"context"
	"strings"
	"sync"
)

// Handler processes one verified, deduplicated event. Handlers must be
// idempotent: the processed marker is written only after the handler returns,
// so a crash in between replays the event on redelivery.
type Handler func(ctx context.Context, ev *Event) error

// Router dispatches events to handlers by type. Registration accepts exact
// types ("subscription.created") and trailing wildcards ("subscription.*").
// Events with no matching handler are ignored silently; webhook producers add
// event types faster than consumers care about them.
type Router struct {
	mu       sync.RWMutex
	exact    map[string][]Handler
	wildcard map[string][]Handler // key is the prefix before ".*"
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		exact:    make(map[string][]Handler),
		wildcard: make(map[string][]Handler),
	}
}

// Register adds a handler for an event type pattern. Multiple handlers per
// type run in registration order; the first error aborts the chain.
func (r *Router) Register(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		r.wildcard[prefix] = append(r.wildcard[prefix], h)
		return
	}
	r.exact[pattern] = append(r.exact[pattern], h)
}

// Dispatch runs all handlers matching the event's type. A missing handler is
// not an error.
func (r *Router) Dispatch(ctx context.Context, ev *Event) error {
	for _, h := range r.match(ev.Type) {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Handles reports whether any handler matches the event type.
func (r *Router) Handles(eventType string) bool {
	return len(r.match(eventType)) > 0
}

func (r *Router) match(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := append([]Handler(nil), r.exact[eventType]...)
	if i := strings.LastIndex(eventType, "."); i > 0 {
		handlers = append(handlers, r.wildcard[eventType[:i]]...)
	}
	return handlers
}
