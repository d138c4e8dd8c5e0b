package paykit

import "context"

// Emitter publishes internally-produced domain events (renewals, payout
// progress) into the outbound pipeline. The webhook dispatcher implements it;
// components accept a nil-safe NoopEmitter when fan-out is not wired.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload interface{}) error
}

// NoopEmitter drops emitted events.
type NoopEmitter struct{}

func (n *NoopEmitter) Emit(ctx context.Context, eventType string, payload interface{}) error {
	return nil
}
