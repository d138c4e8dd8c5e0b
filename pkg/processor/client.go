// Package processor defines the boundary to the external payment processor.
// Wire formats and API mechanics stay behind this interface; the core packages
// see only idempotent operations returning processor-assigned references.
package processor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying with backoff (timeouts,
	// rate limits, 5xx responses).
	ErrTransient = errors.New("transient processor failure")

	// ErrPermanent marks failures that retries cannot fix (invalid
	// destination account, closed account). Surfaced for manual intervention.
	ErrPermanent = errors.New("permanent processor failure")
)

// Transient wraps err as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// TransferRequest moves funds from the platform to a connected account.
// The idempotency key makes retried calls single-effect: the processor
// deduplicates on it server-side.
type TransferRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	DestinationID  string
	Description    string
}

// TransferResult carries the processor-assigned transfer reference.
type TransferResult struct {
	TransferID string
}

// PayoutRequest moves settled funds from a connected account to its bank.
type PayoutRequest struct {
	IdempotencyKey string
	Amount         int64
	Currency       string
	AccountID      string
	Description    string
}

// PayoutResult carries the processor-assigned payout reference.
type PayoutResult struct {
	PayoutID string
}

// Client is the minimal processor surface the settlement coordinator needs.
// All operations must accept idempotency keys and classify their failures as
// ErrTransient or ErrPermanent via errors.Is.
type Client interface {
	CreateTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error)
	CreatePayout(ctx context.Context, req *PayoutRequest) (*PayoutResult, error)

	// GetBalance returns the available balance on the connected account, in
	// minor units.
	GetBalance(ctx context.Context, accountID string) (int64, error)
}
