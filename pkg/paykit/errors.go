package paykit

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent is returned when an event ID has already been
	// processed. It is a normal skip, not a failure.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidSignature is returned for any webhook verification failure.
	// Callers must not distinguish why verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidTransition is returned when a state-machine transition is not
	// in the transition table. Use errors.As with *TransitionError for detail.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientBalance is returned when an account's derived balance is
	// below the configured payout minimum.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAmountTooLowForPayout is returned when the reverse fee calculation
	// yields a non-positive gross amount.
	ErrAmountTooLowForPayout = errors.New("amount too low for payout")

	// ErrPayoutsDisabled is returned when the payee account is inactive or
	// not enabled for payouts.
	ErrPayoutsDisabled = errors.New("account payouts disabled")

	// ErrLockContention is returned when a distributed lock is already held.
	// Transient: skip the resource this cycle and retry on the next.
	ErrLockContention = errors.New("lock contention")

	// ErrSubscriptionNotFound is returned when a subscription does not exist.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrAccountNotFound is returned when an account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPayoutNotFound is returned when a payout does not exist.
	ErrPayoutNotFound = errors.New("payout not found")

	// ErrEventNotFound is returned when an event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrStorageUnavailable is returned when storage is missing or unreachable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TransitionError carries the structured context of a rejected transition.
type TransitionError struct {
	SubscriptionID string
	From           SubscriptionStatus
	To             SubscriptionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s (subscription %s)", e.From, e.To, e.SubscriptionID)
}

// Unwrap makes errors.Is(err, ErrInvalidTransition) hold for *TransitionError.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
