package paykit

import (
	"encoding/json"
	"time"
)

// Event is an immutable domain event. Events are append-only: once stored they
// are never mutated or deleted, and the event ID is the sole idempotency handle.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"data"`

	// PreviousAttributes carries the prior values of changed fields for
	// *.updated events, mirroring what the upstream processor sends.
	PreviousAttributes json.RawMessage `json:"previous_attributes,omitempty"`
}

// ProcessedEventRecord marks an event as fully handled. The record is written
// only after the handler's side effects are durably applied, so its presence
// implies the handler completed without an unrecovered error.
type ProcessedEventRecord struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// SubscriptionStatus is one of the eight lifecycle states. Transitions between
// states are validated by Transition; nothing else may change a status.
type SubscriptionStatus string

const (
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusRevoked           SubscriptionStatus = "revoked"
)

// BillingInterval is the recurring period length of a subscription.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Subscription is a recurring billing agreement between a customer and a
// product. CancelAtPeriodEnd is a flag on an otherwise-live subscription, not a
// status of its own; it takes effect when the scheduler observes it at a period
// boundary.
type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	ProductID          string             `json:"product_id"`
	Status             SubscriptionStatus `json:"status"`
	Interval           BillingInterval    `json:"interval"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Live reports whether the subscription is in a state that can still carry the
// cancel-at-period-end flag.
func (s *Subscription) Live() bool {
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	}
	return false
}

// Account is a payee account on the platform.
type Account struct {
	ID             string `json:"id"`
	Country        string `json:"country"`
	Active         bool   `json:"active"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
}

// PayoutStatus tracks the two-phase settlement lifecycle.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutSucceeded PayoutStatus = "succeeded"
	PayoutFailed    PayoutStatus = "failed"
)

// Payout aggregates the ledger rows for one withdrawal from an account.
// Amount is the gross deducted from the account's ledger balance, AccountAmount
// the net that reaches the payee's bank, FeesAmount the difference.
type Payout struct {
	ID            string       `json:"id"`
	AccountID     string       `json:"account_id"`
	Status        PayoutStatus `json:"status"`
	Amount        int64        `json:"amount"`
	FeesAmount    int64        `json:"fees_amount"`
	AccountAmount int64        `json:"account_amount"`

	// TransferID is the processor reference from phase 1b; ProcessorID the
	// reference from phase 2.
	TransferID    string     `json:"transfer_id,omitempty"`
	ProcessorID   string     `json:"processor_id,omitempty"`
	TransferredAt *time.Time `json:"transferred_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TransactionPayment     TransactionType = "payment"
	TransactionRefund      TransactionType = "refund"
	TransactionPayout      TransactionType = "payout"
	TransactionPayoutFee   TransactionType = "payout_fee"
	TransactionPlatformFee TransactionType = "platform_fee"
	TransactionAdjustment  TransactionType = "adjustment"
)

// Transaction is an immutable ledger entry in minor currency units. Balances
// are always derived by summing transactions, never stored as mutable state.
// BalanceCorrelationKey links the legs of one multi-entry operation so the set
// stays reconcilable as a unit.
type Transaction struct {
	ID                    string          `json:"id"`
	Type                  TransactionType `json:"type"`
	Amount                int64           `json:"amount"`
	AccountID             string          `json:"account_id"`
	PayoutID              string          `json:"payout_id,omitempty"`
	BalanceCorrelationKey string          `json:"balance_correlation_key,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Endpoint is a subscriber URL for outbound webhook delivery. EventTypes
// filters which events fan out to it; empty means all. Entries may use a
// trailing ".*" wildcard ("subscription.*").
type Endpoint struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types,omitempty"`
	Disabled   bool     `json:"disabled"`
}

// DeliveryStatus tracks one endpoint's delivery of one event.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the per-endpoint retry state for an outbound event. One event
// fans out to many deliveries with independent retry trajectories; the Event
// itself is never mutated by retries.
type Delivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	EndpointID     string         `json:"endpoint_id"`
	Attempt        int            `json:"attempt"`
	Status         DeliveryStatus `json:"status"`
	NextAttemptAt  time.Time      `json:"next_attempt_at"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DunningState tracks the payment-retry schedule for a past_due subscription.
// Discarded once payment recovers or the final action is taken.
type DunningState struct {
	SubscriptionID string    `json:"subscription_id"`
	Attempt        int       `json:"attempt"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	StartedAt      time.Time `json:"started_at"`
}
