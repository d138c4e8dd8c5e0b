package api

import (
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// SubscriptionResponse represents the full billing state for a subscription,
// including the dunning schedule when one is open.
type SubscriptionResponse struct {
	ID                 string                    `json:"id"`
	CustomerID         string                    `json:"customer_id"`
	ProductID          string                    `json:"product_id,omitempty"`
	Status             paykit.SubscriptionStatus `json:"status"`
	Interval           paykit.BillingInterval    `json:"interval,omitempty"`
	CurrentPeriodStart time.Time                 `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                 `json:"current_period_end"`
	CancelAtPeriodEnd  bool                      `json:"cancel_at_period_end"`
	CanceledAt         *time.Time                `json:"canceled_at,omitempty"`
	EndedAt            *time.Time                `json:"ended_at,omitempty"`
	Dunning            *DunningView              `json:"dunning,omitempty"`
}

// DunningView represents an open payment-retry schedule
type DunningView struct {
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"next_retry_at"`
	StartedAt   time.Time `json:"started_at"`
}

// AccountResponse represents a payee account together with its derived
// ledger balance. Balance is always computed from the transaction log.
type AccountResponse struct {
	ID             string `json:"id"`
	Country        string `json:"country"`
	Active         bool   `json:"active"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	Balance        int64  `json:"balance"`
}

// PayoutResponse represents one withdrawal and its settlement progress
type PayoutResponse struct {
	ID            string              `json:"id"`
	AccountID     string              `json:"account_id"`
	Status        paykit.PayoutStatus `json:"status"`
	Amount        int64               `json:"amount"`
	FeesAmount    int64               `json:"fees_amount"`
	AccountAmount int64               `json:"account_amount"`
	TransferID    string              `json:"transfer_id,omitempty"`
	ProcessorID   string              `json:"processor_id,omitempty"`
	TransferredAt *time.Time          `json:"transferred_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// EndpointResponse represents a webhook subscriber. The signing secret is
// never included in responses.
type EndpointResponse struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types,omitempty"`
	Disabled   bool     `json:"disabled"`
}

// EndpointRequest is the body for registering or replacing a subscriber
type EndpointRequest struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types,omitempty"`
	Disabled   bool     `json:"disabled"`
}
