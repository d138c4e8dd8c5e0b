package paykit

import (
	"context"
	"time"
)

// Storage defines the durable persistence interface for events, subscriptions,
// the ledger, payouts and outbound deliveries. All methods use concrete types
// from this package to avoid import cycles.
//
// Atomicity requirements that implementations must honor:
//   - MarkEventProcessed relies on a uniqueness constraint on the event ID;
//     two concurrent calls for the same ID must not both succeed.
//   - AppendTransactions commits all entries of a call or none of them.
type Storage interface {
	// PutEvent stores an event, idempotently by ID. Re-storing an existing
	// event is a no-op, never an error (webhooks redeliver).
	PutEvent(ctx context.Context, ev *Event) error

	// GetEvent returns the event or ErrEventNotFound.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// IsEventProcessed reports whether a processed-event record exists.
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkEventProcessed durably records the processed marker. Returns
	// ErrDuplicateEvent if a record for the ID already exists.
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error

	// GetSubscription returns the subscription or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// PutSubscription creates or replaces a subscription record.
	PutSubscription(ctx context.Context, sub *Subscription) error

	// ListDueSubscriptions returns up to limit subscriptions with
	// CurrentPeriodEnd <= now and a status in {active, trialing, past_due}.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	// GetDunningState returns the dunning state, or nil if none (not an error).
	GetDunningState(ctx context.Context, subscriptionID string) (*DunningState, error)

	// PutDunningState creates or replaces a dunning state.
	PutDunningState(ctx context.Context, st *DunningState) error

	// DeleteDunningState removes a dunning state; missing is a no-op.
	DeleteDunningState(ctx context.Context, subscriptionID string) error

	// ListDueDunning returns up to limit dunning states with NextRetryAt <= now.
	ListDueDunning(ctx context.Context, now time.Time, limit int) ([]*DunningState, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// PutAccount creates or replaces an account record.
	PutAccount(ctx context.Context, acct *Account) error

	// AppendTransactions appends ledger entries atomically: all or none.
	AppendTransactions(ctx context.Context, txs []*Transaction) error

	// ListTransactions returns all ledger entries for an account, oldest first.
	ListTransactions(ctx context.Context, accountID string) ([]*Transaction, error)

	// AccountBalance derives the balance by summing the account's entries.
	AccountBalance(ctx context.Context, accountID string) (int64, error)

	// GetPayout returns the payout or ErrPayoutNotFound.
	GetPayout(ctx context.Context, id string) (*Payout, error)

	// PutPayout creates or replaces a payout record.
	PutPayout(ctx context.Context, p *Payout) error

	// ListSettlementDuePayouts returns up to limit pending payouts whose
	// transfer completed at or before cutoff.
	ListSettlementDuePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*Payout, error)

	// PutEndpoint creates or replaces a subscriber endpoint.
	PutEndpoint(ctx context.Context, ep *Endpoint) error

	// GetEndpoint returns the endpoint, or nil if none (not an error).
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)

	// ListEndpoints returns all registered endpoints.
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)

	// GetDelivery returns the delivery, or nil if none (not an error).
	GetDelivery(ctx context.Context, id string) (*Delivery, error)

	// PutDelivery creates or replaces a delivery record.
	PutDelivery(ctx context.Context, d *Delivery) error

	// ListDueDeliveries returns up to limit pending deliveries with
	// NextAttemptAt <= now.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}

// Locker is a named distributed lock with leased ownership. Acquire is a
// non-blocking try: false means the lock is held elsewhere and the caller
// should skip the resource this cycle. The ttl bounds how long a crashed
// holder can wedge the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
