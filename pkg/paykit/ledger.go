package paykit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger appends immutable transactions and derives balances from them. There
// is no stored balance anywhere: the sum of an account's entries is the
// balance, which keeps every cent auditable back to the entry that moved it.
type Ledger struct {
	storage Storage
	now     func() time.Time
}

// NewLedger creates a ledger over the given storage.
func NewLedger(storage Storage) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	return &Ledger{storage: storage, now: time.Now}, nil
}

// Record appends a single entry, assigning ID and timestamp if unset.
func (l *Ledger) Record(ctx context.Context, tx *Transaction) error {
	l.stamp(tx, "")
	return l.storage.AppendTransactions(ctx, []*Transaction{tx})
}

// Append atomically appends entries as prepared by the caller, stamping only
// missing IDs and timestamps. Correlation keys are left exactly as set, which
// lets one atomic write mix correlated legs with uncorrelated ones.
func (l *Ledger) Append(ctx context.Context, txs []*Transaction) error {
	for _, tx := range txs {
		l.stamp(tx, "")
	}
	return l.storage.AppendTransactions(ctx, txs)
}

// RecordSet appends a correlated set of entries atomically under one balance
// correlation key. Either every leg of the operation commits or none does.
// A zero key gets a generated one; the key used is returned.
func (l *Ledger) RecordSet(ctx context.Context, correlationKey string, txs []*Transaction) (string, error) {
	if correlationKey == "" {
		correlationKey = uuid.NewString()
	}
	for _, tx := range txs {
		l.stamp(tx, correlationKey)
	}
	if err := l.storage.AppendTransactions(ctx, txs); err != nil {
		return "", err
	}
	return correlationKey, nil
}

// Balance derives an account's balance by summing its entries.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	return l.storage.AccountBalance(ctx, accountID)
}

// Entries returns all entries for an account, oldest first.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]*Transaction, error) {
	return l.storage.ListTransactions(ctx, accountID)
}

func (l *Ledger) stamp(tx *Transaction, correlationKey string) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.now()
	}
	if correlationKey != "" {
		tx.BalanceCorrelationKey = correlationKey
	}
}

// CorrelatedSum sums the entries sharing a balance correlation key. For a
// payout's fee pair this nets to zero across platform float: what the fee
// legs debit from the account they credit to the platform.
func CorrelatedSum(txs []*Transaction, correlationKey string) int64 {
	var sum int64
	for _, tx := range txs {
		if tx.BalanceCorrelationKey == correlationKey {
			sum += tx.Amount
		}
	}
	return sum
}
