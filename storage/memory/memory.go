// Package memory provides an in-memory implementation of paykit.Storage and
// paykit.Locker. Primarily intended for tests and development; everything is
// lost on process exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// Storage implements paykit.Storage using maps under a single RWMutex. The
// mutex makes every method atomic, which trivially satisfies the all-or-none
// contract of AppendTransactions and the uniqueness of MarkEventProcessed.
type Storage struct {
	mu           sync.RWMutex
	events       map[string]*paykit.Event
	processed    map[string]time.Time
	subs         map[string]*paykit.Subscription
	dunning      map[string]*paykit.DunningState
	accounts     map[string]*paykit.Account
	transactions []*paykit.Transaction
	payouts      map[string]*paykit.Payout
	endpoints    map[string]*paykit.Endpoint
	deliveries   map[string]*paykit.Delivery
}

// New creates an empty in-memory store.
func New() *Storage {
	return &Storage{
		events:     make(map[string]*paykit.Event),
		processed:  make(map[string]time.Time),
		subs:       make(map[string]*paykit.Subscription),
		dunning:    make(map[string]*paykit.DunningState),
		accounts:   make(map[string]*paykit.Account),
		payouts:    make(map[string]*paykit.Payout),
		endpoints:  make(map[string]*paykit.Endpoint),
		deliveries: make(map[string]*paykit.Delivery),
	}
}

// PutEvent implements paykit.Storage.
func (s *Storage) PutEvent(ctx context.Context, ev *paykit.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	evCopy := *ev
	s.events[ev.ID] = &evCopy
	return nil
}

// GetEvent implements paykit.Storage.
func (s *Storage) GetEvent(ctx context.Context, id string) (*paykit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, paykit.ErrEventNotFound
	}
	evCopy := *ev
	return &evCopy, nil
}

// IsEventProcessed implements paykit.Storage.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.processed[eventID]
	return ok, nil
}

// MarkEventProcessed implements paykit.Storage.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[eventID]; ok {
		return paykit.ErrDuplicateEvent
	}
	s.processed[eventID] = at
	return nil
}

// GetSubscription implements paykit.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paykit.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, paykit.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// PutSubscription implements paykit.Storage.
func (s *Storage) PutSubscription(ctx context.Context, sub *paykit.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subs[sub.ID] = &subCopy
	return nil
}

// ListDueSubscriptions implements paykit.Storage.
func (s *Storage) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*paykit.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*paykit.Subscription
	for _, sub := range s.subs {
		if sub.Live() && !sub.CurrentPeriodEnd.After(now) {
			subCopy := *sub
			due = append(due, &subCopy)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetDunningState implements paykit.Storage.
func (s *Storage) GetDunningState(ctx context.Context, subscriptionID string) (*paykit.DunningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.dunning[subscriptionID]
	if !ok {
		return nil, nil
	}
	stCopy := *st
	return &stCopy, nil
}

// PutDunningState implements paykit.Storage.
func (s *Storage) PutDunningState(ctx context.Context, st *paykit.DunningState) error {
	if st == nil || st.SubscriptionID == "" {
		return fmt.Errorf("invalid dunning state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stCopy := *st
	s.dunning[st.SubscriptionID] = &stCopy
	return nil
}

// DeleteDunningState implements paykit.Storage.
func (s *Storage) DeleteDunningState(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.dunning, subscriptionID)
	return nil
}

// ListDueDunning implements paykit.Storage.
func (s *Storage) ListDueDunning(ctx context.Context, now time.Time, limit int) ([]*paykit.DunningState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*paykit.DunningState
	for _, st := range s.dunning {
		if !st.NextRetryAt.After(now) {
			stCopy := *st
			due = append(due, &stCopy)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// GetAccount implements paykit.Storage.
func (s *Storage) GetAccount(ctx context.Context, id string) (*paykit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, paykit.ErrAccountNotFound
	}
	acctCopy := *acct
	return &acctCopy, nil
}

// PutAccount implements paykit.Storage.
func (s *Storage) PutAccount(ctx context.Context, acct *paykit.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acctCopy := *acct
	s.accounts[acct.ID] = &acctCopy
	return nil
}

// AppendTransactions implements paykit.Storage. The single lock makes the
// append atomic; entries are validated before anything is written.
func (s *Storage) AppendTransactions(ctx context.Context, txs []*paykit.Transaction) error {
	for _, tx := range txs {
		if tx == nil || tx.ID == "" || tx.AccountID == "" {
			return fmt.Errorf("invalid transaction")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		txCopy := *tx
		s.transactions = append(s.transactions, &txCopy)
	}
	return nil
}

// ListTransactions implements paykit.Storage.
func (s *Storage) ListTransactions(ctx context.Context, accountID string) ([]*paykit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*paykit.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			txCopy := *tx
			out = append(out, &txCopy)
		}
	}
	return out, nil
}

// AccountBalance implements paykit.Storage.
func (s *Storage) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance int64
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			balance += tx.Amount
		}
	}
	return balance, nil
}

// GetPayout implements paykit.Storage.
func (s *Storage) GetPayout(ctx context.Context, id string) (*paykit.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, paykit.ErrPayoutNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// PutPayout implements paykit.Storage.
func (s *Storage) PutPayout(ctx context.Context, p *paykit.Payout) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid payout")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	s.payouts[p.ID] = &pCopy
	return nil
}

// ListSettlementDuePayouts implements paykit.Storage.
func (s *Storage) ListSettlementDuePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*paykit.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*paykit.Payout
	for _, p := range s.payouts {
		if p.Status == paykit.PayoutPending && p.TransferredAt != nil && !p.TransferredAt.After(cutoff) {
			pCopy := *p
			due = append(due, &pCopy)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].TransferredAt.Before(*due[j].TransferredAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PutEndpoint implements paykit.Storage.
func (s *Storage) PutEndpoint(ctx context.Context, ep *paykit.Endpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("invalid endpoint")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	epCopy := *ep
	s.endpoints[ep.ID] = &epCopy
	return nil
}

// GetEndpoint implements paykit.Storage.
func (s *Storage) GetEndpoint(ctx context.Context, id string) (*paykit.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return nil, nil
	}
	epCopy := *ep
	return &epCopy, nil
}

// ListEndpoints implements paykit.Storage.
func (s *Storage) ListEndpoints(ctx context.Context) ([]*paykit.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*paykit.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		epCopy := *ep
		out = append(out, &epCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDelivery implements paykit.Storage.
func (s *Storage) GetDelivery(ctx context.Context, id string) (*paykit.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, nil
	}
	dCopy := *d
	return &dCopy, nil
}

// PutDelivery implements paykit.Storage.
func (s *Storage) PutDelivery(ctx context.Context, d *paykit.Delivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("invalid delivery")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dCopy := *d
	s.deliveries[d.ID] = &dCopy
	return nil
}

// ListDueDeliveries implements paykit.Storage.
func (s *Storage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*paykit.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*paykit.Delivery
	for _, d := range s.deliveries {
		if d.Status == paykit.DeliveryPending && !d.NextAttemptAt.After(now) {
			dCopy := *d
			due = append(due, &dCopy)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

var _ paykit.Storage = (*Storage)(nil)
