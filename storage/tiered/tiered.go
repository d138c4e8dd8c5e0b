// Package tiered provides a Hot/Cold tiered storage adapter that pairs a fast
// ephemeral backend (Hot) with a durable one (Cold) using a strategy per
// record class: read-through caching for point lookups, write-through for
// mutations, and cold-only access for the ledger and the scheduler's due
// scans, where the durable store is the only acceptable source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) for point lookups
	Hot paykit.Storage

	// Cold is the L2 persistence storage (e.g., Postgres) as the source of truth
	Cold paykit.Storage

	// AsyncCacheFill enables non-blocking hot-store population after cold
	// writes and read repairs. If false, cache writes are synchronous.
	AsyncCacheFill bool

	// SyncBufferSize is the size of the buffered channel for async cache
	// fills. Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a cache fill fails or is dropped.
	// Useful for monitoring cache drift; failures never affect correctness
	// because Cold always holds the authoritative copy.
	AsyncErrorHandler func(error)
}

// Storage implements paykit.Storage over a Hot/Cold pair.
//
// Strategies per record class:
//   - Read-Through: events, subscriptions, accounts, payouts, endpoints,
//     dunning states (Hot → Cold → repair Hot)
//   - Write-Through: the same classes on mutation (Cold first, then Hot)
//   - Cold-Only: the transaction ledger, processed-event markers' source of
//     truth, delivery retry state, and every due-scan listing
//
// The ledger is cold-only on purpose: balances are derived by summing
// transactions, and a partially-filled hot copy would produce a wrong sum
// rather than a slow one.
type Storage struct {
	hot  paykit.Storage
	cold paykit.Storage
	conf Config

	// Channel for async cache fills
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncCacheFill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncCacheFill {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background cache-fill loop. Sequential processing
// keeps fills for the same record in write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					if s.conf.AsyncErrorHandler != nil {
						s.conf.AsyncErrorHandler(fmt.Errorf("tiered cache fill failed: %w", err))
					}
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

// cacheFill runs a hot-store write according to the configured mode. Cache
// errors are reported, never returned: Cold has already accepted the write.
func (s *Storage) cacheFill(job func() error) {
	if !s.conf.AsyncCacheFill {
		if err := job(); err != nil && s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(fmt.Errorf("tiered cache fill failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- job:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: fill queue full, dropping cache write"))
		}
	}
}

// --- Events ---

// PutEvent implements paykit.Storage with write-through strategy.
func (s *Storage) PutEvent(ctx context.Context, ev *paykit.Event) error {
	if err := s.cold.PutEvent(ctx, ev); err != nil {
		return err
	}
	evCopy := *ev
	s.cacheFill(func() error { return s.hot.PutEvent(context.Background(), &evCopy) })
	return nil
}

// GetEvent implements paykit.Storage with read-through strategy. Events are
// immutable, so a hot hit can never be stale.
func (s *Storage) GetEvent(ctx context.Context, id string) (*paykit.Event, error) {
	ev, err := s.hot.GetEvent(ctx, id)
	if err == nil {
		return ev, nil
	}

	ev, err = s.cold.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}

	evCopy := *ev
	s.cacheFill(func() error { return s.hot.PutEvent(context.Background(), &evCopy) })
	return ev, nil
}

// IsEventProcessed implements paykit.Storage. A hot hit is trusted; a hot
// miss is not, because the marker may predate the cache.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if processed, err := s.hot.IsEventProcessed(ctx, eventID); err == nil && processed {
		return true, nil
	}
	return s.cold.IsEventProcessed(ctx, eventID)
}

// MarkEventProcessed implements paykit.Storage. Cold is the sole authority
// for the first-writer-wins check; the hot marker is a lookup accelerator.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	if err := s.cold.MarkEventProcessed(ctx, eventID, at); err != nil {
		return err
	}
	s.cacheFill(func() error {
		err := s.hot.MarkEventProcessed(context.Background(), eventID, at)
		if errors.Is(err, paykit.ErrDuplicateEvent) {
			return nil
		}
		return err
	})
	return nil
}

// --- Subscriptions ---

// GetSubscription implements paykit.Storage, cold-only. Renewal correctness
// hangs on the scheduler's re-read under lock seeing the row the previous
// holder wrote; an async-filled cache copy can be a whole billing period
// behind, and serving it would renew the same period twice across instances.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paykit.Subscription, error) {
	return s.cold.GetSubscription(ctx, id)
}

// PutSubscription implements paykit.Storage, cold-only. Nothing reads
// subscriptions from the hot tier, so there is no copy to keep in sync.
func (s *Storage) PutSubscription(ctx context.Context, sub *paykit.Subscription) error {
	return s.cold.PutSubscription(ctx, sub)
}

// ListDueSubscriptions implements paykit.Storage, cold-only. The renewal
// scan must see every due row; the hot store only holds what happened to be
// cached.
func (s *Storage) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*paykit.Subscription, error) {
	return s.cold.ListDueSubscriptions(ctx, now, limit)
}

// --- Dunning ---

// GetDunningState implements paykit.Storage with read-through strategy. A
// nil hot result is treated as a miss, not as proven absence.
func (s *Storage) GetDunningState(ctx context.Context, subscriptionID string) (*paykit.DunningState, error) {
	if st, err := s.hot.GetDunningState(ctx, subscriptionID); err == nil && st != nil {
		return st, nil
	}

	st, err := s.cold.GetDunningState(ctx, subscriptionID)
	if err != nil || st == nil {
		return st, err
	}

	stCopy := *st
	s.cacheFill(func() error { return s.hot.PutDunningState(context.Background(), &stCopy) })
	return st, nil
}

// PutDunningState implements paykit.Storage with write-through strategy.
func (s *Storage) PutDunningState(ctx context.Context, st *paykit.DunningState) error {
	if err := s.cold.PutDunningState(ctx, st); err != nil {
		return err
	}
	stCopy := *st
	s.cacheFill(func() error { return s.hot.PutDunningState(context.Background(), &stCopy) })
	return nil
}

// DeleteDunningState implements paykit.Storage. The hot delete is applied
// synchronously: a lingering cached state would resurface a closed dunning
// schedule through the read path.
func (s *Storage) DeleteDunningState(ctx context.Context, subscriptionID string) error {
	if err := s.cold.DeleteDunningState(ctx, subscriptionID); err != nil {
		return err
	}
	if err := s.hot.DeleteDunningState(ctx, subscriptionID); err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered storage: hot dunning delete failed: %w", err))
	}
	return nil
}

// ListDueDunning implements paykit.Storage, cold-only.
func (s *Storage) ListDueDunning(ctx context.Context, now time.Time, limit int) ([]*paykit.DunningState, error) {
	return s.cold.ListDueDunning(ctx, now, limit)
}

// --- Accounts and ledger ---

// GetAccount implements paykit.Storage with read-through strategy.
func (s *Storage) GetAccount(ctx context.Context, id string) (*paykit.Account, error) {
	acct, err := s.hot.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}

	acct, err = s.cold.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	acctCopy := *acct
	s.cacheFill(func() error { return s.hot.PutAccount(context.Background(), &acctCopy) })
	return acct, nil
}

// PutAccount implements paykit.Storage with write-through strategy.
func (s *Storage) PutAccount(ctx context.Context, acct *paykit.Account) error {
	if err := s.cold.PutAccount(ctx, acct); err != nil {
		return err
	}
	acctCopy := *acct
	s.cacheFill(func() error { return s.hot.PutAccount(context.Background(), &acctCopy) })
	return nil
}

// AppendTransactions implements paykit.Storage, cold-only. Ledger entries
// live in exactly one store: a second copy would let a dropped fill turn
// into a wrong balance sum instead of a cache miss.
func (s *Storage) AppendTransactions(ctx context.Context, txs []*paykit.Transaction) error {
	return s.cold.AppendTransactions(ctx, txs)
}

// ListTransactions implements paykit.Storage, cold-only.
func (s *Storage) ListTransactions(ctx context.Context, accountID string) ([]*paykit.Transaction, error) {
	return s.cold.ListTransactions(ctx, accountID)
}

// AccountBalance implements paykit.Storage, cold-only.
func (s *Storage) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	return s.cold.AccountBalance(ctx, accountID)
}

// --- Payouts ---

// GetPayout implements paykit.Storage with read-through strategy.
func (s *Storage) GetPayout(ctx context.Context, id string) (*paykit.Payout, error) {
	p, err := s.hot.GetPayout(ctx, id)
	if err == nil {
		return p, nil
	}

	p, err = s.cold.GetPayout(ctx, id)
	if err != nil {
		return nil, err
	}

	pCopy := *p
	s.cacheFill(func() error { return s.hot.PutPayout(context.Background(), &pCopy) })
	return p, nil
}

// PutPayout implements paykit.Storage with write-through strategy.
func (s *Storage) PutPayout(ctx context.Context, p *paykit.Payout) error {
	if err := s.cold.PutPayout(ctx, p); err != nil {
		return err
	}
	pCopy := *p
	s.cacheFill(func() error { return s.hot.PutPayout(context.Background(), &pCopy) })
	return nil
}

// ListSettlementDuePayouts implements paykit.Storage, cold-only.
func (s *Storage) ListSettlementDuePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*paykit.Payout, error) {
	return s.cold.ListSettlementDuePayouts(ctx, cutoff, limit)
}

// --- Webhook endpoints and deliveries ---

// PutEndpoint implements paykit.Storage with write-through strategy.
func (s *Storage) PutEndpoint(ctx context.Context, ep *paykit.Endpoint) error {
	if err := s.cold.PutEndpoint(ctx, ep); err != nil {
		return err
	}
	epCopy := *ep
	s.cacheFill(func() error { return s.hot.PutEndpoint(context.Background(), &epCopy) })
	return nil
}

// GetEndpoint implements paykit.Storage with read-through strategy. A nil
// hot result is a miss, not absence.
func (s *Storage) GetEndpoint(ctx context.Context, id string) (*paykit.Endpoint, error) {
	if ep, err := s.hot.GetEndpoint(ctx, id); err == nil && ep != nil {
		return ep, nil
	}

	ep, err := s.cold.GetEndpoint(ctx, id)
	if err != nil || ep == nil {
		return ep, err
	}

	epCopy := *ep
	s.cacheFill(func() error { return s.hot.PutEndpoint(context.Background(), &epCopy) })
	return ep, nil
}

// ListEndpoints implements paykit.Storage, cold-only. The hot store cannot
// prove it holds the complete subscriber set, and a missing endpoint here
// means missing deliveries.
func (s *Storage) ListEndpoints(ctx context.Context) ([]*paykit.Endpoint, error) {
	return s.cold.ListEndpoints(ctx)
}

// GetDelivery implements paykit.Storage, cold-only. Delivery retry state is
// only ever touched by the dispatcher's scan loop, so caching it buys
// nothing and risks replaying a stale attempt counter.
func (s *Storage) GetDelivery(ctx context.Context, id string) (*paykit.Delivery, error) {
	return s.cold.GetDelivery(ctx, id)
}

// PutDelivery implements paykit.Storage, cold-only.
func (s *Storage) PutDelivery(ctx context.Context, d *paykit.Delivery) error {
	return s.cold.PutDelivery(ctx, d)
}

// ListDueDeliveries implements paykit.Storage, cold-only.
func (s *Storage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*paykit.Delivery, error) {
	return s.cold.ListDueDeliveries(ctx, now, limit)
}

var _ paykit.Storage = (*Storage)(nil)
