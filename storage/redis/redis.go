// Package redis provides a Redis implementation of paykit.Storage and
// paykit.Locker. Records are JSON values; due-scans (renewals, dunning,
// settlement, deliveries) are sorted sets scored by their due time; the
// processed-event marker rides on SET NX, which is the uniqueness constraint
// the idempotency guard requires.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paykit/paykit/pkg/paykit"
)

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all keys (default "paykit:").
	KeyPrefix string

	// EventTTL expires raw event bodies (0 = keep forever). Processed
	// markers never expire; expiring them would reopen the dedup window.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "paykit:",
		EventTTL:  0,
	}
}

// Storage implements paykit.Storage on a Redis client. The client can be
// *redis.Client, *redis.ClusterClient, or *redis.Ring.
type Storage struct {
	client redis.UniversalClient
	config Config
}

// New creates a Redis storage adapter.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "paykit:"
	}
	return &Storage{client: client, config: config}, nil
}

// Ping checks connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) key(parts ...string) string {
	k := s.config.KeyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// PutEvent implements paykit.Storage.
func (s *Storage) PutEvent(ctx context.Context, ev *paykit.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("event", ev.ID), data, s.config.EventTTL).Err()
}

// GetEvent implements paykit.Storage.
func (s *Storage) GetEvent(ctx context.Context, id string) (*paykit.Event, error) {
	data, err := s.client.Get(ctx, s.key("event", id)).Bytes()
	if err == redis.Nil {
		return nil, paykit.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	var ev paykit.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IsEventProcessed implements paykit.Storage.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("processed", eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventProcessed implements paykit.Storage. SET NX is the atomic
// uniqueness check: exactly one concurrent caller wins.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	ok, err := s.client.SetNX(ctx, s.key("processed", eventID), at.UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return paykit.ErrDuplicateEvent
	}
	return nil
}

// GetSubscription implements paykit.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paykit.Subscription, error) {
	data, err := s.client.Get(ctx, s.key("sub", id)).Bytes()
	if err == redis.Nil {
		return nil, paykit.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sub paykit.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubscription implements paykit.Storage. The record write and its due-
// index update ride one MULTI/EXEC so a scan can never see one without the
// other.
func (s *Storage) PutSubscription(ctx context.Context, sub *paykit.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("sub", sub.ID), data, 0)
	if sub.Live() {
		pipe.ZAdd(ctx, s.key("subs", "due"), redis.Z{
			Score:  float64(sub.CurrentPeriodEnd.Unix()),
			Member: sub.ID,
		})
	} else {
		pipe.ZRem(ctx, s.key("subs", "due"), sub.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListDueSubscriptions implements paykit.Storage.
func (s *Storage) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*paykit.Subscription, error) {
	ids, err := s.dueMembers(ctx, s.key("subs", "due"), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	subs := make([]*paykit.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if err == paykit.ErrSubscriptionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// GetDunningState implements paykit.Storage.
func (s *Storage) GetDunningState(ctx context.Context, subscriptionID string) (*paykit.DunningState, error) {
	data, err := s.client.Get(ctx, s.key("dunning", subscriptionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st paykit.DunningState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// PutDunningState implements paykit.Storage.
func (s *Storage) PutDunningState(ctx context.Context, st *paykit.DunningState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("dunning", st.SubscriptionID), data, 0)
	pipe.ZAdd(ctx, s.key("dunning", "due"), redis.Z{
		Score:  float64(st.NextRetryAt.Unix()),
		Member: st.SubscriptionID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteDunningState implements paykit.Storage.
func (s *Storage) DeleteDunningState(ctx context.Context, subscriptionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key("dunning", subscriptionID))
	pipe.ZRem(ctx, s.key("dunning", "due"), subscriptionID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListDueDunning implements paykit.Storage.
func (s *Storage) ListDueDunning(ctx context.Context, now time.Time, limit int) ([]*paykit.DunningState, error) {
	ids, err := s.dueMembers(ctx, s.key("dunning", "due"), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	states := make([]*paykit.DunningState, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetDunningState(ctx, id)
		if err != nil {
			return nil, err
		}
		if st != nil {
			states = append(states, st)
		}
	}
	return states, nil
}

// GetAccount implements paykit.Storage.
func (s *Storage) GetAccount(ctx context.Context, id string) (*paykit.Account, error) {
	data, err := s.client.Get(ctx, s.key("account", id)).Bytes()
	if err == redis.Nil {
		return nil, paykit.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var acct paykit.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// PutAccount implements paykit.Storage.
func (s *Storage) PutAccount(ctx context.Context, acct *paykit.Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("account", acct.ID), data, 0).Err()
}

// AppendTransactions implements paykit.Storage. All entries go through one
// MULTI/EXEC: Redis applies the queued commands as a unit, which is the
// all-or-none guarantee correlated ledger legs need.
func (s *Storage) AppendTransactions(ctx context.Context, txs []*paykit.Transaction) error {
	type marshaled struct {
		account string
		data    []byte
		amount  int64
	}
	entries := make([]marshaled, 0, len(txs))
	for _, tx := range txs {
		if tx == nil || tx.ID == "" || tx.AccountID == "" {
			return fmt.Errorf("invalid transaction")
		}
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		entries = append(entries, marshaled{account: tx.AccountID, data: data, amount: tx.Amount})
	}

	pipe := s.client.TxPipeline()
	for _, e := range entries {
		pipe.RPush(ctx, s.key("txs", e.account), e.data)
		pipe.IncrBy(ctx, s.key("balance", e.account), e.amount)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// ListTransactions implements paykit.Storage.
func (s *Storage) ListTransactions(ctx context.Context, accountID string) ([]*paykit.Transaction, error) {
	rows, err := s.client.LRange(ctx, s.key("txs", accountID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	txs := make([]*paykit.Transaction, 0, len(rows))
	for _, row := range rows {
		var tx paykit.Transaction
		if err := json.Unmarshal([]byte(row), &tx); err != nil {
			return nil, err
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}

// AccountBalance implements paykit.Storage. The balance key is maintained in
// the same transaction as every append, so it always equals the entry sum.
func (s *Storage) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	val, err := s.client.Get(ctx, s.key("balance", accountID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// GetPayout implements paykit.Storage.
func (s *Storage) GetPayout(ctx context.Context, id string) (*paykit.Payout, error) {
	data, err := s.client.Get(ctx, s.key("payout", id)).Bytes()
	if err == redis.Nil {
		return nil, paykit.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	var p paykit.Payout
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPayout implements paykit.Storage.
func (s *Storage) PutPayout(ctx context.Context, p *paykit.Payout) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("payout", p.ID), data, 0)
	if p.Status == paykit.PayoutPending && p.TransferredAt != nil {
		pipe.ZAdd(ctx, s.key("payouts", "settle"), redis.Z{
			Score:  float64(p.TransferredAt.Unix()),
			Member: p.ID,
		})
	} else {
		pipe.ZRem(ctx, s.key("payouts", "settle"), p.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListSettlementDuePayouts implements paykit.Storage.
func (s *Storage) ListSettlementDuePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*paykit.Payout, error) {
	ids, err := s.dueMembers(ctx, s.key("payouts", "settle"), cutoff, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	payouts := make([]*paykit.Payout, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPayout(ctx, id)
		if err == paykit.ErrPayoutNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, nil
}

// PutEndpoint implements paykit.Storage.
func (s *Storage) PutEndpoint(ctx context.Context, ep *paykit.Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("endpoints"), ep.ID, data).Err()
}

// GetEndpoint implements paykit.Storage.
func (s *Storage) GetEndpoint(ctx context.Context, id string) (*paykit.Endpoint, error) {
	data, err := s.client.HGet(ctx, s.key("endpoints"), id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ep paykit.Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListEndpoints implements paykit.Storage.
func (s *Storage) ListEndpoints(ctx context.Context) ([]*paykit.Endpoint, error) {
	rows, err := s.client.HGetAll(ctx, s.key("endpoints")).Result()
	if err != nil {
		return nil, err
	}
	endpoints := make([]*paykit.Endpoint, 0, len(rows))
	for _, row := range rows {
		var ep paykit.Endpoint
		if err := json.Unmarshal([]byte(row), &ep); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &ep)
	}
	return endpoints, nil
}

// GetDelivery implements paykit.Storage.
func (s *Storage) GetDelivery(ctx context.Context, id string) (*paykit.Delivery, error) {
	data, err := s.client.Get(ctx, s.key("delivery", id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d paykit.Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDelivery implements paykit.Storage.
func (s *Storage) PutDelivery(ctx context.Context, d *paykit.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("delivery", d.ID), data, 0)
	if d.Status == paykit.DeliveryPending {
		pipe.ZAdd(ctx, s.key("deliveries", "due"), redis.Z{
			Score:  float64(d.NextAttemptAt.Unix()),
			Member: d.ID,
		})
	} else {
		pipe.ZRem(ctx, s.key("deliveries", "due"), d.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListDueDeliveries implements paykit.Storage.
func (s *Storage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*paykit.Delivery, error) {
	ids, err := s.dueMembers(ctx, s.key("deliveries", "due"), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	deliveries := make([]*paykit.Delivery, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDelivery(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			deliveries = append(deliveries, d)
		}
	}
	return deliveries, nil
}

func (s *Storage) dueMembers(ctx context.Context, key string, now time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	return s.client.ZRangeByScore(ctx, key, opt).Result()
}

var _ paykit.Storage = (*Storage)(nil)
