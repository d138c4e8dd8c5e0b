// Package postgres provides a PostgreSQL implementation of the paykit.Storage
// interface. The processed-event marker is a primary-key insert, so the
// database enforces the at-most-once guarantee; ledger appends run in a single
// transaction so correlated legs commit or roll back together.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paykit/paykit/pkg/paykit"
)

// Storage implements paykit.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so a Locker can share it.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema creates the tables and indexes if they do not exist. Intended
// for tests and small deployments; production setups should run migrations.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload JSONB,
	previous_attributes JSONB
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	status TEXT NOT NULL,
	billing_interval TEXT NOT NULL,
	current_period_start TIMESTAMPTZ NOT NULL,
	current_period_end TIMESTAMPTZ NOT NULL,
	trial_start TIMESTAMPTZ,
	trial_end TIMESTAMPTZ,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	canceled_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_due
	ON subscriptions (current_period_end)
	WHERE status IN ('active', 'trialing', 'past_due');

CREATE TABLE IF NOT EXISTS dunning_states (
	subscription_id TEXT PRIMARY KEY,
	attempt INT NOT NULL,
	next_retry_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dunning_due ON dunning_states (next_retry_at);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	country TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT FALSE,
	payouts_enabled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	tx_type TEXT NOT NULL,
	amount BIGINT NOT NULL,
	account_id TEXT NOT NULL,
	payout_id TEXT,
	balance_correlation_key TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account
	ON transactions (account_id, created_at);

CREATE TABLE IF NOT EXISTS payouts (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	status TEXT NOT NULL,
	amount BIGINT NOT NULL,
	fees_amount BIGINT NOT NULL,
	account_amount BIGINT NOT NULL,
	transfer_id TEXT,
	processor_id TEXT,
	transferred_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payouts_settlement
	ON payouts (transferred_at)
	WHERE status = 'pending' AND transferred_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS endpoints (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	secret TEXT NOT NULL,
	event_types TEXT[],
	disabled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS deliveries (
	id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	endpoint_id TEXT NOT NULL,
	attempt INT NOT NULL,
	status TEXT NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_status_code INT,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_due
	ON deliveries (next_attempt_at)
	WHERE status = 'pending';
`

// PutEvent implements paykit.Storage. Events are immutable, so a redelivered
// event with an existing ID is left untouched.
func (s *Storage) PutEvent(ctx context.Context, ev *paykit.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, event_type, occurred_at, payload, previous_attributes)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.Timestamp, []byte(ev.Payload), []byte(ev.PreviousAttributes),
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

// GetEvent implements paykit.Storage.
func (s *Storage) GetEvent(ctx context.Context, id string) (*paykit.Event, error) {
	var ev paykit.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_type, occurred_at, payload, previous_attributes
			FROM events WHERE id = $1`,
		id).Scan(&ev.ID, &ev.Type, &ev.Timestamp, &ev.Payload, &ev.PreviousAttributes)
	if err == pgx.ErrNoRows {
		return nil, paykit.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &ev, nil
}

// IsEventProcessed implements paykit.Storage.
func (s *Storage) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return exists, nil
}

// MarkEventProcessed implements paykit.Storage. The primary key on event_id
// is the uniqueness constraint: of two concurrent inserts exactly one wins.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at)
			VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return paykit.ErrDuplicateEvent
	}
	return nil
}

// GetSubscription implements paykit.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*paykit.Subscription, error) {
	var sub paykit.Subscription
	err := s.pool.QueryRow(ctx,
		`SELECT id, customer_id, product_id, status, billing_interval,
				current_period_start, current_period_end, trial_start, trial_end,
				cancel_at_period_end, canceled_at, ended_at, updated_at
			FROM subscriptions WHERE id = $1`,
		id).Scan(
		&sub.ID, &sub.CustomerID, &sub.ProductID, &sub.Status, &sub.Interval,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.EndedAt, &sub.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, paykit.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// PutSubscription implements paykit.Storage.
func (s *Storage) PutSubscription(ctx context.Context, sub *paykit.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions
				(id, customer_id, product_id, status, billing_interval,
				 current_period_start, current_period_end, trial_start, trial_end,
				 cancel_at_period_end, canceled_at, ended_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				product_id = EXCLUDED.product_id,
				status = EXCLUDED.status,
				billing_interval = EXCLUDED.billing_interval,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				canceled_at = EXCLUDED.canceled_at,
				ended_at = EXCLUDED.ended_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.CustomerID, sub.ProductID, sub.Status, sub.Interval,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.EndedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put subscription: %w", err)
	}
	return nil
}

// ListDueSubscriptions implements paykit.Storage.
func (s *Storage) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*paykit.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, customer_id, product_id, status, billing_interval,
				current_period_start, current_period_end, trial_start, trial_end,
				cancel_at_period_end, canceled_at, ended_at, updated_at
			FROM subscriptions
			WHERE current_period_end <= $1
				AND status IN ('active', 'trialing', 'past_due')
			ORDER BY current_period_end
			LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*paykit.Subscription
	for rows.Next() {
		var sub paykit.Subscription
		if err := rows.Scan(
			&sub.ID, &sub.CustomerID, &sub.ProductID, &sub.Status, &sub.Interval,
			&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
			&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.EndedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// GetDunningState implements paykit.Storage.
func (s *Storage) GetDunningState(ctx context.Context, subscriptionID string) (*paykit.DunningState, error) {
	var st paykit.DunningState
	err := s.pool.QueryRow(ctx,
		`SELECT subscription_id, attempt, next_retry_at, started_at
			FROM dunning_states WHERE subscription_id = $1`,
		subscriptionID).Scan(&st.SubscriptionID, &st.Attempt, &st.NextRetryAt, &st.StartedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dunning state: %w", err)
	}
	return &st, nil
}

// PutDunningState implements paykit.Storage.
func (s *Storage) PutDunningState(ctx context.Context, st *paykit.DunningState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dunning_states (subscription_id, attempt, next_retry_at, started_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (subscription_id) DO UPDATE SET
				attempt = EXCLUDED.attempt,
				next_retry_at = EXCLUDED.next_retry_at,
				started_at = EXCLUDED.started_at`,
		st.SubscriptionID, st.Attempt, st.NextRetryAt, st.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put dunning state: %w", err)
	}
	return nil
}

// DeleteDunningState implements paykit.Storage.
func (s *Storage) DeleteDunningState(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM dunning_states WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete dunning state: %w", err)
	}
	return nil
}

// ListDueDunning implements paykit.Storage.
func (s *Storage) ListDueDunning(ctx context.Context, now time.Time, limit int) ([]*paykit.DunningState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT subscription_id, attempt, next_retry_at, started_at
			FROM dunning_states
			WHERE next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due dunning states: %w", err)
	}
	defer rows.Close()

	var states []*paykit.DunningState
	for rows.Next() {
		var st paykit.DunningState
		if err := rows.Scan(&st.SubscriptionID, &st.Attempt, &st.NextRetryAt, &st.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dunning state: %w", err)
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// GetAccount implements paykit.Storage.
func (s *Storage) GetAccount(ctx context.Context, id string) (*paykit.Account, error) {
	var acct paykit.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, country, active, payouts_enabled FROM accounts WHERE id = $1`,
		id).Scan(&acct.ID, &acct.Country, &acct.Active, &acct.PayoutsEnabled)
	if err == pgx.ErrNoRows {
		return nil, paykit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

// PutAccount implements paykit.Storage.
func (s *Storage) PutAccount(ctx context.Context, acct *paykit.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("invalid account")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, country, active, payouts_enabled)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				country = EXCLUDED.country,
				active = EXCLUDED.active,
				payouts_enabled = EXCLUDED.payouts_enabled`,
		acct.ID, acct.Country, acct.Active, acct.PayoutsEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to put account: %w", err)
	}
	return nil
}

// AppendTransactions implements paykit.Storage. All entries share one
// database transaction so correlated legs commit as a unit.
func (s *Storage) AppendTransactions(ctx context.Context, txs []*paykit.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	for _, entry := range txs {
		if entry == nil || entry.ID == "" || entry.AccountID == "" {
			return fmt.Errorf("invalid transaction")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions
					(id, tx_type, amount, account_id, payout_id, balance_correlation_key, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, entry.Type, entry.Amount, entry.AccountID,
			nullable(entry.PayoutID), nullable(entry.BalanceCorrelationKey), entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListTransactions implements paykit.Storage.
func (s *Storage) ListTransactions(ctx context.Context, accountID string) ([]*paykit.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tx_type, amount, account_id, payout_id, balance_correlation_key, created_at
			FROM transactions
			WHERE account_id = $1
			ORDER BY created_at, id`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*paykit.Transaction
	for rows.Next() {
		var entry paykit.Transaction
		var payoutID, corrKey *string
		if err := rows.Scan(
			&entry.ID, &entry.Type, &entry.Amount, &entry.AccountID,
			&payoutID, &corrKey, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if payoutID != nil {
			entry.PayoutID = *payoutID
		}
		if corrKey != nil {
			entry.BalanceCorrelationKey = *corrKey
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// AccountBalance implements paykit.Storage. The balance is the entry sum, so
// it can never drift from the ledger.
func (s *Storage) AccountBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1`,
		accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to derive balance: %w", err)
	}
	return balance, nil
}

// GetPayout implements paykit.Storage.
func (s *Storage) GetPayout(ctx context.Context, id string) (*paykit.Payout, error) {
	var p paykit.Payout
	var transferID, processorID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, status, amount, fees_amount, account_amount,
				transfer_id, processor_id, transferred_at, created_at, updated_at
			FROM payouts WHERE id = $1`,
		id).Scan(
		&p.ID, &p.AccountID, &p.Status, &p.Amount, &p.FeesAmount, &p.AccountAmount,
		&transferID, &processorID, &p.TransferredAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, paykit.ErrPayoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	if transferID != nil {
		p.TransferID = *transferID
	}
	if processorID != nil {
		p.ProcessorID = *processorID
	}
	return &p, nil
}

// PutPayout implements paykit.Storage.
func (s *Storage) PutPayout(ctx context.Context, p *paykit.Payout) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid payout")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payouts
				(id, account_id, status, amount, fees_amount, account_amount,
				 transfer_id, processor_id, transferred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				amount = EXCLUDED.amount,
				fees_amount = EXCLUDED.fees_amount,
				account_amount = EXCLUDED.account_amount,
				transfer_id = EXCLUDED.transfer_id,
				processor_id = EXCLUDED.processor_id,
				transferred_at = EXCLUDED.transferred_at,
				updated_at = EXCLUDED.updated_at`,
		p.ID, p.AccountID, p.Status, p.Amount, p.FeesAmount, p.AccountAmount,
		nullable(p.TransferID), nullable(p.ProcessorID), p.TransferredAt,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put payout: %w", err)
	}
	return nil
}

// ListSettlementDuePayouts implements paykit.Storage.
func (s *Storage) ListSettlementDuePayouts(ctx context.Context, cutoff time.Time, limit int) ([]*paykit.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, status, amount, fees_amount, account_amount,
				transfer_id, processor_id, transferred_at, created_at, updated_at
			FROM payouts
			WHERE status = 'pending' AND transferred_at IS NOT NULL AND transferred_at <= $1
			ORDER BY transferred_at
			LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlement-due payouts: %w", err)
	}
	defer rows.Close()

	var out []*paykit.Payout
	for rows.Next() {
		var p paykit.Payout
		var transferID, processorID *string
		if err := rows.Scan(
			&p.ID, &p.AccountID, &p.Status, &p.Amount, &p.FeesAmount, &p.AccountAmount,
			&transferID, &processorID, &p.TransferredAt, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		if transferID != nil {
			p.TransferID = *transferID
		}
		if processorID != nil {
			p.ProcessorID = *processorID
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// PutEndpoint implements paykit.Storage.
func (s *Storage) PutEndpoint(ctx context.Context, ep *paykit.Endpoint) error {
	if ep == nil || ep.ID == "" {
		return fmt.Errorf("invalid endpoint")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO endpoints (id, url, secret, event_types, disabled)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				url = EXCLUDED.url,
				secret = EXCLUDED.secret,
				event_types = EXCLUDED.event_types,
				disabled = EXCLUDED.disabled`,
		ep.ID, ep.URL, ep.Secret, ep.EventTypes, ep.Disabled,
	)
	if err != nil {
		return fmt.Errorf("failed to put endpoint: %w", err)
	}
	return nil
}

// GetEndpoint implements paykit.Storage.
func (s *Storage) GetEndpoint(ctx context.Context, id string) (*paykit.Endpoint, error) {
	var ep paykit.Endpoint
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, secret, event_types, disabled FROM endpoints WHERE id = $1`,
		id).Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.EventTypes, &ep.Disabled)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return &ep, nil
}

// ListEndpoints implements paykit.Storage.
func (s *Storage) ListEndpoints(ctx context.Context) ([]*paykit.Endpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, secret, event_types, disabled FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*paykit.Endpoint
	for rows.Next() {
		var ep paykit.Endpoint
		if err := rows.Scan(&ep.ID, &ep.URL, &ep.Secret, &ep.EventTypes, &ep.Disabled); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		out = append(out, &ep)
	}
	return out, rows.Err()
}

// GetDelivery implements paykit.Storage.
func (s *Storage) GetDelivery(ctx context.Context, id string) (*paykit.Delivery, error) {
	var d paykit.Delivery
	var statusCode *int
	var lastError *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, event_id, endpoint_id, attempt, status, next_attempt_at,
				last_status_code, last_error, created_at, updated_at
			FROM deliveries WHERE id = $1`,
		id).Scan(
		&d.ID, &d.EventID, &d.EndpointID, &d.Attempt, &d.Status, &d.NextAttemptAt,
		&statusCode, &lastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if statusCode != nil {
		d.LastStatusCode = *statusCode
	}
	if lastError != nil {
		d.LastError = *lastError
	}
	return &d, nil
}

// PutDelivery implements paykit.Storage.
func (s *Storage) PutDelivery(ctx context.Context, d *paykit.Delivery) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("invalid delivery")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries
				(id, event_id, endpoint_id, attempt, status, next_attempt_at,
				 last_status_code, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				attempt = EXCLUDED.attempt,
				status = EXCLUDED.status,
				next_attempt_at = EXCLUDED.next_attempt_at,
				last_status_code = EXCLUDED.last_status_code,
				last_error = EXCLUDED.last_error,
				updated_at = EXCLUDED.updated_at`,
		d.ID, d.EventID, d.EndpointID, d.Attempt, d.Status, d.NextAttemptAt,
		d.LastStatusCode, nullable(d.LastError), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put delivery: %w", err)
	}
	return nil
}

// ListDueDeliveries implements paykit.Storage.
func (s *Storage) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*paykit.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, endpoint_id, attempt, status, next_attempt_at,
				last_status_code, last_error, created_at, updated_at
			FROM deliveries
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*paykit.Delivery
	for rows.Next() {
		var d paykit.Delivery
		var statusCode *int
		var lastError *string
		if err := rows.Scan(
			&d.ID, &d.EventID, &d.EndpointID, &d.Attempt, &d.Status, &d.NextAttemptAt,
			&statusCode, &lastError, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		if statusCode != nil {
			d.LastStatusCode = *statusCode
		}
		if lastError != nil {
			d.LastError = *lastError
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// nullable maps the zero string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ paykit.Storage = (*Storage)(nil)
