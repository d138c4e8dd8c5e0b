package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paykit/paykit/pkg/paykit"
)

// Locker implements paykit.Locker with PostgreSQL advisory locks. Advisory
// locks are session-scoped, so each held lock pins one pooled connection
// until it is released or its lease expires.
type Locker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	conn  *pgxpool.Conn
	timer *time.Timer
}

// NewLocker creates an advisory-lock based locker on the given pool. Pass
// Storage.Pool() to share connections with the storage adapter.
func NewLocker(pool *pgxpool.Pool) *Locker {
	return &Locker{
		pool: pool,
		held: make(map[string]*heldLock),
	}
}

// Acquire implements paykit.Locker. The ttl caps how long a lock survives a
// holder that never releases; the lease timer drops the pinned connection,
// which releases the advisory lock server-side.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	err = conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	h := &heldLock{conn: conn}
	if ttl > 0 {
		h.timer = time.AfterFunc(ttl, func() { l.expire(key, h) })
	}

	l.mu.Lock()
	l.held[key] = h
	l.mu.Unlock()
	return true, nil
}

// Release implements paykit.Locker. Releasing a lock this process does not
// hold is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if h.timer != nil {
		h.timer.Stop()
	}
	_, err := h.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
	h.conn.Release()
	return err
}

func (l *Locker) expire(key string, h *heldLock) {
	l.mu.Lock()
	if l.held[key] != h {
		l.mu.Unlock()
		return
	}
	delete(l.held, key)
	l.mu.Unlock()

	// Returning the connection without unlocking would leak the advisory
	// lock into the pool; unlock explicitly, then release the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = h.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
	h.conn.Release()
}

var _ paykit.Locker = (*Locker)(nil)
