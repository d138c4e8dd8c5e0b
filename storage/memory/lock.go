package memory

import (
	"context"
	"sync"
	"time"

	"github.com/paykit/paykit/pkg/paykit"
)

// lease is one granted acquisition: its id ties a later Release back to the
// Acquire that created it.
type lease struct {
	id     uint64
	expiry time.Time
}

// Locker implements paykit.Locker in-process. Leases expire passively: an
// expired entry is treated as free on the next Acquire. Every Acquire gets
// its own lease id, and Release consumes outstanding leases oldest-first, so
// a holder whose lease expired and was re-acquired cannot release the new
// holder's lock.
type Locker struct {
	mu     sync.Mutex
	held   map[string]lease
	issued map[string][]uint64
	seq    uint64
	clock  func() time.Time
}

// NewLocker creates an in-process locker.
func NewLocker() *Locker {
	return &Locker{
		held:   make(map[string]lease),
		issued: make(map[string][]uint64),
		clock:  time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (l *Locker) SetClock(clock func() time.Time) { l.clock = clock }

// Acquire implements paykit.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && cur.expiry.After(now) {
		return false, nil
	}
	l.seq++
	l.held[key] = lease{id: l.seq, expiry: now.Add(ttl)}
	l.issued[key] = append(l.issued[key], l.seq)
	return true, nil
}

// Release implements paykit.Locker. Each call settles the oldest outstanding
// acquisition for the key; the lock is deleted only when that acquisition is
// the one currently holding it. Releasing a key with no outstanding
// acquisition is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.issued[key]
	if len(queue) == 0 {
		return nil
	}
	id := queue[0]
	if len(queue) == 1 {
		delete(l.issued, key)
	} else {
		l.issued[key] = queue[1:]
	}

	if cur, ok := l.held[key]; ok && cur.id == id {
		delete(l.held, key)
	}
	return nil
}

var _ paykit.Locker = (*Locker)(nil)
