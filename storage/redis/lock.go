package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paykit/paykit/pkg/paykit"
)

// releaseScript deletes the lock only when the stored token matches the
// holder's token, so a lease that expired and was re-acquired by another
// process cannot be released by the original holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements paykit.Locker using SET NX with a TTL lease and a
// per-acquisition token.
type Locker struct {
	client redis.UniversalClient
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewLocker creates a Redis-backed locker. Keys are prefixed the same way
// as Storage keys.
func NewLocker(client redis.UniversalClient, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "paykit:"
	}
	return &Locker{
		client: client,
		prefix: keyPrefix + "lock:",
		tokens: make(map[string]string),
	}
}

// Acquire implements paykit.Locker. It never blocks: a held lock reports
// false and the caller moves on.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.tokens[key] = token
		l.mu.Unlock()
	}
	return ok, nil
}

// Release implements paykit.Locker. Releasing a lock this process does not
// hold is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

var _ paykit.Locker = (*Locker)(nil)
