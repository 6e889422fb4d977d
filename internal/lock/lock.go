// Package lock provides mutual exclusion for maintenance jobs such as
// reconciliation, either within one process or across processes via Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock: already held")

// Locker acquires a named lock for at most ttl. The returned unlock function
// is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Local is an in-process Locker. The ttl is ignored: locks are held until
// released.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// unlockLua deletes the key only if it still holds the caller's token, so a
// holder whose lock expired cannot release someone else's.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a Locker shared by every process using the same Redis, built on
// SET NX with a TTL and a token-checked unlock.
type Redis struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewRedis creates a Redis-backed locker.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

func redisKey(key string) string { return "lock:" + key }

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := redisKey(key)

	ok, err := r.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Background context so release works after the caller's ctx is done.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlock.Run(ctx, r.rdb, []string{k}, token).Err()
		})
	}, nil
}

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)
