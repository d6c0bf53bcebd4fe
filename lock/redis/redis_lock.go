// Package redis implements lock.Locker on Redis. A lock is a key set with
// SET NX PX whose value is the holder's token; extend and release only act
// while the token still matches.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"paygate/lock"
)

var (
	_ lock.Locker     = (*RedisLocker)(nil)
	_ lock.LockHandle = (*handle)(nil)
)

// ownedScript runs ARGV[2] (PEXPIRE or DEL) on KEYS[1] only while the key
// holds token ARGV[1]. ARGV[3] is the new expiry in milliseconds.
var ownedScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "PEXPIRE" then
	return redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return redis.call("DEL", KEYS[1])
`)

type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

type Option func(*RedisLocker)

// WithPrefix namespaces lock keys. The default is "paygate:lock:".
func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func NewRedisLocker(client redis.Cmdable, opts ...Option) *RedisLocker {
	l := &RedisLocker{client: client, prefix: "paygate:lock:"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.LockHandle, error) {
	if key == "" {
		return nil, errors.New("redis lock: empty key")
	}

	h := &handle{client: l.client, key: key, redisKey: l.prefix + key, token: uuid.NewString()}
	won, err := l.client.SetNX(ctx, h.redisKey, h.token, ttl).Result()
	switch {
	case err != nil:
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	case !won:
		return nil, fmt.Errorf("%w: %s", lock.ErrLockHeld, key)
	}
	h.held = true
	return h, nil
}

type handle struct {
	client   redis.Cmdable
	key      string
	redisKey string
	token    string

	mu   sync.Mutex
	held bool
}

func (h *handle) Key() string { return h.key }

func (h *handle) Extend(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return lock.ErrLockNotHeld
	}

	n, err := h.owned(ctx, "PEXPIRE", ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", h.key, err)
	}
	if n == 0 {
		h.held = false
		return fmt.Errorf("%w: %s", lock.ErrLockNotHeld, h.key)
	}
	return nil
}

// Release is a no-op once the handle has lost or released the lock.
func (h *handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return nil
	}
	h.held = false

	if _, err := h.owned(ctx, "DEL", 0); err != nil {
		return fmt.Errorf("release lock %s: %w", h.key, err)
	}
	return nil
}

func (h *handle) owned(ctx context.Context, op string, arg int64) (int64, error) {
	return ownedScript.Run(ctx, h.client, []string{h.redisKey}, h.token, op, arg).Int64()
}
