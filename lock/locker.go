// Package lock provides leader locks for background jobs that must run on
// one instance at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockHeld indicates another holder owns the lock
	ErrLockHeld = errors.New("lock is held by another process")

	// ErrLockNotHeld indicates the lock expired or was taken over
	ErrLockNotHeld = errors.New("lock not held or expired")
)

// Locker acquires named locks with a TTL.
type Locker interface {
	// Acquire takes the lock on key or returns ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

// LockHandle represents a held lock.
type LockHandle interface {
	// Extend pushes the expiry out to ttl from now. Returns ErrLockNotHeld if
	// the lock was lost.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release frees the lock if this handle still owns it.
	Release(ctx context.Context) error

	// Key returns the locked key.
	Key() string
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]*localHandle
	clock func() time.Time
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]*localHandle),
		clock: time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, ErrLockHeld
	}
	h := &localHandle{locker: l, key: key, expiresAt: now.Add(ttl)}
	l.held[key] = h
	return h, nil
}

type localHandle struct {
	locker    *LocalLocker
	key       string
	expiresAt time.Time
}

func (h *localHandle) Extend(_ context.Context, ttl time.Duration) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	now := h.locker.clock()
	if h.locker.held[h.key] != h || !now.Before(h.expiresAt) {
		return ErrLockNotHeld
	}
	h.expiresAt = now.Add(ttl)
	return nil
}

func (h *localHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if h.locker.held[h.key] == h {
		delete(h.locker.held, h.key)
	}
	return nil
}

func (h *localHandle) Key() string {
	return h.key
}
