package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-hammer/v1/clock"
	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

type memoryEntry struct {
	token   string
	expires time.Time
}

// memoryBackend keeps locks in a map. Expired entries are reclaimed lazily by
// the next caller.
type memoryBackend struct {
	mu    sync.Mutex
	clock clock.Clock
	locks map[string]memoryEntry
}

// NewInMemory returns a single-process Manager. Release notifications go
// through bus; a nil bus gets a private in-memory one.
func NewInMemory(bus syncbus.Bus, opts ...Option) *Manager {
	return NewInMemoryWithClock(clock.NewRealClock(), bus, opts...)
}

// NewInMemoryWithClock is NewInMemory with an explicit clock for expiry.
func NewInMemoryWithClock(c clock.Clock, bus syncbus.Bus, opts ...Option) *Manager {
	return newManager(&memoryBackend{clock: c, locks: make(map[string]memoryEntry)}, bus, opts...)
}

func (b *memoryBackend) tryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	if e, ok := b.locks[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	b.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (b *memoryBackend) extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	e, ok := b.locks[key]
	if !ok || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	e.expires = now.Add(ttl)
	b.locks[key] = e
	return true, nil
}

func (b *memoryBackend) unlock(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.locks[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}
