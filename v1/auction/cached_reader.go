package auction

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

const defaultSnapshotTTL = 500 * time.Millisecond

// CachedReader serves short-lived auction snapshots to read-heavy callers.
// Concurrent misses for the same id share one store read. Snapshots may lag
// the store by up to the TTL; the bid path always reads the Store directly.
type CachedReader struct {
	store Store
	cache *ristretto.Cache
	group singleflight.Group
	ttl   time.Duration
}

// CachedReaderOption configures a CachedReader.
type CachedReaderOption func(*CachedReader)

// WithSnapshotTTL sets how long a snapshot is served from memory.
func WithSnapshotTTL(d time.Duration) CachedReaderOption {
	return func(r *CachedReader) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// NewCachedReader wraps store with a ristretto snapshot cache.
func NewCachedReader(store Store, opts ...CachedReaderOption) (*CachedReader, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4, // one unit per auction
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	r := &CachedReader{store: store, cache: c, ttl: defaultSnapshotTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get returns a recent snapshot of the auction.
func (r *CachedReader) Get(ctx context.Context, id string) (Auction, error) {
	if v, ok := r.cache.Get(id); ok {
		if a, ok := v.(Auction); ok {
			return a, nil
		}
	}
	v, err, _ := r.group.Do(id, func() (any, error) {
		a, err := r.store.Get(ctx, id)
		if err != nil {
			return Auction{}, err
		}
		r.cache.SetWithTTL(id, a, 1, r.ttl)
		r.cache.Wait()
		return a, nil
	})
	if err != nil {
		return Auction{}, err
	}
	return v.(Auction), nil
}

// Invalidate drops the snapshot of id.
func (r *CachedReader) Invalidate(id string) {
	r.cache.Del(id)
	r.cache.Wait()
}

// Close releases the cache.
func (r *CachedReader) Close() {
	r.cache.Close()
}
