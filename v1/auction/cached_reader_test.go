package auction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type countingStore struct {
	Store
	gets atomic.Int32
}

func (s *countingStore) Get(ctx context.Context, id string) (Auction, error) {
	s.gets.Add(1)
	time.Sleep(10 * time.Millisecond)
	return s.Store.Get(ctx, id)
}

func TestCachedReaderServesSnapshots(t *testing.T) {
	base := NewInMemoryStore()
	ctx := context.Background()
	if err := base.Create(ctx, sampleAuction("a1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	store := &countingStore{Store: base}
	r, err := NewCachedReader(store, WithSnapshotTTL(time.Minute))
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Get(ctx, "a1"); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := store.gets.Load(); n < 1 || n > 2 {
		t.Fatalf("expected concurrent misses to share a read, got %d reads", n)
	}

	if _, err := base.CommitBid(ctx, 1, Bid{ID: "b1", AuctionID: "a1", UserID: "bob", Amount: decimal.NewFromInt(150), PlacedAt: time.Now()}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	r.Invalidate("a1")
	a, err := r.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if !a.CurrentPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected fresh price after invalidate, got %s", a.CurrentPrice)
	}
}

func TestCachedReaderPassesErrors(t *testing.T) {
	r, err := NewCachedReader(NewInMemoryStore())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()
	if _, err := r.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not found")
	}
}
