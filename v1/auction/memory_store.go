package auction

import (
	"context"
	"sort"
	"sync"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

// InMemoryStore is a Store backed by maps, for tests and standalone mode.
type InMemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]Auction
	bids     map[string][]Bid
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		auctions: make(map[string]Auction),
		bids:     make(map[string][]Bid),
	}
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, a Auction) error {
	a, err := prepareCreate(a)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return hammererrors.Wrapf(hammererrors.ErrConflict, "auction %s already exists", a.ID)
	}
	s.auctions[a.ID] = a
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, id string) (Auction, error) {
	if err := ctx.Err(); err != nil {
		return Auction{}, unavailable(err, nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return Auction{}, hammererrors.ErrNotFound
	}
	return a, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (Auction, error) {
	if err := ctx.Err(); err != nil {
		return Auction{}, unavailable(err, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.auctions[id]
	if !ok {
		return Auction{}, hammererrors.ErrNotFound
	}
	next, err := applyMutation(cur, expected, mutate)
	if err != nil {
		return Auction{}, unavailable(err, nil)
	}
	s.auctions[id] = next
	return next, nil
}

// CommitBid implements Store.CommitBid.
func (s *InMemoryStore) CommitBid(ctx context.Context, expected uint64, bid Bid) (Auction, error) {
	if err := ctx.Err(); err != nil {
		return Auction{}, unavailable(err, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.auctions[bid.AuctionID]
	if !ok {
		return Auction{}, hammererrors.ErrNotFound
	}
	next, err := applyBid(cur, expected, bid)
	if err != nil {
		return Auction{}, unavailable(err, nil)
	}
	s.auctions[next.ID] = next
	s.bids[next.ID] = append(s.bids[next.ID], bid)
	return next, nil
}

// Bids implements Store.Bids.
func (s *InMemoryStore) Bids(ctx context.Context, id string) ([]Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.auctions[id]; !ok {
		return nil, hammererrors.ErrNotFound
	}
	return append([]Bid(nil), s.bids[id]...), nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[id]; !ok {
		return hammererrors.ErrNotFound
	}
	if len(s.bids[id]) > 0 {
		return hammererrors.ErrHasBids
	}
	delete(s.auctions, id)
	delete(s.bids, id)
	return nil
}

// List implements Store.List.
func (s *InMemoryStore) List(ctx context.Context, status Status) ([]Auction, error) {
	s.mu.RLock()
	out := make([]Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sortAuctions(out)
	return out, nil
}

func sortAuctions(as []Auction) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].EndTime.Equal(as[j].EndTime) {
			return as[i].EndTime.Before(as[j].EndTime)
		}
		return as[i].ID < as[j].ID
	})
}
