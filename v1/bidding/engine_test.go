package bidding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	"github.com/mirkobrombin/go-hammer/v1/clock"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/lock"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

type harness struct {
	engine *Engine
	store  auction.Store
	locks  *lock.Manager
	events *broadcast.InMemory
	clock  *clock.MockClock
}

func testNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newHarness(t *testing.T, store auction.Store, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = auction.NewInMemoryStore()
	}
	h := &harness{
		store:  store,
		locks:  lock.NewInMemory(syncbus.NewInMemoryBus(), lock.WithRetry(200, time.Millisecond), lock.WithRetryJitter(time.Millisecond)),
		events: broadcast.NewInMemory(broadcast.WithBuffer(64)),
		clock:  clock.NewMockClock(testNow()),
	}
	opts = append([]Option{WithBroadcaster(h.events), WithClock(h.clock)}, opts...)
	h.engine = New(h.store, h.locks, opts...)
	return h
}

// seed stores an auction of "seller" starting at 100 that ends in an hour.
func (h *harness) seed(t *testing.T, id string) auction.Auction {
	t.Helper()
	a := auction.Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Lot " + id,
		StartingPrice: decimal.NewFromInt(100),
		StartTime:     testNow().Add(-time.Hour),
		EndTime:       testNow().Add(time.Hour),
		CreatedAt:     testNow().Add(-time.Hour),
	}
	if err := h.store.Create(context.Background(), a); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	got, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("seed get: %v", err)
	}
	return got
}

func bid(id, user string, amount int64) BidRequest {
	return BidRequest{AuctionID: id, BidderID: user, Amount: decimal.NewFromInt(amount)}
}

func expectCode(t *testing.T, err error, want hammererrors.Code) {
	t.Helper()
	if got := hammererrors.CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func recvEvent(t *testing.T, ch <-chan broadcast.Event) broadcast.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return broadcast.Event{}
}

func expectNoEvent(t *testing.T, ch <-chan broadcast.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBiddingScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "a1")
	events, err := h.events.Subscribe(ctx, "a1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 120))
	if err != nil {
		t.Fatalf("bid 120: %v", err)
	}
	if !res.Auction.CurrentPrice.Equal(decimal.NewFromInt(120)) || res.Auction.Version != 2 || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	e := recvEvent(t, events)
	if e.Type != broadcast.EventBidPlaced || !e.NewPrice.Equal(decimal.NewFromInt(120)) || e.BidderID != "u1" || e.Version != 2 {
		t.Fatalf("unexpected event %+v", e)
	}

	_, err = h.engine.PlaceBid(ctx, bid("a1", "u2", 110))
	expectCode(t, err, hammererrors.CodeBidTooLow)
	_, err = h.engine.PlaceBid(ctx, bid("a1", "seller", 200))
	expectCode(t, err, hammererrors.CodeSelfBid)
	expectNoEvent(t, events)

	h.clock.Set(testNow().Add(time.Hour))
	if err := h.engine.CloseAuction(ctx, "a1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	e = recvEvent(t, events)
	if e.Type != broadcast.EventAuctionClosed || e.Status != auction.StatusFinished || e.Version != 3 {
		t.Fatalf("unexpected close event %+v", e)
	}

	_, err = h.engine.PlaceBid(ctx, bid("a1", "u2", 200))
	expectCode(t, err, hammererrors.CodeAuctionClosed)

	a, _ := h.engine.Auction(ctx, "a1")
	if a.Status != auction.StatusFinished || !a.CurrentPrice.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("unexpected final auction %+v", a)
	}
	bids, err := h.engine.Bids(ctx, "a1")
	if err != nil || len(bids) != 1 || bids[0].UserID != "u1" {
		t.Fatalf("unexpected bids %+v %v", bids, err)
	}
}

func TestRejectionOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "a1")

	_, err := h.engine.PlaceBid(ctx, bid("missing", "u1", 500))
	expectCode(t, err, hammererrors.CodeNotFound)

	// too low and self bid at once: the price rule comes first
	_, err = h.engine.PlaceBid(ctx, bid("a1", "seller", 50))
	expectCode(t, err, hammererrors.CodeBidTooLow)

	// equal to the current price is too low
	_, err = h.engine.PlaceBid(ctx, bid("a1", "u1", 100))
	expectCode(t, err, hammererrors.CodeBidTooLow)

	// past the deadline every other rule is shadowed, even while still ACTIVE
	h.clock.Set(testNow().Add(time.Hour))
	_, err = h.engine.PlaceBid(ctx, bid("a1", "seller", 50))
	expectCode(t, err, hammererrors.CodeAuctionClosed)
	a, _ := h.engine.Auction(ctx, "a1")
	if a.Status != auction.StatusActive || a.Version != 1 {
		t.Fatalf("rejected bid changed the auction: %+v", a)
	}
}

func TestRejectionsAreCounted(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "a1")
	before := testutil.ToFloat64(metrics.BidCounter.WithLabelValues("SELF_BID"))
	_, _ = h.engine.PlaceBid(context.Background(), bid("a1", "seller", 150))
	if got := testutil.ToFloat64(metrics.BidCounter.WithLabelValues("SELF_BID")) - before; got != 1 {
		t.Fatalf("expected SELF_BID counter +1, got %v", got)
	}
}

func TestConcurrentBidsCommitInIncreasingOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, "a1")

	const n = 20
	var (
		wg       sync.WaitGroup
		accepted int32
	)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.PlaceBid(ctx, bid("a1", "bidder", int64(100+i)))
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case hammererrors.CodeOf(err) == hammererrors.CodeBidTooLow:
			default:
				t.Errorf("bid %d: unexpected error %v", 100+i, err)
			}
		}(i)
	}
	wg.Wait()

	a, err := h.engine.Auction(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !a.CurrentPrice.Equal(decimal.NewFromInt(100 + n)) {
		t.Fatalf("final price %s, want %d", a.CurrentPrice, 100+n)
	}
	bids, _ := h.engine.Bids(ctx, "a1")
	if len(bids) != int(accepted) {
		t.Fatalf("%d bids stored, %d accepted", len(bids), accepted)
	}
	if a.Version != uint64(1+len(bids)) {
		t.Fatalf("version %d after %d bids", a.Version, len(bids))
	}
	prev := a.StartingPrice
	for _, b := range bids {
		if !b.Amount.GreaterThan(prev) {
			t.Fatalf("bid %s does not exceed prior price %s", b.Amount, prev)
		}
		prev = b.Amount
	}
}

func TestConcurrentBidsOnDifferentAuctions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	ids := []string{"a1", "a2", "a3", "a4"}
	for _, id := range ids {
		h.seed(t, id)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		for i := 1; i <= 5; i++ {
			wg.Add(1)
			go func(id string, i int) {
				defer wg.Done()
				_, err := h.engine.PlaceBid(ctx, bid(id, "u", int64(100+i)))
				if err != nil && hammererrors.CodeOf(err) != hammererrors.CodeBidTooLow {
					t.Errorf("%s: %v", id, err)
				}
			}(id, i)
		}
	}
	wg.Wait()
	for _, id := range ids {
		a, _ := h.engine.Auction(ctx, id)
		if !a.CurrentPrice.Equal(decimal.NewFromInt(105)) {
			t.Fatalf("%s final price %s", id, a.CurrentPrice)
		}
	}
}

func TestLockUnavailableWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := auction.NewInMemoryStore()
	locks := lock.NewInMemory(nil, lock.WithRetry(0, time.Millisecond))
	e := New(store, locks, WithClock(clock.NewMockClock(testNow())))
	h := &harness{store: store}
	h.seed(t, "a1")

	held, err := locks.Acquire(ctx, "auction:a1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release(ctx)

	_, err = e.PlaceBid(ctx, bid("a1", "u1", 150))
	expectCode(t, err, hammererrors.CodeLockUnavailable)
	if !hammererrors.IsRetryable(err) || hammererrors.IsRejection(err) {
		t.Fatalf("lock failure must be retryable, got %v", err)
	}
	a, _ := store.Get(ctx, "a1")
	if a.Version != 1 {
		t.Fatalf("auction changed without the lock: %+v", a)
	}
}

// slowStore delays reads so the lease runs out inside the critical section.
type slowStore struct {
	auction.Store
	delay time.Duration
}

func (s slowStore) Get(ctx context.Context, id string) (auction.Auction, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, id)
}

func TestExpiredLeaseAbortsBeforeCommit(t *testing.T) {
	ctx := context.Background()
	inner := auction.NewInMemoryStore()
	h := newHarness(t, slowStore{Store: inner, delay: 80 * time.Millisecond}, WithLease(60*time.Millisecond))
	h.store = inner
	h.seed(t, "a1")

	retries := testutil.ToFloat64(metrics.BidRetryCounter)
	_, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 150))
	expectCode(t, err, hammererrors.CodeLockExpired)
	if got := testutil.ToFloat64(metrics.BidRetryCounter) - retries; got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}
	bids, _ := inner.Bids(ctx, "a1")
	if len(bids) != 0 {
		t.Fatalf("zombie writer committed %+v", bids)
	}
}

// racingStore bumps the auction version before the first commit, as a
// concurrent writer holding an expired lock would.
type racingStore struct {
	auction.Store
	raced int32
}

func (s *racingStore) CommitBid(ctx context.Context, expected uint64, b auction.Bid) (auction.Auction, error) {
	if atomic.CompareAndSwapInt32(&s.raced, 0, 1) {
		if _, err := s.Store.CompareAndSwap(ctx, b.AuctionID, auction.AnyVersion, func(a *auction.Auction) error {
			a.Description = "edited"
			return nil
		}); err != nil {
			return auction.Auction{}, err
		}
	}
	return s.Store.CommitBid(ctx, expected, b)
}

func TestConflictIsRetriedUnderFreshLock(t *testing.T) {
	ctx := context.Background()
	inner := auction.NewInMemoryStore()
	h := newHarness(t, &racingStore{Store: inner})
	h.store = inner
	h.seed(t, "a1")

	res, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 150))
	if err != nil {
		t.Fatalf("bid: %v", err)
	}
	if res.Attempts != 2 || res.Auction.Version != 3 {
		t.Fatalf("expected commit on second attempt, got %+v", res)
	}
}

func TestConflictSurfacesWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	inner := auction.NewInMemoryStore()
	h := newHarness(t, &racingStore{Store: inner}, WithMaxRaceRetries(0))
	h.store = inner
	h.seed(t, "a1")

	_, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 150))
	expectCode(t, err, hammererrors.CodeConflict)
	if !hammererrors.IsRetryable(err) {
		t.Fatal("conflict must be reported as transient")
	}
	bids, _ := inner.Bids(ctx, "a1")
	if len(bids) != 0 {
		t.Fatalf("conflicting bid was stored: %+v", bids)
	}
}

type failingBroadcaster struct {
	broadcast.Broadcaster
}

func (failingBroadcaster) Publish(context.Context, string, broadcast.Event) error {
	return errors.New("transport down")
}

func TestPublishFailureKeepsBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, WithBroadcaster(failingBroadcaster{}))
	h.seed(t, "a1")

	before := testutil.ToFloat64(metrics.PublishCounter.WithLabelValues("bid.placed", "error"))
	if _, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 150)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishCounter.WithLabelValues("bid.placed", "error")) - before; got != 1 {
		t.Fatalf("expected publish error counted, got %v", got)
	}
	a, _ := h.engine.Auction(ctx, "a1")
	if !a.CurrentPrice.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("accepted bid lost: %+v", a)
	}
}

func TestOpenCircuitIsCounted(t *testing.T) {
	ctx := context.Background()
	cb := broadcast.NewCircuitBreaker(failingBroadcaster{}, 1, time.Hour)
	h := newHarness(t, nil, WithBroadcaster(cb))
	h.seed(t, "a1")

	before := testutil.ToFloat64(metrics.PublishCounter.WithLabelValues("bid.placed", "circuit_open"))
	_, _ = h.engine.PlaceBid(ctx, bid("a1", "u1", 150))
	if _, err := h.engine.PlaceBid(ctx, bid("a1", "u1", 160)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishCounter.WithLabelValues("bid.placed", "circuit_open")) - before; got != 1 {
		t.Fatalf("expected open circuit counted, got %v", got)
	}
}
