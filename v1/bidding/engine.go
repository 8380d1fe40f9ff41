// Package bidding arbitrates concurrent bids on auctions.
//
// A bid attempt runs under the auction's distributed lock: read, validate,
// check the lease, commit with a version guard, release. Only after the lock
// is released the new price is broadcast. Conflicts and expired leases are
// retried under a fresh lock a bounded number of times.
package bidding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	"github.com/mirkobrombin/go-hammer/v1/clock"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/lock"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
)

const (
	DefaultLease          = 10 * time.Second
	DefaultMaxRaceRetries = 1
	DefaultPublishTimeout = 2 * time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-hammer/v1/bidding")

// BidRequest is a bid attempt by an authenticated bidder.
type BidRequest struct {
	AuctionID string
	BidderID  string
	Amount    decimal.Decimal
}

// Result describes an accepted bid.
type Result struct {
	Bid     auction.Bid
	Auction auction.Auction
	// Attempts is the number of locked attempts it took, 1 without races.
	Attempts int
}

// Lifecycle schedules and cancels the close job of an auction.
type Lifecycle interface {
	Schedule(ctx context.Context, auctionID string, at time.Time) error
	Cancel(ctx context.Context, auctionID string) error
}

// Engine processes bids and auction lifecycle operations.
type Engine struct {
	store     auction.Store
	locker    lock.Locker
	events    broadcast.Broadcaster
	lifecycle Lifecycle
	clock     clock.Clock
	logger    *slog.Logger

	lease          time.Duration
	maxRaceRetries int
	publishTimeout time.Duration
	newID          func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLease sets the lock lease of one bid attempt.
func WithLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithMaxRaceRetries sets how many times a conflict or expired lease is
// retried under a fresh lock. Zero disables retries.
func WithMaxRaceRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRaceRetries = n
		}
	}
}

// WithPublishTimeout bounds each broadcast publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// WithBroadcaster sets where accepted bids and closures are published.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(e *Engine) {
		e.events = b
	}
}

// WithLifecycle sets the scheduler of close jobs.
func WithLifecycle(l Lifecycle) Option {
	return func(e *Engine) {
		e.lifecycle = l
	}
}

// WithClock sets the clock used for deadlines and timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New returns an Engine over store and locker.
func New(store auction.Store, locker lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		locker:         locker,
		clock:          clock.NewRealClock(),
		logger:         slog.Default(),
		lease:          DefaultLease,
		maxRaceRetries: DefaultMaxRaceRetries,
		publishTimeout: DefaultPublishTimeout,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockKey(auctionID string) string { return "auction:" + auctionID }

// PlaceBid arbitrates one bid. Rejections are ErrNotFound, ErrAuctionClosed,
// ErrBidTooLow and ErrSelfBid, checked in that order; ErrLockUnavailable and
// ErrStoreUnavailable are transient; ErrConflict and ErrLockExpired are
// surfaced only once the race retries are exhausted.
func (e *Engine) PlaceBid(ctx context.Context, req BidRequest) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.PlaceBid", trace.WithAttributes(
		attribute.String("hammer.auction.id", req.AuctionID),
		attribute.String("hammer.bidder.id", req.BidderID),
		attribute.String("hammer.bid.amount", req.Amount.String()),
	))
	defer span.End()

	var (
		res Result
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = e.attempt(ctx, req)
		res.Attempts = attempt
		if err == nil || !hammererrors.IsRace(err) || attempt > e.maxRaceRetries {
			break
		}
		metrics.BidRetryCounter.Inc()
		e.logger.Debug("retrying bid after race", "auction", req.AuctionID, "attempt", attempt, "error", err)
	}
	span.SetAttributes(attribute.Int("hammer.bid.attempts", res.Attempts))

	code := hammererrors.CodeOf(err)
	if err != nil {
		metrics.BidCounter.WithLabelValues(string(code)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		if !hammererrors.IsRejection(err) {
			e.logger.Warn("bid failed", "auction", req.AuctionID, "bidder", req.BidderID, "code", code, "error", err)
		}
		return Result{}, err
	}
	metrics.BidCounter.WithLabelValues("OK").Inc()
	e.publish(ctx, broadcast.BidPlaced(res.Auction, req.BidderID, res.Bid.PlacedAt))
	return res, nil
}

// attempt runs one locked bid attempt. The lease is released on every path.
func (e *Engine) attempt(ctx context.Context, req BidRequest) (res Result, err error) {
	lease, err := e.locker.Acquire(ctx, lockKey(req.AuctionID), e.lease)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			e.logger.Warn("release auction lock failed", "auction", req.AuctionID, "error", rerr)
		}
	}()

	a, err := e.store.Get(ctx, req.AuctionID)
	if err != nil {
		return Result{}, err
	}
	now := e.clock.Now()
	if err := a.CheckBid(req.BidderID, req.Amount, now); err != nil {
		return Result{}, err
	}
	if lease.Aborted() {
		return Result{}, hammererrors.Wrapf(hammererrors.ErrLockExpired, "auction %s", req.AuctionID)
	}
	bid := auction.Bid{
		ID:        e.newID(),
		AuctionID: a.ID,
		UserID:    req.BidderID,
		Amount:    req.Amount,
		PlacedAt:  now,
	}
	updated, err := e.store.CommitBid(ctx, a.Version, bid)
	if err != nil {
		return Result{}, err
	}
	return Result{Bid: bid, Auction: updated}, nil
}

// publish sends e after the commit. Failures are logged and counted only.
func (e *Engine) publish(ctx context.Context, ev broadcast.Event) {
	if e.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	result := "ok"
	if err := e.events.Publish(pctx, ev.AuctionID, ev); err != nil {
		result = "error"
		if hammererrors.Is(err, broadcast.ErrCircuitOpen) {
			result = "circuit_open"
		}
		e.logger.Warn("publish event failed", "auction", ev.AuctionID, "type", ev.Type, "version", ev.Version, "error", err)
	}
	metrics.PublishCounter.WithLabelValues(string(ev.Type), result).Inc()
}
