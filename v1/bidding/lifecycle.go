package bidding

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/scheduler"
)

// NewAuction holds the seller supplied fields of an auction.
type NewAuction struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
}

// AuctionPatch changes the descriptive fields of an auction. Nil fields are
// left untouched.
type AuctionPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// CreateAuction stores a new ACTIVE auction of sellerID and schedules its
// close job at EndTime.
func (e *Engine) CreateAuction(ctx context.Context, sellerID string, in NewAuction) (auction.Auction, error) {
	now := e.clock.Now()
	start := in.StartTime
	if start.IsZero() {
		start = now
	}
	a := auction.Auction{
		ID:            e.newID(),
		SellerID:      sellerID,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		StartingPrice: in.StartingPrice,
		CurrentPrice:  in.StartingPrice,
		StartTime:     start,
		EndTime:       in.EndTime,
		Status:        auction.StatusActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.Validate(); err != nil {
		return auction.Auction{}, err
	}
	if !a.EndTime.After(now) {
		return auction.Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "end time must be in the future")
	}
	if err := e.store.Create(ctx, a); err != nil {
		return auction.Auction{}, err
	}
	if e.lifecycle != nil {
		if err := e.lifecycle.Schedule(ctx, a.ID, a.EndTime); err != nil {
			// The reconciler picks the auction up on its next pass.
			e.logger.Error("schedule close job failed", "auction", a.ID, "error", err)
		}
	}
	e.logger.Info("auction created", "auction", a.ID, "seller", sellerID, "end_time", a.EndTime)
	return a, nil
}

// UpdateAuction applies patch to an auction owned by sellerID.
func (e *Engine) UpdateAuction(ctx context.Context, sellerID, id string, patch AuctionPatch) (auction.Auction, error) {
	if patch.Title == nil && patch.Description == nil {
		return auction.Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "nothing to update")
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return auction.Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "title is required")
	}
	now := e.clock.Now()
	return e.store.CompareAndSwap(ctx, id, auction.AnyVersion, func(a *auction.Auction) error {
		if a.SellerID != sellerID {
			return hammererrors.ErrForbidden
		}
		if patch.Title != nil {
			a.Title = strings.TrimSpace(*patch.Title)
		}
		if patch.Description != nil {
			a.Description = *patch.Description
		}
		a.UpdatedAt = now
		return nil
	})
}

// DeleteAuction removes an auction owned by sellerID that has no bids and
// cancels its close job. It holds the auction lock so no bid can commit
// between the bid check and the delete.
func (e *Engine) DeleteAuction(ctx context.Context, sellerID, id string) error {
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.SellerID != sellerID {
		return hammererrors.ErrForbidden
	}
	lease, err := e.locker.Acquire(ctx, lockKey(id), e.lease)
	if err != nil {
		return err
	}
	err = e.store.Delete(ctx, id)
	if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
		e.logger.Warn("release auction lock failed", "auction", id, "error", rerr)
	}
	if err != nil {
		return err
	}
	if e.lifecycle != nil {
		if err := e.lifecycle.Cancel(ctx, id); err != nil {
			e.logger.Warn("cancel close job failed", "auction", id, "error", err)
		}
	}
	e.logger.Info("auction deleted", "auction", id, "seller", sellerID)
	return nil
}

// Auction returns the stored auction.
func (e *Engine) Auction(ctx context.Context, id string) (auction.Auction, error) {
	return e.store.Get(ctx, id)
}

// Auctions lists stored auctions, all of them when status is empty.
func (e *Engine) Auctions(ctx context.Context, status auction.Status) ([]auction.Auction, error) {
	switch status {
	case "", auction.StatusActive, auction.StatusFinished:
	default:
		return nil, hammererrors.Wrapf(hammererrors.ErrInvalidAuction, "unknown status %q", status)
	}
	return e.store.List(ctx, status)
}

// Bids returns the bids of an auction in commit order.
func (e *Engine) Bids(ctx context.Context, id string) ([]auction.Bid, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.Bids(ctx, id)
}

// CloseAuction finishes an auction whose deadline passed. It is the action
// of the lifecycle scheduler and is safe to run more than once: an auction
// already finished is left unchanged and its closure is broadcast again with
// the stored version. A deadline still ahead yields scheduler.NotDue.
func (e *Engine) CloseAuction(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Engine.CloseAuction", trace.WithAttributes(attribute.String("hammer.auction.id", id)))
	defer span.End()

	now := e.clock.Now()
	closed, err := e.store.CompareAndSwap(ctx, id, auction.AnyVersion, func(a *auction.Auction) error {
		if a.Status == auction.StatusActive && now.Before(a.EndTime) {
			return scheduler.NotDue(a.EndTime)
		}
		return a.Finish(now)
	})
	switch {
	case err == nil:
		e.logger.Info("auction closed", "auction", id, "price", closed.CurrentPrice, "version", closed.Version)
	case hammererrors.Is(err, hammererrors.ErrNotFound):
		e.logger.Info("dropping close job of missing auction", "auction", id)
		return nil
	case hammererrors.Is(err, hammererrors.ErrAuctionClosed):
		closed, err = e.store.Get(ctx, id)
		if err != nil {
			span.RecordError(err)
			return err
		}
	default:
		if _, ok := scheduler.IsNotDue(err); !ok {
			span.RecordError(err)
		}
		return err
	}
	e.publish(ctx, broadcast.AuctionClosed(closed, now))
	return nil
}
