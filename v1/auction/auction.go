// Package auction holds the Auction aggregate, the Bid fact and the stores
// that persist them behind a versioned compare-and-swap protocol.
package auction

import (
	"time"

	"github.com/shopspring/decimal"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

// Status is the lifecycle state of an auction. It only moves from
// StatusActive to StatusFinished.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusFinished Status = "FINISHED"
)

// AnyVersion makes CompareAndSwap guard on whatever version it reads inside
// its own atomic step.
const AnyVersion uint64 = 0

// Auction is the aggregate root. CurrentPrice never decreases and Version is
// bumped by the store on every write.
type Auction struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"sellerId"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	StartingPrice decimal.Decimal `json:"startingPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       time.Time       `json:"endTime"`
	Status        Status          `json:"status"`
	Version       uint64          `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Bid is an accepted offer. Bids are append-only.
type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auctionId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	PlacedAt  time.Time       `json:"placedAt"`
}

// Mutation changes an auction inside a store's atomic step. Returning an
// error aborts the write and the error is handed back unchanged.
type Mutation func(*Auction) error

// IsOpen reports whether the auction accepts bids at now.
func (a Auction) IsOpen(now time.Time) bool {
	return a.Status == StatusActive && now.Before(a.EndTime)
}

// CheckBid validates a bid against the auction. Rules are checked in a fixed
// order: open, amount above the current price, bidder is not the seller.
func (a Auction) CheckBid(bidderID string, amount decimal.Decimal, now time.Time) error {
	if !a.IsOpen(now) {
		return hammererrors.ErrAuctionClosed
	}
	if !amount.GreaterThan(a.CurrentPrice) {
		return hammererrors.ErrBidTooLow
	}
	if bidderID == a.SellerID {
		return hammererrors.ErrSelfBid
	}
	return nil
}

// ApplyBid re-validates b and raises the current price to its amount.
func (a *Auction) ApplyBid(b Bid) error {
	if err := a.CheckBid(b.UserID, b.Amount, b.PlacedAt); err != nil {
		return err
	}
	a.CurrentPrice = b.Amount
	a.UpdatedAt = b.PlacedAt
	return nil
}

// Finish marks the auction finished. Only an active auction can be finished.
func (a *Auction) Finish(now time.Time) error {
	if a.Status != StatusActive {
		return hammererrors.ErrAuctionClosed
	}
	a.Status = StatusFinished
	a.UpdatedAt = now
	return nil
}

// Validate checks the invariants of a freshly created auction.
func (a Auction) Validate() error {
	switch {
	case a.ID == "":
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "id is required")
	case a.SellerID == "":
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "seller is required")
	case a.Title == "":
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "title is required")
	case !a.StartingPrice.IsPositive():
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "starting price must be positive")
	case !a.StartTime.Before(a.EndTime):
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "start time must precede end time")
	case a.CurrentPrice.LessThan(a.StartingPrice):
		return hammererrors.Wrap(hammererrors.ErrInvalidAuction, "current price below starting price")
	}
	return nil
}

// mutationError carries an error returned by a Mutation through the store
// so it reaches the caller unchanged.
type mutationError struct {
	err error
}

func (e *mutationError) Error() string { return e.err.Error() }
func (e *mutationError) Unwrap() error { return e.err }

// applyMutation runs mutate on a copy of cur guarded by expected and returns
// the next state with its version bumped. Identity and the aggregate
// invariants are enforced regardless of what mutate does.
func applyMutation(cur Auction, expected uint64, mutate Mutation) (Auction, error) {
	if expected != AnyVersion && cur.Version != expected {
		return Auction{}, hammererrors.ErrConflict
	}
	next := cur
	if err := mutate(&next); err != nil {
		return Auction{}, &mutationError{err: err}
	}
	next.ID = cur.ID
	next.SellerID = cur.SellerID
	next.StartingPrice = cur.StartingPrice
	next.CreatedAt = cur.CreatedAt
	if next.CurrentPrice.LessThan(cur.CurrentPrice) {
		return Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "current price cannot decrease")
	}
	if cur.Status == StatusFinished && next.Status != StatusFinished {
		return Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "finished auction cannot reopen")
	}
	next.Version = cur.Version + 1
	return next, nil
}

// applyBid is applyMutation for a bid commit.
func applyBid(cur Auction, expected uint64, bid Bid) (Auction, error) {
	if bid.AuctionID != cur.ID {
		return Auction{}, hammererrors.Wrap(hammererrors.ErrInvalidAuction, "bid targets another auction")
	}
	return applyMutation(cur, expected, func(a *Auction) error { return a.ApplyBid(bid) })
}
