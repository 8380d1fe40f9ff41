package auction

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-hammer/v1/auction")

// Store persists auctions and bids. All writes are version guarded.
type Store interface {
	// Create inserts a new auction at version 1.
	Create(ctx context.Context, a Auction) error
	// Get returns the auction or ErrNotFound.
	Get(ctx context.Context, id string) (Auction, error)
	// CompareAndSwap applies mutate if the stored version equals expected
	// (or unconditionally against the version it reads, for AnyVersion).
	CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (Auction, error)
	// CommitBid appends bid and raises the price in one atomic step.
	CommitBid(ctx context.Context, expected uint64, bid Bid) (Auction, error)
	// Bids returns the bids of an auction in commit order.
	Bids(ctx context.Context, id string) ([]Bid, error)
	// Delete removes an auction that has no bids.
	Delete(ctx context.Context, id string) error
	// List returns auctions with the given status, or all of them for "".
	List(ctx context.Context, status Status) ([]Auction, error)
}

// prepareCreate fills defaults of a new auction and validates it.
func prepareCreate(a Auction) (Auction, error) {
	if a.CurrentPrice.IsZero() {
		a.CurrentPrice = a.StartingPrice
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	a.Version = 1
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	return a, a.Validate()
}

// unavailable marks infrastructure failures with ErrStoreUnavailable. Errors
// that already belong to the taxonomy and errors returned by a Mutation pass
// through unchanged. closed reports
// backend specific "connection closed" errors.
func unavailable(err error, closed func(error) bool) error {
	if err == nil {
		return nil
	}
	var me *mutationError
	if errors.As(err, &me) {
		return me.err
	}
	if hammererrors.CodeOf(err) != hammererrors.CodeInternal {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = hammererrors.Mark(err, hammererrors.ErrTimeout)
	case closed != nil && closed(err):
		err = hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
	}
	return hammererrors.Mark(err, hammererrors.ErrStoreUnavailable)
}
