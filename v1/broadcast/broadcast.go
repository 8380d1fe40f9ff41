// Package broadcast fans auction events out to live observers.
//
// Every transport delivers through the same local hub, which keeps a per
// subscription high-water mark on the event version: an event whose version
// is not greater than the last one seen by a subscription is dropped. Two
// processes publishing out of order after releasing the auction lock can
// therefore never make an observer's price go backwards. Events are not
// persisted; a subscriber that misses one re-reads the store.
package broadcast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/auction"
)

// EventType names the kind of auction event.
type EventType string

const (
	EventBidPlaced     EventType = "bid.placed"
	EventAuctionClosed EventType = "auction.closed"
)

// Event is the payload sent to observers of an auction.
type Event struct {
	Type      EventType       `json:"type"`
	AuctionID string          `json:"auctionId"`
	NewPrice  decimal.Decimal `json:"newPrice"`
	BidderID  string          `json:"bidderId,omitempty"`
	Status    auction.Status  `json:"status"`
	Version   uint64          `json:"version"`
	At        time.Time       `json:"at"`
}

// BidPlaced builds the event for a committed bid.
func BidPlaced(a auction.Auction, bidderID string, at time.Time) Event {
	return Event{
		Type:      EventBidPlaced,
		AuctionID: a.ID,
		NewPrice:  a.CurrentPrice,
		BidderID:  bidderID,
		Status:    a.Status,
		Version:   a.Version,
		At:        at,
	}
}

// AuctionClosed builds the event for a finished auction.
func AuctionClosed(a auction.Auction, at time.Time) Event {
	return Event{
		Type:      EventAuctionClosed,
		AuctionID: a.ID,
		NewPrice:  a.CurrentPrice,
		Status:    a.Status,
		Version:   a.Version,
		At:        at,
	}
}

// Broadcaster publishes events to every current subscriber of an auction.
type Broadcaster interface {
	// Publish sends e to the subscribers of auctionID.
	Publish(ctx context.Context, auctionID string, e Event) error
	// Subscribe returns a channel of events for auctionID. The subscription
	// ends when ctx is done or Unsubscribe is called; the channel is closed.
	Subscribe(ctx context.Context, auctionID string) (<-chan Event, error)
	// Unsubscribe stops delivery to ch.
	Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error
}

// DefaultBuffer is the per subscription channel capacity.
const DefaultBuffer = 16

// Option configures a broadcaster.
type Option func(*options)

type options struct {
	buffer int
}

// WithBuffer sets the per subscription channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
