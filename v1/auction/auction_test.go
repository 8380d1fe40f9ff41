package auction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

func sampleAuction(id string, now time.Time) Auction {
	return Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Vintage camera",
		StartingPrice: decimal.NewFromInt(100),
		StartTime:     now.Add(-time.Minute),
		EndTime:       now.Add(time.Hour),
		CreatedAt:     now,
	}
}

func TestCheckBidRuleOrder(t *testing.T) {
	now := time.Now()
	a, err := prepareCreate(sampleAuction("a1", now))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	cases := []struct {
		name   string
		status Status
		bidder string
		amount int64
		at     time.Time
		want   error
	}{
		{"accepted", StatusActive, "bob", 120, now, nil},
		{"finished wins over everything", StatusFinished, "seller", 50, now, hammererrors.ErrAuctionClosed},
		{"past end time", StatusActive, "bob", 500, a.EndTime, hammererrors.ErrAuctionClosed},
		{"equal amount is too low", StatusActive, "bob", 100, now, hammererrors.ErrBidTooLow},
		{"low amount before self bid", StatusActive, "seller", 90, now, hammererrors.ErrBidTooLow},
		{"self bid", StatusActive, "seller", 150, now, hammererrors.ErrSelfBid},
	}
	for _, c := range cases {
		cur := a
		cur.Status = c.status
		err := cur.CheckBid(c.bidder, decimal.NewFromInt(c.amount), c.at)
		if err != c.want {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}
}

func TestValidateRejectsBadAuctions(t *testing.T) {
	now := time.Now()
	bad := []func(*Auction){
		func(a *Auction) { a.StartingPrice = decimal.Zero },
		func(a *Auction) { a.StartingPrice = decimal.NewFromInt(-1) },
		func(a *Auction) { a.EndTime = a.StartTime },
		func(a *Auction) { a.SellerID = "" },
		func(a *Auction) { a.Title = "" },
	}
	for i, mutate := range bad {
		a := sampleAuction("a1", now)
		mutate(&a)
		if _, err := prepareCreate(a); hammererrors.CodeOf(err) != hammererrors.CodeInvalidAuction {
			t.Fatalf("case %d: expected INVALID_AUCTION, got %v", i, err)
		}
	}
}

func TestApplyMutationGuards(t *testing.T) {
	now := time.Now()
	a, _ := prepareCreate(sampleAuction("a1", now))

	if _, err := applyMutation(a, 7, func(*Auction) error { return nil }); err != hammererrors.ErrConflict {
		t.Fatalf("expected conflict on version mismatch, got %v", err)
	}
	next, err := applyMutation(a, AnyVersion, func(x *Auction) error {
		x.ID = "hijacked"
		x.Title = "Renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("mutation: %v", err)
	}
	if next.ID != "a1" || next.Title != "Renamed" || next.Version != 2 {
		t.Fatalf("unexpected result %+v", next)
	}
	if _, err := applyMutation(a, AnyVersion, func(x *Auction) error {
		x.CurrentPrice = decimal.NewFromInt(1)
		return nil
	}); hammererrors.CodeOf(err) != hammererrors.CodeInvalidAuction {
		t.Fatalf("expected price decrease rejected, got %v", err)
	}
	finished := a
	finished.Status = StatusFinished
	if _, err := applyMutation(finished, AnyVersion, func(x *Auction) error {
		x.Status = StatusActive
		return nil
	}); hammererrors.CodeOf(err) != hammererrors.CodeInvalidAuction {
		t.Fatalf("expected reopen rejected, got %v", err)
	}
}
