package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/clock"
)

func seedAuction(t *testing.T, s auction.Store, id string, end time.Time) {
	t.Helper()
	err := s.Create(context.Background(), auction.Auction{
		ID:            id,
		SellerID:      "seller",
		Title:         "Lot " + id,
		StartingPrice: decimal.NewFromInt(100),
		StartTime:     testNow().Add(-time.Hour),
		EndTime:       end,
		CreatedAt:     testNow().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestReconcileSchedulesMissingJobs(t *testing.T) {
	ctx := context.Background()
	store := auction.NewInMemoryStore()
	seedAuction(t, store, "tracked", testNow().Add(time.Hour))
	seedAuction(t, store, "lost", testNow().Add(2*time.Hour))
	seedAuction(t, store, "closed", testNow().Add(time.Minute))
	if _, err := store.CompareAndSwap(ctx, "closed", auction.AnyVersion, func(a *auction.Auction) error {
		return a.Finish(testNow())
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, q := newTestScheduler(clock.NewMockClock(testNow()))
	_ = s.Schedule(ctx, "tracked", testNow().Add(time.Hour))

	r := NewReconciler(store, s, time.Minute)
	n, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 || r.Missing() != 1 {
		t.Fatalf("expected one missing job, got %d (%d)", n, r.Missing())
	}
	expectState(t, q, "lost", StateScheduled)
	expectState(t, q, "closed", StateNone)

	if n, _ := r.Reconcile(ctx); n != 0 {
		t.Fatalf("second pass found %d missing jobs", n)
	}
}

func TestReconcileReportModeLeavesQueue(t *testing.T) {
	ctx := context.Background()
	store := auction.NewInMemoryStore()
	seedAuction(t, store, "lost", testNow().Add(time.Hour))
	s, q := newTestScheduler(clock.NewMockClock(testNow()))

	r := NewReconciler(store, s, time.Minute, WithReconcileMode(ModeReport))
	if n, err := r.Reconcile(ctx); err != nil || n != 1 {
		t.Fatalf("expected one missing job, got %d %v", n, err)
	}
	expectState(t, q, "lost", StateNone)
}

func TestReconcileSkipsDeadJobs(t *testing.T) {
	ctx := context.Background()
	store := auction.NewInMemoryStore()
	seedAuction(t, store, "stuck", testNow().Add(-time.Minute))
	s, q := newTestScheduler(clock.NewMockClock(testNow()))
	_ = q.Bury(ctx, "stuck", "boom")

	r := NewReconciler(store, s, time.Minute)
	if n, err := r.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("expected dead job to be left alone, got %d %v", n, err)
	}
	expectState(t, q, "stuck", StateDead)
}

func TestReconcilerRunScansImmediately(t *testing.T) {
	store := auction.NewInMemoryStore()
	seedAuction(t, store, "lost", testNow().Add(time.Hour))
	s, q := newTestScheduler(clock.NewMockClock(testNow()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(store, s, time.Hour).Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for {
		st, _ := q.State(context.Background(), "lost")
		if st == StateScheduled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reconciler did not run on start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
