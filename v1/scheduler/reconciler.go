package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-hammer/v1/auction"
)

// DefaultReconcileInterval is how often the Reconciler scans by default.
const DefaultReconcileInterval = time.Minute

// Mode defines reconciler behaviour.
type Mode int

const (
	// ModeRepair schedules missing close jobs.
	ModeRepair Mode = iota
	// ModeReport only counts and logs them.
	ModeReport
)

// Reconciler periodically checks that every ACTIVE auction has a close job.
type Reconciler struct {
	store    auction.Store
	sched    *Scheduler
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	missing  uint64
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileMode sets the reconciler mode.
func WithReconcileMode(m Mode) ReconcilerOption {
	return func(r *Reconciler) {
		r.mode = m
	}
}

// WithReconcileLogger sets the logger.
func WithReconcileLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(store auction.Store, sched *Scheduler, interval time.Duration, opts ...ReconcilerOption) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	r := &Reconciler{store: store, sched: sched, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reconcile failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile scans ACTIVE auctions once and returns how many lacked a job.
// Dead jobs are left alone for manual intervention.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	active, err := r.store.List(ctx, auction.StatusActive)
	if err != nil {
		return 0, err
	}
	found := 0
	for _, a := range active {
		state, err := r.sched.State(ctx, a.ID)
		if err != nil {
			return found, err
		}
		switch state {
		case StateScheduled, StateDue:
			continue
		case StateDead:
			r.logger.Warn("active auction has a dead close job", "auction", a.ID)
			continue
		}
		found++
		atomic.AddUint64(&r.missing, 1)
		if r.mode != ModeRepair {
			r.logger.Warn("active auction has no close job", "auction", a.ID, "end_time", a.EndTime)
			continue
		}
		if err := r.sched.Schedule(ctx, a.ID, a.EndTime); err != nil {
			return found, err
		}
		r.logger.Info("scheduled missing close job", "auction", a.ID, "end_time", a.EndTime)
	}
	return found, nil
}

// Missing returns the number of missing jobs detected so far.
func (r *Reconciler) Missing() uint64 {
	return atomic.LoadUint64(&r.missing)
}
