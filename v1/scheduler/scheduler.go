// Package scheduler closes auctions at their deadline through a durable
// delayed queue with at-least-once execution.
//
// Each auction has at most one close job. A job moves SCHEDULED -> DUE ->
// PROCESSED; after MaxAttempts failed executions it moves to DEAD and stays
// there until Requeue is called.
package scheduler

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-hammer/v1/clock"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
)

const (
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 32
	DefaultConcurrency  = 8
	DefaultVisibility   = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = time.Second
	DefaultBackoffMax   = time.Minute
)

// Action executes the job of one auction.
type Action func(ctx context.Context, auctionID string) error

// AlertFunc is called when a job moves to the dead set.
type AlertFunc func(ctx context.Context, job Job, err error)

type notDueError struct {
	at time.Time
}

func (e *notDueError) Error() string {
	return fmt.Sprintf("job not due until %s", e.at.Format(time.RFC3339Nano))
}

// NotDue returns an error telling the scheduler to run the job again at at
// without counting a failed attempt.
func NotDue(at time.Time) error {
	return &notDueError{at: at}
}

// IsNotDue reports whether err was built by NotDue and returns its time.
func IsNotDue(err error) (time.Time, bool) {
	var nd *notDueError
	if stdErrors.As(err, &nd) {
		return nd.at, true
	}
	return time.Time{}, false
}

// Scheduler runs close jobs from a Queue.
type Scheduler struct {
	queue        Queue
	clock        clock.Clock
	logger       *slog.Logger
	alert        AlertFunc
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	visibility   time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	jitter       func(time.Duration) time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets how often due jobs are claimed.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithBatchSize sets how many jobs one poll claims at most.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of actions running at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithVisibility sets how long a claimed job stays invisible to other
// workers before it is handed out again.
func WithVisibility(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.visibility = d
		}
	}
}

// WithMaxAttempts sets the failed executions allowed before a job is buried.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and cap of the exponential retry delay.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.backoffBase = base
		}
		if max >= s.backoffBase {
			s.backoffMax = max
		}
	}
}

// WithAlert sets the hook called for dead jobs.
func WithAlert(fn AlertFunc) Option {
	return func(s *Scheduler) {
		s.alert = fn
	}
}

// WithClock sets the clock used for retry times.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New returns a Scheduler reading jobs from q.
func New(q Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        q,
		clock:        clock.NewRealClock(),
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
		concurrency:  DefaultConcurrency,
		visibility:   DefaultVisibility,
		maxAttempts:  DefaultMaxAttempts,
		backoffBase:  DefaultBackoffBase,
		backoffMax:   DefaultBackoffMax,
		jitter: func(d time.Duration) time.Duration {
			half := d / 2
			return half + time.Duration(rand.Int63n(int64(half)+1))
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule creates or moves the close job of auctionID.
func (s *Scheduler) Schedule(ctx context.Context, auctionID string, at time.Time) error {
	return s.queue.Schedule(ctx, auctionID, at)
}

// Cancel removes the close job of auctionID.
func (s *Scheduler) Cancel(ctx context.Context, auctionID string) error {
	return s.queue.Cancel(ctx, auctionID)
}

// State reports the job state of auctionID.
func (s *Scheduler) State(ctx context.Context, auctionID string) (State, error) {
	return s.queue.State(ctx, auctionID)
}

// Requeue puts a dead job back in the queue to run now.
func (s *Scheduler) Requeue(ctx context.Context, auctionID string) error {
	return s.queue.Requeue(ctx, auctionID, s.clock.Now())
}

// Dead lists dead jobs and their failure reasons.
func (s *Scheduler) Dead(ctx context.Context) (map[string]string, error) {
	return s.queue.Dead(ctx)
}

// Run polls the queue until ctx is done.
func (s *Scheduler) Run(ctx context.Context, action Action) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx, action); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduler poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due jobs and runs them. It returns the number
// of jobs claimed.
func (s *Scheduler) RunOnce(ctx context.Context, action Action) (int, error) {
	jobs, err := s.queue.Claim(ctx, s.batchSize, s.visibility)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.execute(gctx, action, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (s *Scheduler) execute(ctx context.Context, action Action, job Job) {
	err := safeRun(ctx, action, job.AuctionID)
	if err == nil {
		metrics.JobCounter.WithLabelValues("processed").Inc()
		if cerr := s.queue.Complete(ctx, job.AuctionID); cerr != nil {
			s.logger.Warn("complete job failed", "auction", job.AuctionID, "error", cerr)
		}
		return
	}
	if ctx.Err() != nil {
		// shutting down: the job stays in flight and is claimed again once
		// its visibility deadline passes, without spending an attempt
		metrics.JobCounter.WithLabelValues("interrupted").Inc()
		s.logger.Info("close job interrupted", "auction", job.AuctionID, "error", err)
		return
	}
	if at, ok := IsNotDue(err); ok {
		metrics.JobCounter.WithLabelValues("not_due").Inc()
		if rerr := s.queue.Retry(ctx, job.AuctionID, at, false); rerr != nil {
			s.logger.Warn("reschedule job failed", "auction", job.AuctionID, "error", rerr)
		}
		return
	}
	attempts := job.Attempts + 1
	if attempts >= s.maxAttempts {
		metrics.JobCounter.WithLabelValues("dead").Inc()
		metrics.DeadJobCounter.Inc()
		s.logger.Error("close job exhausted retries", "auction", job.AuctionID, "attempts", attempts, "error", err)
		if berr := s.queue.Bury(ctx, job.AuctionID, err.Error()); berr != nil {
			s.logger.Error("bury job failed", "auction", job.AuctionID, "error", berr)
		}
		if s.alert != nil {
			job.Attempts = attempts
			s.alert(ctx, job, err)
		}
		return
	}
	metrics.JobCounter.WithLabelValues("retry").Inc()
	delay := s.backoff(attempts)
	s.logger.Warn("close job failed", "auction", job.AuctionID, "attempts", attempts, "retry_in", delay, "error", err)
	if rerr := s.queue.Retry(ctx, job.AuctionID, s.clock.Now().Add(delay), true); rerr != nil {
		s.logger.Warn("retry job failed", "auction", job.AuctionID, "error", rerr)
	}
}

// backoff returns the jittered delay before the given attempt number.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt && d < s.backoffMax; i++ {
		d *= 2
	}
	if d > s.backoffMax {
		d = s.backoffMax
	}
	return s.jitter(d)
}

func safeRun(ctx context.Context, action Action, auctionID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(ctx, auctionID)
}
