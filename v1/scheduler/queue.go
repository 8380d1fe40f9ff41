package scheduler

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of an auction's close job.
type State string

const (
	StateNone      State = ""
	StateScheduled State = "SCHEDULED"
	StateDue       State = "DUE"
	StateProcessed State = "PROCESSED"
	StateDead      State = "DEAD"
)

// DefaultProcessedRetention bounds how long PROCESSED markers are kept.
const DefaultProcessedRetention = 24 * time.Hour

// ErrNotDead is returned by Requeue for a job that is not in the dead set.
var ErrNotDead = errors.New("job is not dead")

// Job is a claimed close job.
type Job struct {
	AuctionID string
	DueAt     time.Time
	// Attempts counts the failed executions before this claim.
	Attempts int
}

// Queue is a durable delayed queue with at-least-once delivery. There is at
// most one job per auction id.
type Queue interface {
	// Schedule creates or moves the job of auctionID to run at at. It resets
	// the attempt count and clears any dead or processed record.
	Schedule(ctx context.Context, auctionID string, at time.Time) error
	// Cancel removes every trace of the job.
	Cancel(ctx context.Context, auctionID string) error
	// Claim moves up to limit due jobs in flight until now+visibility. In
	// flight jobs whose visibility ran out are made due again first.
	Claim(ctx context.Context, limit int, visibility time.Duration) ([]Job, error)
	// Complete marks an in-flight job processed.
	Complete(ctx context.Context, auctionID string) error
	// Retry puts an in-flight job back to run at at, counting a failed
	// attempt when failed is true.
	Retry(ctx context.Context, auctionID string, at time.Time, failed bool) error
	// Bury moves a job to the dead set with the reason it failed.
	Bury(ctx context.Context, auctionID, reason string) error
	// Requeue moves a dead job back to run at at with a fresh attempt count.
	Requeue(ctx context.Context, auctionID string, at time.Time) error
	// State reports where the job is.
	State(ctx context.Context, auctionID string) (State, error)
	// Dead lists dead jobs and their failure reasons.
	Dead(ctx context.Context) (map[string]string, error)
}
