package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-hammer/v1/clock"
)

// InMemoryQueue is a process-local Queue for tests and standalone mode.
type InMemoryQueue struct {
	mu        sync.Mutex
	clock     clock.Clock
	pending   map[string]time.Time
	inflight  map[string]time.Time
	due       map[string]time.Time
	attempts  map[string]int
	dead      map[string]string
	processed map[string]time.Time
	retention time.Duration
}

// InMemoryQueueOption configures an InMemoryQueue.
type InMemoryQueueOption func(*InMemoryQueue)

// WithMemoryRetention sets how long PROCESSED markers are kept.
func WithMemoryRetention(d time.Duration) InMemoryQueueOption {
	return func(q *InMemoryQueue) {
		q.retention = d
	}
}

// NewInMemoryQueue returns an empty InMemoryQueue driven by c.
func NewInMemoryQueue(c clock.Clock, opts ...InMemoryQueueOption) *InMemoryQueue {
	if c == nil {
		c = clock.NewRealClock()
	}
	q := &InMemoryQueue{
		clock:     c,
		retention: DefaultProcessedRetention,
		pending:   make(map[string]time.Time),
		inflight:  make(map[string]time.Time),
		due:       make(map[string]time.Time),
		attempts:  make(map[string]int),
		dead:      make(map[string]string),
		processed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *InMemoryQueue) forget(id string) {
	delete(q.pending, id)
	delete(q.inflight, id)
	delete(q.due, id)
	delete(q.attempts, id)
	delete(q.dead, id)
	delete(q.processed, id)
}

// Schedule implements Queue.Schedule.
func (q *InMemoryQueue) Schedule(ctx context.Context, auctionID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forget(auctionID)
	q.pending[auctionID] = at
	return nil
}

// Cancel implements Queue.Cancel.
func (q *InMemoryQueue) Cancel(ctx context.Context, auctionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forget(auctionID)
	return nil
}

// Claim implements Queue.Claim.
func (q *InMemoryQueue) Claim(ctx context.Context, limit int, visibility time.Duration) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	for id, deadline := range q.inflight {
		if !deadline.After(now) {
			delete(q.inflight, id)
			q.pending[id] = q.due[id]
			delete(q.due, id)
		}
	}
	var jobs []Job
	for id, at := range q.pending {
		if !at.After(now) {
			jobs = append(jobs, Job{AuctionID: id, DueAt: at, Attempts: q.attempts[id]})
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].DueAt.Equal(jobs[j].DueAt) {
			return jobs[i].DueAt.Before(jobs[j].DueAt)
		}
		return jobs[i].AuctionID < jobs[j].AuctionID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	for _, j := range jobs {
		delete(q.pending, j.AuctionID)
		q.inflight[j.AuctionID] = now.Add(visibility)
		q.due[j.AuctionID] = j.DueAt
	}
	return jobs, nil
}

// Complete implements Queue.Complete.
func (q *InMemoryQueue) Complete(ctx context.Context, auctionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[auctionID]; !ok {
		return nil
	}
	delete(q.inflight, auctionID)
	delete(q.due, auctionID)
	delete(q.attempts, auctionID)
	now := q.clock.Now()
	q.processed[auctionID] = now
	cutoff := now.Add(-q.retention)
	for id, at := range q.processed {
		if at.Before(cutoff) {
			delete(q.processed, id)
		}
	}
	return nil
}

// Retry implements Queue.Retry.
func (q *InMemoryQueue) Retry(ctx context.Context, auctionID string, at time.Time, failed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[auctionID]; !ok {
		return nil
	}
	delete(q.inflight, auctionID)
	delete(q.due, auctionID)
	if failed {
		q.attempts[auctionID]++
	}
	q.pending[auctionID] = at
	return nil
}

// Bury implements Queue.Bury.
func (q *InMemoryQueue) Bury(ctx context.Context, auctionID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, auctionID)
	delete(q.inflight, auctionID)
	delete(q.due, auctionID)
	q.dead[auctionID] = reason
	return nil
}

// Requeue implements Queue.Requeue.
func (q *InMemoryQueue) Requeue(ctx context.Context, auctionID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.dead[auctionID]; !ok {
		return ErrNotDead
	}
	delete(q.dead, auctionID)
	delete(q.attempts, auctionID)
	q.pending[auctionID] = at
	return nil
}

// State implements Queue.State.
func (q *InMemoryQueue) State(ctx context.Context, auctionID string) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[auctionID]; ok {
		return StateDue, nil
	}
	if at, ok := q.pending[auctionID]; ok {
		if at.After(q.clock.Now()) {
			return StateScheduled, nil
		}
		return StateDue, nil
	}
	if _, ok := q.dead[auctionID]; ok {
		return StateDead, nil
	}
	if _, ok := q.processed[auctionID]; ok {
		return StateProcessed, nil
	}
	return StateNone, nil
}

// Dead implements Queue.Dead.
func (q *InMemoryQueue) Dead(ctx context.Context) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]string, len(q.dead))
	for id, reason := range q.dead {
		out[id] = reason
	}
	return out, nil
}
