package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Broadcaster so that a dead transport fails fast
// instead of holding up every accepted bid for a full publish timeout. After
// threshold consecutive publish failures the circuit opens for cooldown; the
// first publish after that is a probe that closes or reopens it.
type CircuitBreaker struct {
	Broadcaster
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
	now       func() time.Time
}

// NewCircuitBreaker wraps b.
func NewCircuitBreaker(b Broadcaster, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		Broadcaster: b,
		threshold:   threshold,
		cooldown:    cooldown,
		state:       stateClosed,
		now:         time.Now,
	}
}

// IsHealthy returns true unless the circuit is open and cooling down.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return cb.now().Sub(cb.lastFail) > cb.cooldown
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	}
	// half-open: a probe is already in flight
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = cb.now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Broadcaster.Publish with circuit breaker logic.
func (cb *CircuitBreaker) Publish(ctx context.Context, auctionID string, e Event) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.Broadcaster.Publish(ctx, auctionID, e); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}
