package lock

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
	"github.com/mirkobrombin/go-hammer/v1/metrics"
	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

var (
	// ErrBusy means the lock is held by another owner and retries ran out.
	ErrBusy = errors.New("lock held by another owner")
	// ErrUnavailable means the lock backend could not be reached.
	ErrUnavailable = errors.New("lock backend unavailable")
	// ErrInvalidLease is returned for a non-positive lease duration.
	ErrInvalidLease = errors.New("lease duration must be positive")
)

const (
	DefaultRetryCount      = 10
	DefaultRetryDelay      = 200 * time.Millisecond
	DefaultRetryJitter     = 100 * time.Millisecond
	DefaultExpiryThreshold = 500 * time.Millisecond
)

// Locker hands out exclusive leases on resource keys.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (*Lease, error)
}

// backend is the storage primitive behind a Manager. Every method is
// token-checked: a caller can only extend or delete a lock it owns.
type backend interface {
	tryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	unlock(ctx context.Context, key, token string) (bool, error)
}

// Manager implements Locker on top of a backend.
type Manager struct {
	backend backend
	bus     syncbus.Bus
	logger  *slog.Logger

	retryCount      int
	retryDelay      time.Duration
	retryJitter     time.Duration
	expiryThreshold time.Duration
	autoExtend      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetry sets the number of retries after the first attempt and the base
// delay between them.
func WithRetry(count int, delay time.Duration) Option {
	return func(m *Manager) {
		if count >= 0 {
			m.retryCount = count
		}
		if delay > 0 {
			m.retryDelay = delay
		}
	}
}

// WithRetryJitter sets the maximum random delay added to each retry.
func WithRetryJitter(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.retryJitter = d
		}
	}
}

// WithExpiryThreshold sets how long before the lease ends the abort signal
// fires (or an extension is attempted).
func WithExpiryThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.expiryThreshold = d
		}
	}
}

// WithAutoExtend enables lease extension at the expiry threshold.
func WithAutoExtend(enabled bool) Option {
	return func(m *Manager) { m.autoExtend = enabled }
}

// WithLogger sets the logger used for release and extension failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func newManager(b backend, bus syncbus.Bus, opts ...Option) *Manager {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	m := &Manager{
		backend:         b,
		bus:             bus,
		logger:          slog.Default(),
		retryCount:      DefaultRetryCount,
		retryDelay:      DefaultRetryDelay,
		retryJitter:     DefaultRetryJitter,
		expiryThreshold: DefaultExpiryThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire obtains the lock on key for the given lease duration. It tries once
// and then retries up to the configured count, sleeping a jittered delay or
// until the current owner publishes a release. The returned error is marked
// ErrLockUnavailable; its cause is ErrBusy or ErrUnavailable.
func (m *Manager) Acquire(ctx context.Context, key string, lease time.Duration) (*Lease, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	start := time.Now()
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, hammererrors.Mark(err, hammererrors.ErrLockUnavailable)
	}

	var (
		wake    chan struct{}
		lastErr error
	)
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for attempt := 0; ; attempt++ {
		ok, err := m.backend.tryLock(ctx, key, token, lease)
		switch {
		case err != nil:
			lastErr = hammererrors.Mark(err, ErrUnavailable)
		case ok:
			metrics.LockWaitHistogram.Observe(time.Since(start).Seconds())
			return m.newLease(key, token, lease), nil
		default:
			lastErr = ErrBusy
		}
		if attempt >= m.retryCount {
			break
		}
		if wake == nil {
			// Best effort: without a wakeup channel the waiter just sleeps.
			if ch, err := m.bus.Subscribe(waitCtx, "unlock:"+key); err == nil {
				wake = ch
			}
		}
		if err := m.wait(ctx, wake); err != nil {
			lastErr = err
			break
		}
	}
	metrics.LockFailureCounter.Inc()
	return nil, hammererrors.Mark(hammererrors.Wrapf(lastErr, "acquire %s", key), hammererrors.ErrLockUnavailable)
}

func (m *Manager) wait(ctx context.Context, wake <-chan struct{}) error {
	delay := m.retryDelay
	if m.retryJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(m.retryJitter)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-wake:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) newLease(key, token string, ttl time.Duration) *Lease {
	l := &Lease{
		Key:   key,
		Token: token,
		TTL:   ttl,
		m:     m,
		done:  make(chan struct{}),
	}
	l.mu.Lock()
	l.timer = time.AfterFunc(m.watchAfter(ttl), l.onThreshold)
	l.mu.Unlock()
	return l
}

// watchAfter returns when the abort watcher fires for a lease of ttl. Leases
// shorter than the threshold are watched at half their duration.
func (m *Manager) watchAfter(ttl time.Duration) time.Duration {
	if at := ttl - m.expiryThreshold; at > 0 {
		return at
	}
	return ttl / 2
}

// Lease is an owned lock. Its zero value is not usable.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration

	m        *Manager
	done     chan struct{}
	once     sync.Once
	released atomic.Bool
	aborted  atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
}

// Done returns a channel closed once the lease can no longer be trusted: the
// expiry threshold was reached without a successful extension, or the lease
// was released.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Aborted reports whether the abort signal fired before the lease was released.
func (l *Lease) Aborted() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Lease) onThreshold() {
	if l.released.Load() {
		return
	}
	if l.m.autoExtend {
		ctx, cancel := context.WithTimeout(context.Background(), l.m.expiryThreshold)
		ok, err := l.m.backend.extend(ctx, l.Key, l.Token, l.TTL)
		cancel()
		if err == nil && ok {
			l.mu.Lock()
			if !l.released.Load() {
				l.timer.Reset(l.m.watchAfter(l.TTL))
			}
			l.mu.Unlock()
			return
		}
		l.m.logger.Warn("lease extension failed", "key", l.Key, "error", err)
	}
	l.aborted.Store(true)
	metrics.LeaseAbortCounter.Inc()
	l.close()
}

func (l *Lease) close() {
	l.once.Do(func() { close(l.done) })
}

// Release frees the lock if it is still owned by this lease and notifies
// waiters. It is safe to call more than once; only the first call has effect.
func (l *Lease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.timer.Stop()
	l.mu.Unlock()
	l.close()

	owned, err := l.m.backend.unlock(ctx, l.Key, l.Token)
	if err != nil {
		return hammererrors.Mark(hammererrors.Wrapf(err, "release %s", l.Key), hammererrors.ErrLockUnavailable)
	}
	if !owned {
		l.m.logger.Debug("lease already expired at release", "key", l.Key)
	}
	if err := l.m.bus.Publish(ctx, "unlock:"+l.Key); err != nil {
		l.m.logger.Debug("unlock notification failed", "key", l.Key, "error", err)
	}
	return nil
}

// Expired reports whether the abort signal fired on its own, as opposed to
// the lease being released.
func (l *Lease) Expired() bool {
	return l.aborted.Load()
}
