// Package presets assembles ready-made bidding stacks.
package presets

import (
	stdErrors "errors"
	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/bidding"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	"github.com/mirkobrombin/go-hammer/v1/clock"
	"github.com/mirkobrombin/go-hammer/v1/lock"
	"github.com/mirkobrombin/go-hammer/v1/scheduler"
	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack holds the wired components of one hammer node.
type Stack struct {
	Store      auction.Store
	Reader     *auction.CachedReader
	Locks      *lock.Manager
	Bus        syncbus.Bus
	Events     broadcast.Broadcaster
	Queue      scheduler.Queue
	Scheduler  *scheduler.Scheduler
	Reconciler *scheduler.Reconciler
	Engine     *bidding.Engine

	closers []func() error
}

func (s *Stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases the stack's connections in reverse order of creation.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return stdErrors.Join(errs...)
}

// Option tweaks a preset.
type Option func(*settings)

type settings struct {
	logger    *slog.Logger
	clock     clock.Clock
	engine    []bidding.Option
	lock      []lock.Option
	scheduler []scheduler.Option
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock sets the clock used by the engine, scheduler and queue.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithEngineOptions appends options for the bidding engine.
func WithEngineOptions(opts ...bidding.Option) Option {
	return func(s *settings) { s.engine = append(s.engine, opts...) }
}

// WithLockOptions appends options for the lock manager.
func WithLockOptions(opts ...lock.Option) Option {
	return func(s *settings) { s.lock = append(s.lock, opts...) }
}

// WithSchedulerOptions appends options for the lifecycle scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *settings) { s.scheduler = append(s.scheduler, opts...) }
}

func buildSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), clock: clock.NewRealClock()}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// finish wires the engine, scheduler and reader on top of the stack's
// infrastructure.
func (s *Stack) finish(set settings) error {
	s.Scheduler = scheduler.New(s.Queue, append([]scheduler.Option{
		scheduler.WithClock(set.clock),
		scheduler.WithLogger(set.logger),
	}, set.scheduler...)...)
	s.Reconciler = scheduler.NewReconciler(s.Store, s.Scheduler, scheduler.DefaultReconcileInterval,
		scheduler.WithReconcileLogger(set.logger))
	s.Engine = bidding.New(s.Store, s.Locks, append([]bidding.Option{
		bidding.WithBroadcaster(s.Events),
		bidding.WithLifecycle(s.Scheduler),
		bidding.WithClock(set.clock),
		bidding.WithLogger(set.logger),
	}, set.engine...)...)
	if s.Reader == nil {
		reader, err := auction.NewCachedReader(s.Store)
		if err != nil {
			return err
		}
		s.Reader = reader
	}
	s.onClose(func() error { s.Reader.Close(); return nil })
	return nil
}

// NewInMemoryStandalone creates a stack that runs entirely in memory with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(opts ...Option) (*Stack, error) {
	set := buildSettings(opts)
	bus := syncbus.NewInMemoryBus()
	s := &Stack{
		Store:  auction.NewInMemoryStore(),
		Bus:    bus,
		Locks:  lock.NewInMemoryWithClock(set.clock, bus, append([]lock.Option{lock.WithLogger(set.logger)}, set.lock...)...),
		Events: broadcast.NewInMemory(),
		Queue:  scheduler.NewInMemoryQueue(set.clock),
	}
	if err := s.finish(set); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRedis creates a stack that keeps auctions, locks, close jobs and
// events in Redis so several nodes can share them.
func NewRedis(opts RedisOptions, presetOpts ...Option) (*Stack, error) {
	set := buildSettings(presetOpts)
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := &Stack{}
	s.onClose(client.Close)

	bus := syncbus.NewRedisBus(client)
	s.onClose(bus.Close)
	events := broadcast.NewRedis(client)
	s.onClose(events.Close)

	s.Store = auction.NewRedisStore(client)
	s.Bus = bus
	s.Locks = lock.NewRedis(client, bus, append([]lock.Option{lock.WithLogger(set.logger)}, set.lock...)...)
	s.Events = events
	s.Queue = scheduler.NewRedisQueue(client, scheduler.WithQueueClock(set.clock))
	if err := s.finish(set); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
