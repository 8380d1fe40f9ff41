package presets

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/bidding"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
	"github.com/mirkobrombin/go-hammer/v1/config"
	"github.com/mirkobrombin/go-hammer/v1/lock"
	"github.com/mirkobrombin/go-hammer/v1/scheduler"
	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

// FromConfig builds the stack described by cfg. Locks and the lifecycle
// queue live in Redis when cfg.Redis.Addr is set and in memory otherwise.
func FromConfig(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	set := buildSettings(opts)
	s := &Stack{}
	fail := func(err error) (*Stack, error) {
		_ = s.Close()
		return nil, err
	}

	var client *redis.Client
	if cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}

	var natsConn *nats.Conn
	natsConnect := func(url string) (*nats.Conn, error) {
		if natsConn != nil {
			return natsConn, nil
		}
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.onClose(func() error { nc.Close(); return nil })
		natsConn = nc
		return nc, nil
	}

	store, err := newStore(ctx, s, cfg.Store, client)
	if err != nil {
		return fail(err)
	}
	s.Store = store

	switch cfg.Bus.Driver {
	case "redis":
		bus := syncbus.NewRedisBus(client)
		s.onClose(bus.Close)
		s.Bus = bus
	case "nats":
		nc, err := natsConnect(cfg.Bus.NatsURL)
		if err != nil {
			return fail(err)
		}
		s.Bus = syncbus.NewNATSBus(nc)
	default:
		s.Bus = syncbus.NewInMemoryBus()
	}

	lockOpts := append([]lock.Option{
		lock.WithRetry(cfg.Bidding.LockRetryCount, cfg.Bidding.LockRetryDelay),
		lock.WithRetryJitter(cfg.Bidding.LockRetryJitter),
		lock.WithExpiryThreshold(cfg.Bidding.ExpiryThreshold),
		lock.WithAutoExtend(cfg.Bidding.AutoExtend),
		lock.WithLogger(set.logger),
	}, set.lock...)
	if client != nil {
		s.Locks = lock.NewRedis(client, s.Bus, lockOpts...)
		s.Queue = scheduler.NewRedisQueue(client, scheduler.WithQueueClock(set.clock))
	} else {
		s.Locks = lock.NewInMemoryWithClock(set.clock, s.Bus, lockOpts...)
		s.Queue = scheduler.NewInMemoryQueue(set.clock)
	}

	events, err := newBroadcaster(s, cfg.Broadcast, client, natsConnect)
	if err != nil {
		return fail(err)
	}
	if cfg.Broadcast.BreakerThreshold > 0 {
		events = broadcast.NewCircuitBreaker(events, cfg.Broadcast.BreakerThreshold, cfg.Broadcast.BreakerCooldown)
	}
	s.Events = events

	reader, err := auction.NewCachedReader(s.Store, auction.WithSnapshotTTL(cfg.Cache.SnapshotTTL))
	if err != nil {
		return fail(err)
	}
	s.Reader = reader

	set.engine = append([]bidding.Option{
		bidding.WithLease(cfg.Bidding.Lease),
		bidding.WithMaxRaceRetries(cfg.Bidding.MaxRaceRetries),
		bidding.WithPublishTimeout(cfg.Bidding.PublishTimeout),
	}, set.engine...)
	set.scheduler = append([]scheduler.Option{
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
		scheduler.WithVisibility(cfg.Scheduler.Visibility),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		scheduler.WithBackoff(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffMax),
		scheduler.WithAlert(func(ctx context.Context, job scheduler.Job, err error) {
			set.logger.Error("auction close needs manual intervention", "auction", job.AuctionID, "attempts", job.Attempts, "error", err)
		}),
	}, set.scheduler...)
	if err := s.finish(set); err != nil {
		return fail(err)
	}
	s.Reconciler = scheduler.NewReconciler(s.Store, s.Scheduler, cfg.Scheduler.ReconcileInterval,
		scheduler.WithReconcileLogger(set.logger))
	return s, nil
}

func newStore(ctx context.Context, s *Stack, cfg config.StoreConfig, client *redis.Client) (auction.Store, error) {
	switch cfg.Driver {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis store requires a redis address")
		}
		return auction.NewRedisStore(client, auction.WithRedisTimeout(cfg.Timeout)), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		s.onClose(sqlDB.Close)
		return auction.NewGormStore(db, auction.WithGormTimeout(cfg.Timeout))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s.onClose(func() error { pool.Close(); return nil })
		return auction.NewPostgresStore(ctx, pool, auction.WithPostgresTimeout(cfg.Timeout))
	default:
		return auction.NewInMemoryStore(), nil
	}
}

func newBroadcaster(s *Stack, cfg config.BroadcastConfig, client *redis.Client, natsConnect func(string) (*nats.Conn, error)) (broadcast.Broadcaster, error) {
	opts := []broadcast.Option{broadcast.WithBuffer(cfg.Buffer)}
	switch cfg.Transport {
	case "redis":
		b := broadcast.NewRedis(client, opts...)
		s.onClose(b.Close)
		return b, nil
	case "nats":
		nc, err := natsConnect(cfg.NatsURL)
		if err != nil {
			return nil, err
		}
		return broadcast.NewNATS(nc, opts...), nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AmqpURL)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		s.onClose(conn.Close)
		b, err := broadcast.NewAMQP(conn, opts...)
		if err != nil {
			return nil, err
		}
		s.onClose(b.Close)
		return b, nil
	case "kafka":
		kcfg := sarama.NewConfig()
		kcfg.ClientID = "hammer"
		b, err := broadcast.NewKafka(cfg.KafkaBrokers, kcfg, cfg.KafkaTopic, opts...)
		if err != nil {
			return nil, err
		}
		s.onClose(b.Close)
		return b, nil
	default:
		return broadcast.NewInMemory(opts...), nil
	}
}
