package auction

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	redisIndexKey         = "hammer:auctions"
)

func redisAuctionKey(id string) string { return "hammer:auction:" + id }
func redisBidsKey(id string) string    { return "hammer:auction:" + id + ":bids" }

// RedisStore implements Store with JSON records and WATCH/MULTI/EXEC
// optimistic transactions. A transaction aborted by a concurrent write is
// reported as ErrConflict.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithRedisTimeout sets the operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, timeout: o.timeout}
}

func isRedisClosed(err error) bool { return stdErrors.Is(err, redis.ErrClosed) }

func (s *RedisStore) mapErr(err error) error {
	if stdErrors.Is(err, redis.TxFailedErr) {
		return hammererrors.Mark(err, hammererrors.ErrConflict)
	}
	return unavailable(err, isRedisClosed)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter, id string) (Auction, error) {
	data, err := c.Get(ctx, redisAuctionKey(id)).Bytes()
	if err == redis.Nil {
		return Auction{}, hammererrors.ErrNotFound
	}
	if err != nil {
		return Auction{}, err
	}
	var a Auction
	if err := json.Unmarshal(data, &a); err != nil {
		return Auction{}, err
	}
	return a, nil
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, a Auction) error {
	a, err := prepareCreate(a)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := redisAuctionKey(a.ID)
	err = s.client.Watch(cctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(cctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return hammererrors.Wrapf(hammererrors.ErrConflict, "auction %s already exists", a.ID)
		}
		_, err = tx.TxPipelined(cctx, func(p redis.Pipeliner) error {
			p.Set(cctx, key, data, 0)
			p.SAdd(cctx, redisIndexKey, a.ID)
			return nil
		})
		return err
	}, key)
	return s.mapErr(err)
}

// Get implements Store.Get.
func (s *RedisStore) Get(ctx context.Context, id string) (Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	a, err := s.load(cctx, s.client, id)
	if err != nil {
		return Auction{}, s.mapErr(err)
	}
	return a, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *RedisStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate Mutation) (Auction, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.CompareAndSwap", trace.WithAttributes(attribute.String("hammer.auction.id", id)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	key := redisAuctionKey(id)
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		cur, err := s.load(cctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(cur, expected, mutate)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(cctx, func(p redis.Pipeliner) error {
			p.Set(cctx, key, data, 0)
			return nil
		}); err != nil {
			return err
		}
		out = next
		return nil
	}, key)
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// CommitBid implements Store.CommitBid.
func (s *RedisStore) CommitBid(ctx context.Context, expected uint64, bid Bid) (Auction, error) {
	ctx, span := tracer.Start(ctx, "RedisStore.CommitBid", trace.WithAttributes(attribute.String("hammer.auction.id", bid.AuctionID)))
	defer span.End()

	bidData, err := json.Marshal(bid)
	if err != nil {
		return Auction{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var out Auction
	key := redisAuctionKey(bid.AuctionID)
	err = s.client.Watch(cctx, func(tx *redis.Tx) error {
		cur, err := s.load(cctx, tx, bid.AuctionID)
		if err != nil {
			return err
		}
		next, err := applyBid(cur, expected, bid)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(cctx, func(p redis.Pipeliner) error {
			p.Set(cctx, key, data, 0)
			p.RPush(cctx, redisBidsKey(bid.AuctionID), bidData)
			return nil
		}); err != nil {
			return err
		}
		out = next
		return nil
	}, key)
	if err != nil {
		span.RecordError(err)
		return Auction{}, s.mapErr(err)
	}
	return out, nil
}

// Bids implements Store.Bids.
func (s *RedisStore) Bids(ctx context.Context, id string) ([]Bid, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Exists(cctx, redisAuctionKey(id)).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	if n == 0 {
		return nil, hammererrors.ErrNotFound
	}
	raw, err := s.client.LRange(cctx, redisBidsKey(id), 0, -1).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	bids := make([]Bid, 0, len(raw))
	for _, r := range raw {
		var b Bid
		if err := json.Unmarshal([]byte(r), &b); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, nil
}

// Delete implements Store.Delete.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key, bidsKey := redisAuctionKey(id), redisBidsKey(id)
	err := s.client.Watch(cctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(cctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return hammererrors.ErrNotFound
		}
		bids, err := tx.LLen(cctx, bidsKey).Result()
		if err != nil {
			return err
		}
		if bids > 0 {
			return hammererrors.ErrHasBids
		}
		_, err = tx.TxPipelined(cctx, func(p redis.Pipeliner) error {
			p.Del(cctx, key)
			p.SRem(cctx, redisIndexKey, id)
			return nil
		})
		return err
	}, key, bidsKey)
	return s.mapErr(err)
}

// List implements Store.List.
func (s *RedisStore) List(ctx context.Context, status Status) ([]Auction, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ids, err := s.client.SMembers(cctx, redisIndexKey).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisAuctionKey(id)
	}
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, s.mapErr(err)
	}
	out := make([]Auction, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a Auction
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			return nil, err
		}
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sortAuctions(out)
	return out, nil
}
