package scheduler

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-hammer/v1/clock"
	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const (
	redisPendingKey   = "hammer:sched:pending"
	redisInflightKey  = "hammer:sched:inflight"
	redisDueKey       = "hammer:sched:due"
	redisAttemptsKey  = "hammer:sched:attempts"
	redisDeadKey      = "hammer:sched:dead"
	redisProcessedKey = "hammer:sched:processed"
)

// claimScript re-queues expired in-flight jobs, then moves up to ARGV[2]
// due jobs in flight. It returns id, attempts, due-ms triples.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
    redis.call("ZREM", KEYS[2], id)
    local due = redis.call("HGET", KEYS[3], id) or ARGV[1]
    redis.call("HDEL", KEYS[3], id)
    redis.call("ZADD", KEYS[1], due, id)
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
local out = {}
for _, id in ipairs(ids) do
    local due = redis.call("ZSCORE", KEYS[1], id)
    redis.call("ZREM", KEYS[1], id)
    redis.call("ZADD", KEYS[2], ARGV[3], id)
    redis.call("HSET", KEYS[3], id, due)
    local attempts = redis.call("HGET", KEYS[4], id) or "0"
    table.insert(out, id)
    table.insert(out, attempts)
    table.insert(out, due)
end
return out
`)

// RedisQueue implements Queue on Redis sorted sets so jobs survive process
// restarts and are shared by every worker.
type RedisQueue struct {
	client    *redis.Client
	clock     clock.Clock
	retention time.Duration
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithQueueClock sets the clock used for due-time comparisons.
func WithQueueClock(c clock.Clock) RedisQueueOption {
	return func(q *RedisQueue) {
		q.clock = c
	}
}

// WithProcessedRetention sets how long PROCESSED markers are kept.
func WithProcessedRetention(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		q.retention = d
	}
}

// NewRedisQueue returns a RedisQueue using client.
func NewRedisQueue(client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{client: client, clock: clock.NewRealClock(), retention: DefaultProcessedRetention}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		err = hammererrors.Mark(err, hammererrors.ErrTimeout)
	} else if stdErrors.Is(err, redis.ErrClosed) {
		err = hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
	}
	return hammererrors.Mark(err, hammererrors.ErrStoreUnavailable)
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Schedule implements Queue.Schedule.
func (q *RedisQueue) Schedule(ctx context.Context, auctionID string, at time.Time) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, redisInflightKey, auctionID)
		p.HDel(ctx, redisDueKey, auctionID)
		p.HDel(ctx, redisAttemptsKey, auctionID)
		p.HDel(ctx, redisDeadKey, auctionID)
		p.ZRem(ctx, redisProcessedKey, auctionID)
		p.ZAdd(ctx, redisPendingKey, redis.Z{Score: float64(at.UnixMilli()), Member: auctionID})
		return nil
	})
	return mapRedisErr(err)
}

// Cancel implements Queue.Cancel.
func (q *RedisQueue) Cancel(ctx context.Context, auctionID string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, redisPendingKey, auctionID)
		p.ZRem(ctx, redisInflightKey, auctionID)
		p.HDel(ctx, redisDueKey, auctionID)
		p.HDel(ctx, redisAttemptsKey, auctionID)
		p.HDel(ctx, redisDeadKey, auctionID)
		p.ZRem(ctx, redisProcessedKey, auctionID)
		return nil
	})
	return mapRedisErr(err)
}

// Claim implements Queue.Claim.
func (q *RedisQueue) Claim(ctx context.Context, limit int, visibility time.Duration) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := q.clock.Now()
	keys := []string{redisPendingKey, redisInflightKey, redisDueKey, redisAttemptsKey}
	res, err := claimScript.Run(ctx, q.client, keys, ms(now), limit, ms(now.Add(visibility))).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	if len(res)%3 != 0 {
		return nil, fmt.Errorf("claim: unexpected reply length %d", len(res))
	}
	jobs := make([]Job, 0, len(res)/3)
	for i := 0; i < len(res); i += 3 {
		attempts, _ := strconv.Atoi(res[i+1])
		due, _ := strconv.ParseFloat(res[i+2], 64)
		jobs = append(jobs, Job{
			AuctionID: res[i],
			Attempts:  attempts,
			DueAt:     time.UnixMilli(int64(due)),
		})
	}
	return jobs, nil
}

// Complete implements Queue.Complete.
func (q *RedisQueue) Complete(ctx context.Context, auctionID string) error {
	removed, err := q.client.ZRem(ctx, redisInflightKey, auctionID).Result()
	if err != nil {
		return mapRedisErr(err)
	}
	if removed == 0 {
		return nil
	}
	now := q.clock.Now()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, redisDueKey, auctionID)
		p.HDel(ctx, redisAttemptsKey, auctionID)
		p.ZAdd(ctx, redisProcessedKey, redis.Z{Score: float64(now.UnixMilli()), Member: auctionID})
		p.ZRemRangeByScore(ctx, redisProcessedKey, "-inf", "("+ms(now.Add(-q.retention)))
		return nil
	})
	return mapRedisErr(err)
}

// Retry implements Queue.Retry.
func (q *RedisQueue) Retry(ctx context.Context, auctionID string, at time.Time, failed bool) error {
	removed, err := q.client.ZRem(ctx, redisInflightKey, auctionID).Result()
	if err != nil {
		return mapRedisErr(err)
	}
	if removed == 0 {
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, redisDueKey, auctionID)
		if failed {
			p.HIncrBy(ctx, redisAttemptsKey, auctionID, 1)
		}
		p.ZAdd(ctx, redisPendingKey, redis.Z{Score: float64(at.UnixMilli()), Member: auctionID})
		return nil
	})
	return mapRedisErr(err)
}

// Bury implements Queue.Bury.
func (q *RedisQueue) Bury(ctx context.Context, auctionID, reason string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, redisPendingKey, auctionID)
		p.ZRem(ctx, redisInflightKey, auctionID)
		p.HDel(ctx, redisDueKey, auctionID)
		p.HSet(ctx, redisDeadKey, auctionID, reason)
		return nil
	})
	return mapRedisErr(err)
}

// Requeue implements Queue.Requeue.
func (q *RedisQueue) Requeue(ctx context.Context, auctionID string, at time.Time) error {
	removed, err := q.client.HDel(ctx, redisDeadKey, auctionID).Result()
	if err != nil {
		return mapRedisErr(err)
	}
	if removed == 0 {
		return ErrNotDead
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, redisAttemptsKey, auctionID)
		p.ZAdd(ctx, redisPendingKey, redis.Z{Score: float64(at.UnixMilli()), Member: auctionID})
		return nil
	})
	return mapRedisErr(err)
}

// State implements Queue.State.
func (q *RedisQueue) State(ctx context.Context, auctionID string) (State, error) {
	var inflight, pending, processed *redis.FloatCmd
	var dead *redis.BoolCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		inflight = p.ZScore(ctx, redisInflightKey, auctionID)
		pending = p.ZScore(ctx, redisPendingKey, auctionID)
		dead = p.HExists(ctx, redisDeadKey, auctionID)
		processed = p.ZScore(ctx, redisProcessedKey, auctionID)
		return nil
	})
	if err != nil && err != redis.Nil {
		return StateNone, mapRedisErr(err)
	}
	if inflight.Err() == nil {
		return StateDue, nil
	}
	if score, err := pending.Result(); err == nil {
		if int64(score) > q.clock.Now().UnixMilli() {
			return StateScheduled, nil
		}
		return StateDue, nil
	}
	if dead.Val() {
		return StateDead, nil
	}
	if processed.Err() == nil {
		return StateProcessed, nil
	}
	return StateNone, nil
}

// Dead implements Queue.Dead.
func (q *RedisQueue) Dead(ctx context.Context) (map[string]string, error) {
	out, err := q.client.HGetAll(ctx, redisDeadKey).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	return out, nil
}
