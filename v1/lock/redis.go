package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-hammer/v1/syncbus"
)

const redisKeyPrefix = "hammer:lock:"

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

type redisBackend struct {
	client *redis.Client
}

// NewRedis returns a Manager storing locks in Redis. Release notifications go
// through bus so waiters on other nodes wake up early; a nil bus limits
// wakeups to this process.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...Option) *Manager {
	return newManager(&redisBackend{client: client}, bus, opts...)
}

func (r *redisBackend) tryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
}

func (r *redisBackend) extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, token, ttl.Milliseconds()).Int()
	if err == redis.Nil {
		err = nil
	}
	return n == 1, err
}

func (r *redisBackend) unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := delScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, token).Int()
	if err == redis.Nil {
		err = nil
	}
	return n == 1, err
}
