package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const (
	redisChannelPrefix = "hammer:events:"
	redisOpTimeout     = 5 * time.Second
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-hammer/v1/broadcast")

// Redis is a Broadcaster on Redis pub/sub, one channel per auction.
type Redis struct {
	client  *redis.Client
	hub     *hub
	logger  *slog.Logger
	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
}

// NewRedis returns a Redis broadcaster using client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	o := buildOptions(opts)
	return &Redis{
		client:  client,
		hub:     newHub(o.buffer),
		logger:  slog.Default(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Broadcaster.Publish.
func (b *Redis) Publish(ctx context.Context, auctionID string, e Event) error {
	ctx, span := tracer.Start(ctx, "Redis.Publish", trace.WithAttributes(
		attribute.String("hammer.auction.id", auctionID),
		attribute.String("hammer.event.type", string(e.Type)),
	))
	defer span.End()

	e.AuctionID = auctionID
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannelPrefix+auctionID, data).Err(); err != nil {
		span.RecordError(err)
		if cctx.Err() != nil {
			err = hammererrors.Mark(err, hammererrors.ErrTimeout)
		}
		return hammererrors.Wrapf(err, "publish %s", auctionID)
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *Redis) Subscribe(ctx context.Context, auctionID string) (<-chan Event, error) {
	b.mu.Lock()
	if _, ok := b.pubsubs[auctionID]; !ok {
		cctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		ps := b.client.Subscribe(cctx, redisChannelPrefix+auctionID)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, hammererrors.Wrapf(err, "subscribe %s", auctionID)
		}
		b.pubsubs[auctionID] = ps
		go b.dispatch(ps)
	}
	ch, _ := b.hub.add(auctionID)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), auctionID, ch)
	}()
	return ch, nil
}

func (b *Redis) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			b.logger.Warn("discarding malformed event", "channel", msg.Channel, "error", err)
			continue
		}
		b.hub.deliver(e)
	}
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (b *Redis) Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error {
	b.mu.Lock()
	if !b.hub.remove(auctionID, ch) {
		b.mu.Unlock()
		return nil
	}
	ps := b.pubsubs[auctionID]
	delete(b.pubsubs, auctionID)
	b.mu.Unlock()
	if ps != nil {
		return ps.Close()
	}
	return nil
}

// Close drops every subscription.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, id)
	}
	b.hub.closeAll()
	return nil
}
