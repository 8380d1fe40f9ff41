package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	redisBusPrefix  = "hammer:bus:"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-hammer/v1/syncbus")

// RedisBus implements Bus on top of Redis pub/sub. One Redis subscription is
// held per topic and shared by all local subscribers of that topic.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	subs      *fanout
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		pubsubs: make(map[string]*redis.PubSub),
		subs:    newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("hammer.bus.topic", topic)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return mapRedisErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisBusPrefix+topic, "1").Err(); err != nil {
		span.RecordError(err)
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapRedisErr(err)
	}
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if _, ok := b.pubsubs[topic]; !ok {
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		ps := b.client.Subscribe(cctx, redisBusPrefix+topic)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		b.pubsubs[topic] = ps
		go b.dispatch(topic, ps)
	}
	b.subs.add(topic, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(topic string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.subs.notify(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	last, _ := b.subs.remove(topic, ch)
	if !last {
		b.mu.Unlock()
		return nil
	}
	ps := b.pubsubs[topic]
	delete(b.pubsubs, topic)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	if err := ps.Close(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Close drops every Redis subscription and closes all subscriber channels.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, ps := range b.pubsubs {
		_ = ps.Close()
		delete(b.pubsubs, topic)
	}
	b.subs.mu.Lock()
	for topic, chans := range b.subs.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs.subs, topic)
	}
	b.subs.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.subs.delivered.Load()}
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return hammererrors.Mark(err, hammererrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
	}
	return err
}
