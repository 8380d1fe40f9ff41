package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const natsBusPrefix = "hammer.bus."

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	subs      *fanout
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		natsSubs: make(map[string]*nats.Subscription),
		subs:     newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(natsBusPrefix+topic, []byte("1")); err != nil {
		return mapNATSErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if _, ok := b.natsSubs[topic]; !ok {
		ns, err := b.conn.Subscribe(natsBusPrefix+topic, func(_ *nats.Msg) {
			b.subs.notify(topic)
		})
		if err != nil {
			b.mu.Unlock()
			return nil, mapNATSErr(err)
		}
		// Make sure the server registered the interest before the caller
		// starts waiting on a notification.
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, mapNATSErr(err)
		}
		b.natsSubs[topic] = ns
	}
	b.subs.add(topic, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	last, _ := b.subs.remove(topic, ch)
	if !last {
		b.mu.Unlock()
		return nil
	}
	ns := b.natsSubs[topic]
	delete(b.natsSubs, topic)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	if err := ns.Unsubscribe(); err != nil {
		return mapNATSErr(err)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.subs.delivered.Load()}
}

func mapNATSErr(err error) error {
	switch err {
	case nil:
		return nil
	case nats.ErrConnectionClosed, nats.ErrBadSubscription:
		return hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
	case nats.ErrTimeout:
		return hammererrors.Mark(err, hammererrors.ErrTimeout)
	}
	return err
}
