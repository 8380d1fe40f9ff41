package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

// DefaultExchange is the topic exchange auction events are routed through.
const DefaultExchange = "hammer.events"

// AMQP is a Broadcaster on a RabbitMQ topic exchange. The routing key is the
// auction id; every process binds its own exclusive queue per auction it has
// local subscribers for.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	hub      *hub
	logger   *slog.Logger

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu       sync.Mutex
	channels map[string]*amqp.Channel
}

// NewAMQP opens a publishing channel on conn and declares the exchange.
func NewAMQP(conn *amqp.Connection, opts ...Option) (*AMQP, error) {
	o := buildOptions(opts)
	ch, err := conn.Channel()
	if err != nil {
		return nil, hammererrors.Wrap(err, "channel open")
	}
	if err := ch.ExchangeDeclare(DefaultExchange, "topic", false, true, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, hammererrors.Wrap(err, "exchange declare")
	}
	return &AMQP{
		conn:     conn,
		exchange: DefaultExchange,
		hub:      newHub(o.buffer),
		logger:   slog.Default(),
		pub:      ch,
		channels: make(map[string]*amqp.Channel),
	}, nil
}

// Publish implements Broadcaster.Publish.
func (b *AMQP) Publish(ctx context.Context, auctionID string, e Event) error {
	e.AuctionID = auctionID
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pub.PublishWithContext(ctx, b.exchange, auctionID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Type:        string(e.Type),
		Body:        body,
	})
	if err != nil {
		if err == amqp.ErrClosed {
			err = hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
		}
		return hammererrors.Wrapf(err, "publish %s", auctionID)
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *AMQP) Subscribe(ctx context.Context, auctionID string) (<-chan Event, error) {
	b.mu.Lock()
	if _, ok := b.channels[auctionID]; !ok {
		ch, deliveries, err := b.bind(auctionID)
		if err != nil {
			b.mu.Unlock()
			return nil, hammererrors.Wrapf(err, "subscribe %s", auctionID)
		}
		b.channels[auctionID] = ch
		go b.dispatch(deliveries)
	}
	out, _ := b.hub.add(auctionID)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), auctionID, out)
	}()
	return out, nil
}

func (b *AMQP) bind(auctionID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err == nil {
		err = ch.QueueBind(q.Name, auctionID, b.exchange, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (b *AMQP) dispatch(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		var e Event
		if err := json.Unmarshal(d.Body, &e); err != nil {
			b.logger.Warn("discarding malformed event", "routing_key", d.RoutingKey, "error", err)
			continue
		}
		b.hub.deliver(e)
	}
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (b *AMQP) Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error {
	b.mu.Lock()
	if !b.hub.remove(auctionID, ch) {
		b.mu.Unlock()
		return nil
	}
	c := b.channels[auctionID]
	delete(b.channels, auctionID)
	b.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

// Close closes every channel opened by the broadcaster. The connection is
// left to its owner.
func (b *AMQP) Close() error {
	b.mu.Lock()
	for id, c := range b.channels {
		_ = c.Close()
		delete(b.channels, id)
	}
	b.hub.closeAll()
	b.mu.Unlock()
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pub.Close()
}
