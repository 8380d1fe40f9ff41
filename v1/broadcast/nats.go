package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	nats "github.com/nats-io/nats.go"

	hammererrors "github.com/mirkobrombin/go-hammer/v1/errors"
)

const natsSubjectPrefix = "hammer.events."

// NATS is a Broadcaster on NATS core subjects, one subject per auction.
type NATS struct {
	conn   *nats.Conn
	hub    *hub
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NewNATS returns a NATS broadcaster using conn.
func NewNATS(conn *nats.Conn, opts ...Option) *NATS {
	o := buildOptions(opts)
	return &NATS{
		conn:   conn,
		hub:    newHub(o.buffer),
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Publish implements Broadcaster.Publish.
func (b *NATS) Publish(ctx context.Context, auctionID string, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.AuctionID = auctionID
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubjectPrefix+auctionID, data); err != nil {
		if err == nats.ErrConnectionClosed {
			err = hammererrors.Mark(err, hammererrors.ErrConnectionClosed)
		}
		return hammererrors.Wrapf(err, "publish %s", auctionID)
	}
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *NATS) Subscribe(ctx context.Context, auctionID string) (<-chan Event, error) {
	b.mu.Lock()
	if _, ok := b.subs[auctionID]; !ok {
		ns, err := b.conn.Subscribe(natsSubjectPrefix+auctionID, func(m *nats.Msg) {
			var e Event
			if err := json.Unmarshal(m.Data, &e); err != nil {
				b.logger.Warn("discarding malformed event", "subject", m.Subject, "error", err)
				return
			}
			b.hub.deliver(e)
		})
		if err == nil {
			err = b.conn.Flush()
		}
		if err != nil {
			if ns != nil {
				_ = ns.Unsubscribe()
			}
			b.mu.Unlock()
			return nil, hammererrors.Wrapf(err, "subscribe %s", auctionID)
		}
		b.subs[auctionID] = ns
	}
	ch, _ := b.hub.add(auctionID)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), auctionID, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (b *NATS) Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error {
	b.mu.Lock()
	if !b.hub.remove(auctionID, ch) {
		b.mu.Unlock()
		return nil
	}
	ns := b.subs[auctionID]
	delete(b.subs, auctionID)
	b.mu.Unlock()
	if ns != nil {
		return ns.Unsubscribe()
	}
	return nil
}
