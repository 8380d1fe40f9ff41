package broadcast

import "context"

// InMemory is a single-process Broadcaster.
type InMemory struct {
	hub *hub
}

// NewInMemory returns an InMemory broadcaster.
func NewInMemory(opts ...Option) *InMemory {
	o := buildOptions(opts)
	return &InMemory{hub: newHub(o.buffer)}
}

// Publish implements Broadcaster.Publish.
func (b *InMemory) Publish(ctx context.Context, auctionID string, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.AuctionID = auctionID
	b.hub.deliver(e)
	return nil
}

// Subscribe implements Broadcaster.Subscribe.
func (b *InMemory) Subscribe(ctx context.Context, auctionID string) (<-chan Event, error) {
	ch, _ := b.hub.add(auctionID)
	go func() {
		<-ctx.Done()
		b.hub.remove(auctionID, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Broadcaster.Unsubscribe.
func (b *InMemory) Unsubscribe(ctx context.Context, auctionID string, ch <-chan Event) error {
	b.hub.remove(auctionID, ch)
	return nil
}

// Dropped returns how many events were dropped for slow subscribers.
func (b *InMemory) Dropped() uint64 {
	return b.hub.dropped.Load()
}
