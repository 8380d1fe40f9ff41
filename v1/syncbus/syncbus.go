// Package syncbus carries payload-free notifications between processes. The
// lock manager uses it to wake waiters as soon as a lock is released instead
// of sleeping through a whole retry delay. Notifications are hints: a missed
// one only costs latency, never correctness.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a minimal pub/sub mechanism keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// Metrics reports how many notifications were published and delivered.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout holds local subscriber channels per topic. Delivery never blocks:
// channels are buffered by one and a pending notification absorbs the next.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers ch and reports whether it is the first subscriber of topic.
func (f *fanout) add(topic string, ch chan struct{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = append(f.subs[topic], ch)
	return len(f.subs[topic]) == 1
}

// remove closes ch and reports whether topic has no subscribers left. It
// returns found=false when ch was not registered.
func (f *fanout) remove(topic string, ch chan struct{}) (last, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, found
	}
	f.subs[topic] = subs
	return false, found
}

func (f *fanout) notify(topic string) {
	f.mu.Lock()
	chans := append([]chan struct{}(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}

// InMemoryBus is a process-local Bus, used by tests and standalone mode.
type InMemoryBus struct {
	subs      *fanout
	published atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.subs.notify(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.subs.add(topic, ch)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.subs.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.subs.delivered.Load()}
}
