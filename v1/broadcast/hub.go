package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-hammer/v1/metrics"
)

type subscription struct {
	ch   chan Event
	last uint64
}

// hub is the process-local fan-out shared by all transports.
type hub struct {
	mu      sync.Mutex
	buffer  int
	topics  map[string]map[<-chan Event]*subscription
	dropped atomic.Uint64
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &hub{buffer: buffer, topics: make(map[string]map[<-chan Event]*subscription)}
}

// add registers a subscription and reports whether it is the first for topic.
func (h *hub) add(topic string) (chan Event, bool) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[<-chan Event]*subscription)
		h.topics[topic] = subs
	}
	subs[ch] = &subscription{ch: ch}
	metrics.SubscriberGauge.Inc()
	return ch, len(subs) == 1
}

// remove closes ch. last reports whether topic lost its final subscriber.
func (h *hub) remove(topic string, ch <-chan Event) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	sub, ok := subs[ch]
	if !ok {
		return false
	}
	delete(subs, ch)
	close(sub.ch)
	metrics.SubscriberGauge.Dec()
	if len(subs) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

// deliver hands e to every subscription of its auction that has not yet
// seen an equal or newer version. Sends never block: a full buffer drops the
// event for that subscriber only.
func (h *hub) deliver(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.topics[e.AuctionID] {
		if e.Version <= sub.last {
			continue
		}
		sub.last = e.Version
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
			metrics.DroppedCounter.Inc()
		}
	}
}

func (h *hub) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// closeAll closes every subscription.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.topics {
		for _, sub := range subs {
			close(sub.ch)
			metrics.SubscriberGauge.Dec()
		}
		delete(h.topics, topic)
	}
}
