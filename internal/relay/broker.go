package relay

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/rclaim/internal/watch"
)

const subscriberBufSize = 64

// Broker fans out battle events to all subscribed sessions.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan watch.Event
	nextID      atomic.Int64
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan watch.Event),
	}
}

// Subscribe registers a new session. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan watch.Event) {
	id := b.nextID.Add(1)
	ch := make(chan watch.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: the publisher
// never stalls on a slow session, and an event published with nobody
// subscribed is lost.
func (b *Broker) Publish(evt watch.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
