package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 64

// Event is one server-sent event.
type Event struct {
	ID      int64
	Feed    string
	Payload string
}

// Broker fans out events to SSE clients and remembers the latest event of
// each feed so new clients start from the current state.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	latest      map[string]Event
	nextSub     atomic.Int64
	nextEvent   atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
		latest:      make(map[string]Event),
	}
}

// Subscribe registers a client. The returned channel is buffered and already
// holds the latest event of every feed; slow consumers drop events.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextSub.Add(1)
	ch := make(chan Event, subscriberBufSize)

	b.mu.Lock()
	for _, evt := range b.replayLocked() {
		ch <- evt
	}
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Broker) replayLocked() []Event {
	events := make([]Event, 0, len(b.latest))
	for _, evt := range b.latest {
		events = append(events, evt)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	if len(events) > subscriberBufSize {
		events = events[len(events)-subscriberBufSize:]
	}
	return events
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

// Publish sends payload on feed to every subscriber without blocking.
func (b *Broker) Publish(feed, payload string) Event {
	evt := Event{ID: b.nextEvent.Add(1), Feed: feed, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[feed] = evt
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// PublishJSON marshals v and publishes it on feed.
func (b *Broker) PublishJSON(feed string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("relay: marshal %s event: %w", feed, err)
	}
	return b.Publish(feed, string(data)), nil
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
