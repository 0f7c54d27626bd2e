// Package bus provides the in-process publish/subscribe channel between the
// sync core and the UI layer.
//
// Delivery is synchronous: Publish invokes every subscriber of the topic in
// subscription order before returning. Subscribers therefore see events in
// publish order and must not block.
package bus

import "sync"

// Topics published by the core.
const (
	TopicRouteChanged    = "routeChanged"
	TopicOnline          = "online"
	TopicOffline         = "offline"
	TopicSyncStarted     = "syncStarted"
	TopicSyncProgress    = "syncProgress"
	TopicSyncCompleted   = "syncCompleted"
	TopicSyncFailed      = "syncFailed"
	TopicConflict        = "conflict"
	TopicSyncBacklogHigh = "syncBacklogHigh"
)

// Event is a published message.
type Event struct {
	Topic string
	Data  any
}

// Handler receives events for a topic.
type Handler func(Event)

// Bus is a topic-based publish/subscribe hub.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
	next int
}

type subscription struct {
	id int
	fn Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe
// function.
func (b *Bus) Subscribe(topic string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event regardless of topic.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.Subscribe("*", fn)
}

// Publish delivers the event synchronously to all subscribers of the topic
// and to wildcard subscribers, in subscription order.
func (b *Bus) Publish(topic string, data any) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.subs["*"]))
	for _, s := range b.subs[topic] {
		handlers = append(handlers, s.fn)
	}
	for _, s := range b.subs["*"] {
		handlers = append(handlers, s.fn)
	}
	b.mu.Unlock()

	ev := Event{Topic: topic, Data: data}
	for _, fn := range handlers {
		fn(ev)
	}
}
