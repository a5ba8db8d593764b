// Package bus is an in-process pub/sub for session lifecycle and identity
// notifications. Handlers run asynchronously and a panicking handler never
// affects the publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
)

// Topics published by the engine.
const (
	TopicPairing       = "session.pairing"
	TopicOpened        = "session.opened"
	TopicClosed        = "session.closed"
	TopicDeleted       = "session.deleted"
	TopicIdentityBound = "identity.bound"
)

// Event represents a notification broadcast to subscribers
type Event struct {
	Topic     string    // e.g. "session.opened"
	Tenant    string    // tenant the event belongs to, empty for global events
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

// Bus routes events to subscribers by topic. The zero value is not usable;
// use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	wg     sync.WaitGroup
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for a topic. "*" receives every topic.
func (b *Bus) Subscribe(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&b.nextID, 1))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: handler})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// Unsubscribe removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subs[topic]) == 0 {
					delete(b.subs, topic)
				}
				return true
			}
		}
	}
	return false
}

// Publish broadcasts an event to the topic's subscribers and to "*"
// subscribers. Safe to call on a nil Bus.
func (b *Bus) Publish(topic, tenant string, data any) {
	if b == nil {
		return
	}
	event := Event{
		Topic:     topic,
		Tenant:    tenant,
		Data:      data,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[topic])+len(b.subs["*"]))
	targets = append(targets, b.subs[topic]...)
	targets = append(targets, b.subs["*"]...)
	b.mu.RUnlock()

	if len(targets) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}

	L_debug("bus: event published", "topic", topic, "tenant", tenant, "subscribers", len(targets))

	for _, sub := range targets {
		b.wg.Add(1)
		go func(s subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// Wait blocks until every handler started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Count returns the number of subscribers for a topic
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
