// Package bus is the in-process publish/subscribe fabric connecting the
// enrichment pipeline to the delivery surfaces. Topics are plain strings;
// delivery is synchronous with per-handler panic isolation, so one broken
// consumer never takes down a publish.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Well-known topics.
const (
	TopicKillsUpdated = "kills:updated"
)

// TopicSystem is the per-system topic carrying killmail id notifications.
func TopicSystem(systemID int64) string {
	return fmt.Sprintf("system:%d", systemID)
}

// TopicSystemDetailed is the per-system topic carrying full enriched
// killmail payloads.
func TopicSystemDetailed(systemID int64) string {
	return fmt.Sprintf("system:%d:detailed", systemID)
}

// TopicSubscriber is the per-subscriber delivery topic.
func TopicSubscriber(subscriberID string) string {
	return fmt.Sprintf("subscriber:%s", subscriberID)
}

// Message is one published event.
type Message struct {
	Topic   string
	Payload any
}

// Handler consumes a message. Handlers must not block; long work belongs on
// the consumer's own queue.
type Handler func(msg Message)

// Bus fans published messages out to topic subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int64]Handler
	next int64

	published atomic.Int64
	delivered atomic.Int64
	panics    atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int64]Handler)}
}

// Subscribe registers a handler for a topic and returns its cancel function.
// Cancel is idempotent.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	token := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int64]Handler)
	}
	b.subs[topic][token] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], token)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers payload to every subscriber of topic. A panicking handler
// is logged and skipped; remaining handlers still run.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	msg := Message{Topic: topic, Payload: payload}
	for _, h := range handlers {
		b.deliver(h, msg)
	}
}

func (b *Bus) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			slog.Error("Bus handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	h(msg)
	b.delivered.Add(1)
}

// SubscriberCount reports active subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Stats reports bus counters for the health endpoint.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	topics := len(b.subs)
	b.mu.RUnlock()
	return map[string]any{
		"topics":    topics,
		"published": b.published.Load(),
		"delivered": b.delivered.Load(),
		"panics":    b.panics.Load(),
	}
}
