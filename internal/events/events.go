// Package events is a small in-process pub/sub bus. Publishers never block:
// a subscriber that cannot keep up drops events rather than stalling the
// authentication path.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic partitions the event stream.
type Topic string

const (
	TopicAuth     Topic = "auth"
	TopicSession  Topic = "session"
	TopicMFA      Topic = "mfa"
	TopicAudit    Topic = "audit"
	TopicSecurity Topic = "security"
)

// Event is a domain occurrence. Payload keys are event-specific.
type Event struct {
	Topic      Topic
	Name       string
	UserID     *int64
	Payload    map[string]any
	OccurredAt time.Time
}

// defaultBuffer per subscriber channel.
const defaultBuffer = 64

// Bus fans events out to topic subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event
	dropped atomic.Uint64 // publishers increment under the read lock
	logger  *slog.Logger
	closed  bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]chan Event),
		logger: logger,
	}
}

// Subscribe registers a buffered channel for a topic. The channel is owned
// by the bus and closed on Close.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	ch := make(chan Event, defaultBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers the event to every subscriber of its topic without
// blocking. Full subscriber buffers drop the event.
func (b *Bus) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event_dropped", "topic", ev.Topic, "event", ev.Name)
		}
	}
}

// Dropped reports how many events were discarded on full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down; subsequent publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}
