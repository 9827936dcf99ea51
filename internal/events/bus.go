package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/notno/agentcom/internal/logging"
)

var log = logging.New("EVENTS")

// subscription is one subscriber's bounded inbox for a topic.
type subscription struct {
	ch chan Event
}

// Backpressure configuration constants (spec §4.H: bounded inbox, e.g. 1024;
// never block producers).
const (
	InboxSize              = 1024
	MaxBackpressureRetries = 3
	BackpressureRetryDelay = 10 * time.Millisecond
)

// Bus is the in-process, multi-producer multi-consumer topic broadcaster.
// Subscribers receive events in arrival order per-topic; no cross-topic
// ordering is promised (spec §5).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription

	dropped uint64
}

// NewBus constructs an empty Event Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Topic][]*subscription)}
}

// Subscribe returns a channel receiving every event published on topic.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, InboxSize)}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub.ch
}

// Unsubscribe removes ch from topic's subscriber list and closes it.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
			return
		}
	}
}

// Publish delivers event to every subscriber of event.Topic.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[event.Topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.sendWithBackpressure(sub, event)
	}
}

// sendWithBackpressure tries a non-blocking send, then retries briefly
// before dropping and logging — producers must never block (spec §4.H, §5).
func (b *Bus) sendWithBackpressure(sub *subscription, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case sub.ch <- event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.dropped, 1)
	log.Printf("WARNING: dropped event after %d retries (inbox full): topic=%s type=%s id=%s (total dropped: %d)",
		MaxBackpressureRetries, event.Topic, event.Type, event.ID, dropped)
}

// DroppedEventCount returns the total number of events dropped due to full
// subscriber inboxes.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
