package events

import (
	"sync"
	"sync/atomic"

	"github.com/auto-claude/auto-claude/internal/core"
)

// Notification pairs a journal event with the task it belongs to. The bus
// fans these out to the status bridge, the stuck detector, and anything
// else watching task progress in-process.
type Notification struct {
	SpecID core.SpecID
	Event  core.Event
}

// Subscriber represents one subscription.
type Subscriber struct {
	ch       chan Notification
	kinds    map[core.EventKind]bool // empty means all kinds
	priority bool
}

// Bus provides pub/sub with backpressure control. Regular subscribers get
// ring-buffer semantics: when a buffer is full the oldest notification is
// dropped. Priority subscribers block the publisher and never lose events.
type Bus struct {
	mu           sync.RWMutex
	subscribers  []*Subscriber
	prioritySubs []*Subscriber
	bufferSize   int
	droppedCount int64
	closed       bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers:  make([]*Subscriber, 0),
		prioritySubs: make([]*Subscriber, 0),
		bufferSize:   bufferSize,
	}
}

// Subscribe creates a subscription for specific event kinds. With no kinds
// it receives everything.
func (b *Bus) Subscribe(kinds ...core.EventKind) <-chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Notification)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:    make(chan Notification, b.bufferSize),
		kinds: make(map[core.EventKind]bool),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// SubscribePriority creates a subscription that never drops notifications.
// Use for QA verdicts and terminal task events.
func (b *Bus) SubscribePriority() <-chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Notification)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:       make(chan Notification, 50),
		kinds:    make(map[core.EventKind]bool),
		priority: true,
	}
	b.prioritySubs = append(b.prioritySubs, sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = removeSubscriber(b.subscribers, ch)
	b.prioritySubs = removeSubscriber(b.prioritySubs, ch)
}

func removeSubscriber(subs []*Subscriber, ch <-chan Notification) []*Subscriber {
	result := make([]*Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ch != ch {
			result = append(result, sub)
		} else {
			close(sub.ch)
		}
	}
	return result
}

// Publish sends a notification to all matching regular subscribers.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.publish(n)
}

// PublishPriority sends to regular subscribers and then blocks on every
// priority subscriber.
func (b *Bus) PublishPriority(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.publish(n)

	for _, sub := range b.prioritySubs {
		sub.ch <- n
	}
}

func (b *Bus) publish(n Notification) {
	kind := n.Event.Kind

	for _, sub := range b.subscribers {
		if len(sub.kinds) != 0 && !sub.kinds[kind] {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Buffer full, drop oldest and try again.
			select {
			case <-sub.ch:
				atomic.AddInt64(&b.droppedCount, 1)
			default:
			}
			select {
			case sub.ch <- n:
			default:
				atomic.AddInt64(&b.droppedCount, 1)
			}
		}
	}
}

// DroppedCount returns the total number of dropped notifications.
func (b *Bus) DroppedCount() int64 {
	return atomic.LoadInt64(&b.droppedCount)
}

// Close closes the bus and every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	for _, sub := range b.prioritySubs {
		close(sub.ch)
	}
	b.subscribers = nil
	b.prioritySubs = nil
}
