package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"pulseTrader/internal/ports"
)

// DefaultQueueSize is the per-subscriber inbound queue capacity.
const DefaultQueueSize = 1024

// Bus is an in-process publish/subscribe fabric. Delivery is at-least-once
// with no persistence: an event published with no subscriber registered is
// dropped. Each subscriber owns a bounded inbound queue; on overflow the
// oldest unconsumed event for that subscriber is dropped and counted, and the
// publisher never blocks.
type Bus struct {
	mu        sync.RWMutex
	subs      map[EventType][]*Subscription
	logger    ports.Logger
	queueSize int
	wg        sync.WaitGroup
}

// Subscription is one subscriber's handle on the bus.
type Subscription struct {
	bus       *Bus
	eventType EventType
	ch        chan Event
	done      chan struct{}
	drops     atomic.Int64
	once      sync.Once
}

// Drops returns how many events were dropped for this subscriber due to
// queue overflow.
func (s *Subscription) Drops() int64 {
	return s.drops.Load()
}

// Unsubscribe removes the subscription; no further events are delivered
// after it returns.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// New creates a bus with the given per-subscriber queue size
// (DefaultQueueSize if zero or negative).
func New(queueSize int, logger ports.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[EventType][]*Subscription),
		logger:    logger,
		queueSize: queueSize,
	}
}

// Publish delivers an event to every subscriber of its type. Never blocks:
// a full subscriber queue sheds its oldest event instead.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[event.Type()] {
		select {
		case sub.ch <- event:
			continue
		default:
		}
		// Queue full: evict the oldest queued event, then retry once. The
		// consumer may have drained concurrently, so the retry can still
		// lose the race; then the new event is the one dropped.
		select {
		case <-sub.ch:
			sub.drops.Add(1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			sub.drops.Add(1)
			if b.logger != nil {
				b.logger.Warn(context.Background(), "Event bus subscriber queue full, event dropped", map[string]interface{}{
					"eventType": event.Type(),
					"key":       event.Key(),
				})
			}
		}
	}
}

// Subscribe registers a handler for an event type. The handler runs on a
// dedicated goroutine, one event at a time, preserving per-key publish order.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) *Subscription {
	sub := &Subscription{
		bus:       b,
		eventType: eventType,
		ch:        make(chan Event, b.queueSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				handler(ev)
			}
		}
	}()

	return sub
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}

// Close unsubscribes everyone and waits for handler goroutines to exit.
func (b *Bus) Close() {
	b.mu.RLock()
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
	b.wg.Wait()
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.eventType]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.eventType] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
