package events

import (
	"sync"
	"sync/atomic"
)

// OverflowStrategy defines how a subscription handles a full buffer.
type OverflowStrategy int

const (
	// DropOldest drops the oldest buffered event to make room for the new
	// one. The default.
	DropOldest OverflowStrategy = iota

	// Drop drops the new event.
	Drop

	// Block waits until the subscriber makes room. A Block subscription
	// that stops reading stalls Publish for everyone; use it only when the
	// subscriber must see every event.
	Block
)

// String returns the strategy name.
func (s OverflowStrategy) String() string {
	switch s {
	case DropOldest:
		return "drop_oldest"
	case Drop:
		return "drop"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id       uint64
	strategy OverflowStrategy

	// mu serializes delivery against close so the channel is never written
	// after it is closed.
	mu     sync.Mutex
	ch     chan Event
	closed bool

	dropped atomic.Int64
}

// Events returns the subscription's event channel. It is closed on
// Unsubscribe and on bus Close; buffered events remain readable after
// that.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Strategy returns the subscription's overflow strategy.
func (s *Subscription) Strategy() OverflowStrategy {
	return s.strategy
}

// Dropped returns how many events this subscription has lost to overflow.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// deliver hands one event to the subscription per its overflow strategy.
func (s *Subscription) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch s.strategy {
	case Block:
		s.ch <- event
	case Drop:
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
		}
	default: // DropOldest
		select {
		case s.ch <- event:
		default:
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- event:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus fans engine events out to subscribers. Safe for concurrent use;
// Publish with the default strategies never blocks on slow subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber with the given buffer size and the
// DropOldest overflow strategy. A non-positive buffer gets a default of 64.
func (b *Bus) Subscribe(buffer int) *Subscription {
	return b.SubscribeWithStrategy(buffer, DropOldest)
}

// SubscribeWithStrategy registers a subscriber with an explicit overflow
// strategy.
func (b *Bus) SubscribeWithStrategy(buffer int, strategy OverflowStrategy) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		strategy: strategy,
		ch:       make(chan Event, buffer),
	}
	if b.closed {
		// Late subscribers on a closed bus get an already-closed channel.
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every current subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down: every subscription channel is closed and
// further publishes are dropped. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
