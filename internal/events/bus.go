// Package events fans out streaming output, console messages and screenshots
// to any number of subscribers over channels.
package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names a stream of events.
type Topic string

const (
	TopicOutput     Topic = "output"
	TopicError      Topic = "error"
	TopicConsole    Topic = "console"
	TopicScreenshot Topic = "screenshot"
)

// Event is a single notification published on the bus.
type Event struct {
	Topic   Topic     `json:"topic"`
	Session string    `json:"session,omitempty"` // browser session id, browser topics only
	Data    string    `json:"data"`
	Time    time.Time `json:"time"`
}

// Subscription receives events for a set of topics until it is closed.
// The event channel is never closed; readers should also select on Done.
type Subscription struct {
	bus    *Bus
	id     uint64
	topics map[Topic]bool
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s.id)
		}
	})
}

func (s *Subscription) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus is an in-process, goroutine-safe publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	buffer int
	closed bool
}

// New creates a bus whose subscription channels hold up to buffer events.
func New(buffer int) *Bus {
	if buffer < 0 {
		buffer = 0
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Subscribe registers interest in the given topics. With no topics the
// subscription receives every event.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		bus:    b,
		id:     b.nextID.Add(1),
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.bus = nil
		sub.Close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscription in subscription order.
// Each send blocks until the subscriber takes the event (or its buffer has
// room) or the subscription is closed, so a published event has been handed
// over by the time Publish returns.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

// SubscribeFunc calls handlers[topic] for every event on the handled topics.
// Handlers run on a dedicated goroutine, one event at a time. The returned
// function unsubscribes.
func (b *Bus) SubscribeFunc(handlers map[Topic]func(string)) func() {
	topics := make([]Topic, 0, len(handlers))
	for t, fn := range handlers {
		if fn != nil {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return func() {}
	}

	sub := b.Subscribe(topics...)
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case ev := <-sub.C():
				handlers[ev.Topic](ev.Data)
			}
		}
	}()
	return sub.Close
}

// Len reports the number of open subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and turns later publishes into no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.done) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
