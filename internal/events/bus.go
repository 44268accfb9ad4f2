// Package events is the typed event bus between the signaling gateways and
// the telemetry sink. Drivers exist for a single process (memory), Redis
// Streams and Kafka. The Redis and Kafka drivers deliver at least once: an
// event counts as consumed only after the subscriber acknowledges it, and
// anything unacknowledged when a subscription closes is redelivered to its
// group.
package events

import (
	"context"
	"sync"

	"chime-live/internal/apperrors"
)

// Bus publishes events and hands out group subscriptions. Subscribers that
// share a group split a topic's events between them; each group sees every
// event.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, topic Topic, group string) (Subscription, error)
	Close() error
}

// Subscription represents an active event stream. The channel is closed
// when the subscription is closed or its context ends.
type Subscription interface {
	Events() <-chan Event
	// Ack marks event as processed. On a Kafka partition an ack also covers
	// every earlier event, so events are acknowledged in delivery order.
	Ack(ctx context.Context, event Event) error
	// Close stops delivery and hands unacknowledged events back to the
	// group. It waits for the delivery loop to finish.
	Close()
}

// NewMemoryBus initialises an in-process bus suitable for tests and
// single-instance deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		groups: make(map[Topic]map[string]*memoryGroup),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	groups map[Topic]map[string]*memoryGroup
	buffer int
}

type memoryGroup struct {
	subs []*memorySubscription
	next int
}

func (b *memoryBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return apperrors.Validation("events.publish", err.Error())
	}
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.groups[event.Topic]))
	for _, g := range b.groups[event.Topic] {
		if len(g.subs) == 0 {
			continue
		}
		targets = append(targets, g.subs[g.next%len(g.subs)])
		g.next++
	}
	b.mu.Unlock()
	for _, sub := range targets {
		if err := sub.deliver(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic Topic, group string) (Subscription, error) {
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		group: group,
		ch:    make(chan Event, b.buffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	byGroup, ok := b.groups[topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		b.groups[topic] = byGroup
	}
	g, ok := byGroup[group]
	if !ok {
		g = &memoryGroup{}
		byGroup[group] = g
	}
	g.subs = append(g.subs, sub)
	b.mu.Unlock()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	var all []*memorySubscription
	for _, byGroup := range b.groups {
		for _, g := range byGroup {
			all = append(all, g.subs...)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
	return nil
}

func (b *memoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.groups[sub.topic][sub.group]
	if g == nil {
		return
	}
	for i, s := range g.subs {
		if s == sub {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			break
		}
	}
}

type memorySubscription struct {
	bus   *memoryBus
	topic Topic
	group string

	mu     sync.Mutex
	closed bool
	once   sync.Once
	ch     chan Event
	done   chan struct{}
}

// deliver blocks until the subscriber has room, ctx ends or the
// subscription closes.
func (s *memorySubscription) deliver(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- event:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

// Ack is a no-op; the memory bus does not redeliver.
func (s *memorySubscription) Ack(context.Context, Event) error { return nil }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
