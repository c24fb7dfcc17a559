// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package bus is a small in-process pub/sub used to fan worker events out
// to the session manager and any external subscribers.
package bus

import (
	"context"
	"errors"
	"sync"
)

// Bus is the process-wide event bus.
type Bus interface {
	Publish(ctx context.Context, topic string, event any) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is one subscriber's view of a topic.
type Subscription interface {
	C() <-chan any
	Close() error
}

// ErrClosed is returned by Publish after the bus has shut down.
var ErrClosed = errors.New("bus closed")

// subscriberBuffer bounds each subscriber channel. A slow subscriber
// drops events rather than stalling workers.
const subscriberBuffer = 256

// MemoryBus is the single-process Bus implementation.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string][]*memorySub
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan any
	once  sync.Once
}

func (s *memorySub) C() <-chan any { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}

// Publish delivers the event to every subscriber of the topic without
// blocking. Full subscriber buffers drop the event.
func (b *MemoryBus) Publish(_ context.Context, topic string, event any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber for the topic.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, topic: topic, ch: make(chan any, subscriberBuffer)}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Close shuts the bus down and closes all subscriber channels. Channels
// are closed outside the lock so a concurrent Subscription.Close cannot
// deadlock against it.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (b *MemoryBus) remove(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
