// Package events delivers overlay events to subscribers asynchronously and
// in publish order, so a subscriber may call back into the publisher.
package events

import (
	"sync"

	"imagery-timeloop/internal/overlay"
)

// Handler receives events.
type Handler func(overlay.Event)

// Bus fans events out to subscribers from a single dispatcher goroutine.
// Publish never blocks: events queue until the dispatcher takes them.
type Bus struct {
	mu       sync.Mutex
	handlers []subscription
	nextID   int
	queue    []overlay.Event
	signal   chan struct{}
	closed   bool
	done     chan struct{}
}

type subscription struct {
	id int
	h  Handler
}

// NewBus starts a bus.
func NewBus() *Bus {
	b := &Bus{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.handlers {
				if s.id == id {
					b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues ev for delivery. Events published after Close are dropped.
func (b *Bus) Publish(ev overlay.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// Close delivers the events already queued and stops the dispatcher. It
// must not be called from a handler.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.signal)
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for range b.signal {
		b.drain()
	}
	b.drain()
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		subs := b.handlers
		b.mu.Unlock()

		for _, s := range subs {
			s.h(ev)
		}
	}
}
