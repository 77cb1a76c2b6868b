// Package gateway exposes the session controller over HTTP and streams its
// events to WebSocket clients.
package gateway

import (
	"sync"
	"time"

	"github.com/chaz8081/bluescan/internal/bt"
)

const subscriberBuffer = 64

type subscriber struct {
	ch chan bt.Event
}

// Bus fans controller events out to every subscriber. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. The returned func unregisters it and
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan bt.Event, func()) {
	s := &subscriber{ch: make(chan bt.Event, subscriberBuffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Publish delivers e to all current subscribers.
func (b *Bus) Publish(e bt.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
