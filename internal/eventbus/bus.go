// Package eventbus is the in-process publish/subscribe bus features use to
// talk to each other.
//
// Events are a tagged union: every event type reports its Kind, and the bus
// dispatches on that tag only. Delivery is synchronous on the publisher's
// goroutine, in subscription order.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags an event variant.
type Kind string

// Event is implemented by every payload published on the bus. Kind must not
// depend on the receiver's value, so a zero value reports the same kind.
type Event interface {
	Kind() Kind
}

type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id uint64
	h  Handler
}

type Bus struct {
	mu sync.RWMutex
	// Each slice is replaced, never mutated, so a snapshot stays valid
	// after the lock is released.
	subs map[Kind][]subscription
	seq  atomic.Uint64

	tapMu sync.RWMutex
	taps  map[uint64]chan Signal
}

func New() *Bus {
	return &Bus{
		subs: map[Kind][]subscription{},
		taps: map[uint64]chan Signal{},
	}
}

// Subscribe registers h for events of the given kind.
// The returned func removes the subscription; calling it twice is a no-op.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	cur := b.subs[kind]
	next := make([]subscription, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[kind] = append(next, subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(kind, id) })
	}
}

func (b *Bus) remove(kind Kind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.subs[kind]
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(b.subs, kind)
		return
	}
	b.subs[kind] = next
}

// Subscribers returns the number of subscriptions for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Publish delivers ev to every subscriber of ev.Kind(), in subscription order,
// on the calling goroutine. Handlers may publish again.
// The first handler error stops delivery and is returned.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev == nil {
		return nil
	}
	kind := ev.Kind()

	b.mu.RLock()
	subs := b.subs[kind]
	b.mu.RUnlock()

	var err error
	for _, s := range subs {
		if herr := s.h(ctx, ev); herr != nil {
			err = fmt.Errorf("%s: %w", kind, herr)
			break
		}
	}
	b.Notify(Signal{Type: SignalPublish, Data: PublishInfo{Kind: kind, Subscribers: len(subs), Err: err}})
	return err
}

// On subscribes a handler typed to one event variant.
func On[E Event](b *Bus, fn func(ctx context.Context, ev E) error) func() {
	var zero E
	kind := zero.Kind()
	return b.Subscribe(kind, func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return fmt.Errorf("eventbus: %T published as %q", ev, kind)
		}
		return fn(ctx, e)
	})
}

// PublishInfo is the Data of a SignalPublish signal.
type PublishInfo struct {
	Kind        Kind
	Subscribers int
	Err         error
}

const SignalPublish = "bus.publish"

// Signal is a lightweight, in-memory notification used for observability.
//
// Contract:
//   - Notify MUST be non-blocking.
//   - Taps MUST use buffered channels.
//   - Slow taps may drop signals (bounded backpressure).
type Signal struct {
	Type string
	Time time.Time
	Data any
}

// Notify fans s out to every tap without blocking.
func (b *Bus) Notify(s Signal) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	b.tapMu.RLock()
	defer b.tapMu.RUnlock()
	for _, ch := range b.taps {
		select {
		case ch <- s:
		default:
		}
	}
}

// Tap returns a channel receiving every Signal until cancel is called.
func (b *Bus) Tap(buffer int) (<-chan Signal, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Signal, buffer)
	id := b.seq.Add(1)

	b.tapMu.Lock()
	b.taps[id] = ch
	b.tapMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.tapMu.Lock()
			delete(b.taps, id)
			b.tapMu.Unlock()
			// Notify sends under the read lock, so closing here is safe.
			close(ch)
		})
	}
	return ch, cancel
}
