package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Sink receives fire and cue events. Deliver must honour ctx.
type Sink interface {
	Deliver(ctx context.Context, ev types.Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, ev types.Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev types.Event) error {
	return f(ctx, ev)
}

// Sinks delivers to every sink in order and joins their errors
type Sinks []Sink

func (s Sinks) Deliver(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// Broadcaster
// ============================================================================

// ErrBroadcasterClosed is returned by Subscribe after Close
var ErrBroadcasterClosed = errors.New("broadcaster is closed")

// Broadcaster fans events out to subscribers (gRPC fire streams, HUD websockets).
// A subscriber whose buffer is full misses the event; the others are unaffected.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription is one subscriber's view of the broadcast
type Subscription struct {
	id      uint64
	ch      chan types.Event
	b       *Broadcaster
	dropped atomic.Uint64
	once    sync.Once
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber with the given buffer size
func (b *Broadcaster) Subscribe(buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBroadcasterClosed
	}

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan types.Event, buffer), b: b}
	b.subs[sub.id] = sub
	return sub, nil
}

// Deliver implements Sink; it never blocks on a subscriber
func (b *Broadcaster) Deliver(ctx context.Context, ev types.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the current subscriber count
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription; their channels are closed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C is the event channel; it is closed on Close or Unsubscribe
func (s *Subscription) C() <-chan types.Event {
	return s.ch
}

// Dropped counts events missed because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes; safe to call more than once
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
