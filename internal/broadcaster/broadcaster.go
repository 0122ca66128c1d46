// Package broadcaster implements a bounded multi-subscriber fan-out
// channel: a reusable type shared by the session event log and the PTY
// byte-stream fan-out, both of which need the same "bounded queue per
// subscriber, drop-not-block on publish" behavior.
package broadcaster

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity is the default number of concurrent subscribers a
// Broadcaster will accept.
const DefaultCapacity = 256

// DefaultQueueSize is the default per-subscriber buffered channel size.
const DefaultQueueSize = 256

// Broadcaster fans a stream of T out to many subscribers. Publish never
// blocks: a subscriber whose queue is full is dropped and notified via its
// Overflowed channel instead of stalling the publisher.
type Broadcaster[T any] struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription[T]
	capacity  int
	queueSize int
}

// Subscription is a live subscriber's receive side.
type Subscription[T any] struct {
	ID         string
	ch         chan T
	overflowed chan struct{}
	once       sync.Once
}

// C returns the channel of published values.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Overflowed returns a channel that is closed if this subscriber was
// dropped for falling behind.
func (s *Subscription[T]) Overflowed() <-chan struct{} { return s.overflowed }

func (s *Subscription[T]) markOverflowed() {
	s.once.Do(func() { close(s.overflowed) })
}

// New creates a Broadcaster with the default capacity and queue size.
func New[T any]() *Broadcaster[T] {
	return NewWithCapacity[T](DefaultCapacity, DefaultQueueSize)
}

// NewWithCapacity creates a Broadcaster accepting at most capacity
// concurrent subscribers, each with a queue of the given size.
func NewWithCapacity[T any](capacity, queueSize int) *Broadcaster[T] {
	return &Broadcaster[T]{
		subs:      make(map[string]*Subscription[T]),
		capacity:  capacity,
		queueSize: queueSize,
	}
}

// ErrAtCapacity is returned by Add when the broadcaster already holds
// `capacity` subscribers.
type ErrAtCapacity struct{ Capacity int }

func (e *ErrAtCapacity) Error() string {
	return "broadcaster: at capacity"
}

// Add registers a new subscriber and returns its Subscription. Fails with
// *ErrAtCapacity once `capacity` subscribers are already registered.
func (b *Broadcaster[T]) Add() (*Subscription[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs) >= b.capacity {
		return nil, &ErrAtCapacity{Capacity: b.capacity}
	}

	sub := &Subscription[T]{
		ID:         uuid.New().String(),
		ch:         make(chan T, b.queueSize),
		overflowed: make(chan struct{}),
	}
	b.subs[sub.ID] = sub
	return sub, nil
}

// Remove unregisters a subscriber, freeing its slot. Safe to call more than
// once or with an unknown ID.
func (b *Broadcaster[T]) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish delivers v to every live subscriber without blocking. A
// subscriber whose queue is full is dropped and its Overflowed channel is
// closed; other subscribers are unaffected.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			sub.markOverflowed()
			close(sub.ch)
			delete(b.subs, id)
		}
	}
}

// Count returns the current number of live subscribers.
func (b *Broadcaster[T]) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CloseAll closes every subscriber's channel without marking them
// overflowed, used when the broadcaster itself is being torn down (e.g. a
// session is terminated).
func (b *Broadcaster[T]) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
