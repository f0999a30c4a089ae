// Package ringchan provides a bounded channel with overwrite-oldest
// semantics, used to hand advertisements from the BLE scan goroutine to the
// control loop without ever blocking the scanner.
package ringchan

import "sync/atomic"

// Ring wraps a buffered channel. Producers never block: when the buffer is
// full the oldest element is discarded. Readers consume via C() or
// TryReceive().
type Ring[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts an item, discarding the oldest buffered element if full.
// Returns true if an element was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	select {
	case r.ch <- v:
		return false
	default:
	}
	// Full: drop one, then insert. A concurrent reader may have drained the
	// buffer between the two selects, in which case nothing is dropped.
	dropped := false
	select {
	case <-r.ch:
		r.dropped.Add(1)
		dropped = true
	default:
	}
	r.ch <- v
	return dropped
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Dropped returns the number of elements discarded by Send.
func (r *Ring[T]) Dropped() int64 {
	return r.dropped.Load()
}

// Close closes the underlying channel. Send panics after Close.
func (r *Ring[T]) Close() {
	close(r.ch)
}
