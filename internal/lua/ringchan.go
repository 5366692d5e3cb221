package lua

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Script output uses it so a chatty script cannot stall message
// handling when nobody reads the output.
//
//	rc := NewRingChannel[OutputRecord](3)
//	for i := 0; i < 10; i++ {
//	    rc.Send(rec) // only the last 3 survive
//	}
type RingChannel[T any] struct {
	ch          chan T
	written     int64
	overwritten int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Reports whether something was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.written, 1)
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.overwritten, 1)
			dropped = true
		default:
		}
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Overwritten returns how many elements were discarded.
func (rc *RingChannel[T]) Overwritten() int64 {
	return atomic.LoadInt64(&rc.overwritten)
}

// Written returns how many elements were accepted.
func (rc *RingChannel[T]) Written() int64 {
	return atomic.LoadInt64(&rc.written)
}
