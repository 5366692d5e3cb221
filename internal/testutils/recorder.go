package testutils

import (
	"sync"
	"time"

	"github.com/srg/peerlink/internal/events"
)

// EventRecorder is an events.Sink that keeps everything it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
	signal chan struct{}
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{signal: make(chan struct{}, 1)}
}

func (r *EventRecorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Events returns a snapshot of everything recorded so far.
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfKind returns the recorded events of the given kinds, in order.
func (r *EventRecorder) OfKind(kinds ...events.Kind) []events.Event {
	var out []events.Event
	for _, e := range r.Events() {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// WaitFor blocks until an event matching pred is recorded or timeout elapses.
func (r *EventRecorder) WaitFor(timeout time.Duration, pred func(events.Event) bool) (events.Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		for _, e := range r.Events() {
			if pred(e) {
				return e, true
			}
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return events.Event{}, false
		}
	}
}

// WaitForKind waits for an event of kind k for address (any address if empty).
func (r *EventRecorder) WaitForKind(timeout time.Duration, k events.Kind, address string) (events.Event, bool) {
	return r.WaitFor(timeout, func(e events.Event) bool {
		return e.Kind == k && (address == "" || e.Address == address)
	})
}
