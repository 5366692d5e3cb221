package events

import (
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// History keeps the most recent events in a fixed-size ring; the oldest
// entries are overwritten when it is full.
type History struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	recorded    int64
	overwritten int64
}

// NewHistory creates a History holding roughly size events. The ring may
// round the capacity up.
func NewHistory(size uint32) *History {
	if size == 0 {
		size = 1
	}
	return &History{buffer: mpmc.NewOverlappedRingBuffer[Event](size)}
}

// Record appends e, overwriting the oldest event if the ring is full.
func (h *History) Record(e Event) {
	overwrites, err := h.buffer.EnqueueM(e)
	if err != nil {
		return
	}
	atomic.AddInt64(&h.recorded, 1)
	atomic.AddInt64(&h.overwritten, int64(overwrites))
}

// Drain removes and returns the retained events, oldest first.
func (h *History) Drain() []Event {
	var out []Event
	for !h.buffer.IsEmpty() {
		e, err := h.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}

// Recorded returns how many events were ever recorded.
func (h *History) Recorded() int64 {
	return atomic.LoadInt64(&h.recorded)
}

// Overwritten returns how many events were lost to overflow.
func (h *History) Overwritten() int64 {
	return atomic.LoadInt64(&h.overwritten)
}
