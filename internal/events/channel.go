package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/groutine"
)

// Channel is an unbounded, ordered mailbox in front of a Go channel.
//
// Producers call Emit and never block, whatever the consumer is doing. A
// single dispatcher goroutine moves queued events, in Emit order, to the
// channel returned by C. After Close, queued events are still delivered and
// then C is closed; events emitted after Close are dropped.
//
// The consumer must keep reading C until it is closed, otherwise the
// dispatcher stays parked on the send.
type Channel struct {
	mu      sync.Mutex
	queue   []Event
	closed  bool
	notify  chan struct{}
	out     chan Event
	done    chan struct{}
	history *History
	logger  *logrus.Logger
}

// NewChannel creates a Channel and starts its dispatcher. history may be nil.
func NewChannel(logger *logrus.Logger, history *History) *Channel {
	if logger == nil {
		logger = logrus.New()
	}

	c := &Channel{
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
		history: history,
		logger:  logger,
	}

	groutine.Go(context.Background(), "event-dispatcher", func(_ context.Context) {
		c.dispatch()
	})

	return c
}

// C returns the consumer side. It is closed after Close once the backlog has
// been delivered.
func (c *Channel) C() <-chan Event {
	return c.out
}

// Done is closed when the dispatcher has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Emit queues e for delivery. It never blocks.
func (c *Channel) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.WithField("event", e.Kind.String()).Debug("Event dropped: channel closed")
		return
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	c.wake()
}

// Pending returns the number of events queued but not yet handed to the consumer.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close stops accepting events. It does not wait for the backlog to drain;
// use Done for that.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.wake()
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatch() {
	defer close(c.done)
	defer close(c.out)

	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, e := range batch {
			if c.history != nil {
				c.history.Record(e)
			}
			c.out <- e
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-c.notify
		}
	}
}
