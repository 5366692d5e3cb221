// Package link manages outbound peer connections: a Connection runs one
// handshake and then pumps its stream into events; the Supervisor keys live
// connections by peer address.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/groutine"
)

// State is the lifecycle state of a Connection. It only moves forward:
// Connecting → Open → Closed, or Connecting → Closed.
type State int

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultReadBufferSize   = 1024
)

// Options tune a Connection. Zero values fall back to the defaults.
type Options struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	return o
}

var errHandshakeStarted = errors.New("handshake already started")

// Connection is a single outbound connection attempt and, once open, its
// duplex stream. It emits exactly one terminal event: ConnectionFailed if
// the handshake never produced a stream, ConnectionClosed otherwise.
type Connection struct {
	peer      device.PeerDevice
	serviceID string
	dialer    device.Dialer
	sink      events.Sink
	logger    *logrus.Logger
	opts      Options

	// onTerminal runs once, under mu, right after the terminal event.
	onTerminal func()
	// ending is set just before the terminal event is emitted.
	ending atomic.Bool

	mu         sync.Mutex
	state      State
	started    bool
	cancelled  bool
	closing    bool
	cancelDial context.CancelFunc
	stream     device.Stream
	failErr    error

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewConnection(peer device.PeerDevice, serviceID string, dialer device.Dialer, sink events.Sink, logger *logrus.Logger, opts Options) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	peer.Address = device.NormalizeAddress(peer.Address)
	return &Connection{
		peer:      peer,
		serviceID: serviceID,
		dialer:    dialer,
		sink:      sink,
		logger:    logger,
		opts:      opts.withDefaults(),
		state:     Connecting,
		done:      make(chan struct{}),
	}
}

func (c *Connection) Peer() device.PeerDevice { return c.peer }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection reached Closed and its terminal event
// was emitted.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the handshake failure, or nil if the connection opened.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// Connect runs the handshake, bounded by ctx and the handshake timeout. On
// success the reader is started and Connect returns nil; on failure it
// returns a *device.ConnectFailedError. Connect (or Run) may be called only
// once.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}
	groutine.Go(context.Background(), "link-reader-"+c.peer.Address, func(_ context.Context) {
		c.readLoop()
	})
	return nil
}

// Run is Connect with the reader on the calling goroutine. It returns the
// handshake error, or nil once an open connection has reached Closed.
func (c *Connection) Run(ctx context.Context) error {
	if err := c.handshake(ctx); err != nil {
		return err
	}
	c.readLoop()
	return nil
}

func (c *Connection) handshake(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed && c.failErr != nil {
		err := c.failErr
		c.mu.Unlock()
		return err
	}
	if c.started {
		c.mu.Unlock()
		return errHandshakeStarted
	}
	c.started = true
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{
		"address":    c.peer.Address,
		"service_id": c.serviceID,
	})
	log.Info("Connecting...")

	stream, err := c.dialer.Open(dialCtx, c.peer, c.serviceID)
	if err == nil && stream == nil {
		err = errors.New("dialer returned no stream")
	}

	var orphan device.Stream

	c.mu.Lock()
	if err == nil && c.cancelled {
		orphan = stream
		err = context.Canceled
	}
	if err != nil {
		reason := c.failureReason(dialCtx, err)
		failErr := &device.ConnectFailedError{Address: c.peer.Address, Reason: reason, Err: err}
		c.state = Closed
		c.failErr = failErr
		c.terminal(events.NewConnectionFailed(c.peer.Address, reason, err))
		c.mu.Unlock()

		if orphan != nil {
			_ = orphan.Close()
		}

		log.WithFields(logrus.Fields{
			"reason": reason.String(),
			"error":  err,
		}).Warn("Connection failed")
		close(c.done)
		return failErr
	}

	c.stream = stream
	c.state = Open
	c.sink.Emit(events.NewConnectionOpened(c.peer.Address))
	c.mu.Unlock()

	log.Info("Connection opened")
	return nil
}

// failureReason must be called with mu held.
func (c *Connection) failureReason(dialCtx context.Context, err error) device.FailureReason {
	switch {
	case c.cancelled && errors.Is(err, context.Canceled):
		return device.ReasonRefused
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
		return device.ReasonTimeout
	default:
		return device.ClassifyConnectError(err)
	}
}

// Send writes p to the stream. It fails with device.ErrNotConnected unless
// the connection is Open; a write failure closes the connection and is
// reported as device.ErrIO.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	if c.state != Open || c.closing {
		c.mu.Unlock()
		return &device.ConnectionError{State: device.NotConnected, Msg: c.peer.Address}
	}
	stream := c.stream
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := stream.Write(p)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.peer.Address,
			"error":   err,
		}).Warn("Write failed, closing connection")
		c.closeStream()
		return fmt.Errorf("%w: write to %s: %v", device.ErrIO, c.peer.Address, err)
	}

	c.logger.WithFields(logrus.Fields{
		"address": c.peer.Address,
		"bytes":   len(p),
	}).Debug("Sent")
	return nil
}

// Cancel aborts the connection from any state. It never blocks on the
// handshake or the reader; wait on Done for the terminal event.
func (c *Connection) Cancel() {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()

	case Connecting:
		if c.cancelled {
			c.mu.Unlock()
			return
		}
		c.cancelled = true
		if c.started {
			cancel := c.cancelDial
			c.mu.Unlock()
			cancel()
			return
		}

		// The handshake never ran, so nobody else will finish this connection
		failErr := &device.ConnectFailedError{Address: c.peer.Address, Reason: device.ReasonRefused, Err: context.Canceled}
		c.state = Closed
		c.failErr = failErr
		c.terminal(events.NewConnectionFailed(c.peer.Address, device.ReasonRefused, context.Canceled))
		c.mu.Unlock()
		close(c.done)

	case Open:
		c.mu.Unlock()
		c.logger.WithField("address", c.peer.Address).Debug("Closing connection")
		c.closeStream()
	}
}

func (c *Connection) readLoop() {
	defer c.finish()

	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			c.deliver(payload)
		}

		if err != nil {
			c.logReadEnd(err)
			c.closeStream()
			return
		}
		if n == 0 {
			c.logger.WithField("address", c.peer.Address).Debug("Zero-length read, closing connection")
			c.closeStream()
			return
		}
	}
}

func (c *Connection) deliver(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"address": c.peer.Address,
		"bytes":   len(payload),
	}).Debug("Received")
	c.sink.Emit(events.NewMessageReceived(c.peer.Address, payload))
}

func (c *Connection) logReadEnd(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()

	log := c.logger.WithField("address", c.peer.Address)
	switch {
	case closing:
		log.Debug("Reader stopped: connection closed locally")
	case errors.Is(err, io.EOF):
		log.Info("Remote closed the connection")
	default:
		log.WithField("error", err).Warn("Read failed, closing connection")
	}
}

// finish moves an open connection to Closed. Only the reader calls it.
func (c *Connection) finish() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.terminal(events.NewConnectionClosed(c.peer.Address))
	c.mu.Unlock()

	c.logger.WithField("address", c.peer.Address).Info("Connection closed")
	close(c.done)
}

// terminal must be called with mu held.
func (c *Connection) terminal(e events.Event) {
	c.ending.Store(true)
	c.sink.Emit(e)
	if c.onTerminal != nil {
		c.onTerminal()
	}
}

func (c *Connection) closeStream() {
	c.mu.Lock()
	c.closing = true
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	c.closeOnce.Do(func() {
		if err := stream.Close(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": c.peer.Address,
				"error":   err,
			}).Debug("Stream close returned an error")
		}
	})
}
