package link

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/groutine"
)

// ScanStopper is the part of discovery the Supervisor needs: scanning is
// stopped before every handshake.
type ScanStopper interface {
	StopScan() error
}

type entry struct {
	conn     *Connection
	released chan struct{}   // closed after the connection worker exits
	ended    chan struct{}   // closed after the terminal event was emitted
	after    <-chan struct{} // predecessor's ended; nil if there was none
}

// waitPredecessor blocks until the previous connection to the same address
// has emitted its terminal event.
func (e *entry) waitPredecessor() {
	if e.after != nil {
		<-e.after
	}
}

// Snapshot describes one supervised connection.
type Snapshot struct {
	Peer  device.PeerDevice
	State State
}

// Supervisor owns every Connection, keyed by peer address. An address has
// at most one Connection in Connecting or Open; the entry disappears right
// after the connection's terminal event. A reconnect that arrives while that
// event is being emitted is queued behind it, so a peer's events never
// interleave across connections.
type Supervisor struct {
	dialer    device.Dialer
	scanner   ScanStopper
	sink      events.Sink
	logger    *logrus.Logger
	serviceID string
	opts      Options

	conns   *hashmap.Map[string, *entry]
	entryMu sync.Mutex // serializes replacing and removing entries

	mu     sync.RWMutex // guards closed; ConnectTo holds it for read
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor. scanner may be nil.
func NewSupervisor(dialer device.Dialer, scanner ScanStopper, sink events.Sink, serviceID string, opts Options, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dialer:    dialer,
		scanner:   scanner,
		sink:      sink,
		logger:    logger,
		serviceID: serviceID,
		opts:      opts.withDefaults(),
		conns:     hashmap.New[string, *entry](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ConnectTo starts an asynchronous handshake with peer. The outcome arrives
// as ConnectionOpened or ConnectionFailed. Returns device.ErrAlreadyConnected
// if peer already has a Connecting or Open connection.
func (s *Supervisor) ConnectTo(peer device.PeerDevice) error {
	peer.Address = device.NormalizeAddress(peer.Address)
	addr := peer.Address

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("supervisor: %w", device.ErrClosed)
	}
	if _, live := s.live(addr); live {
		return &device.ConnectionError{State: device.AlreadyConnected, Msg: addr}
	}

	// Not under entryMu: stopping discovery emits ScanStopped.
	if s.scanner != nil {
		if err := s.scanner.StopScan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to stop discovery before connecting")
		}
	}

	conn := NewConnection(peer, s.serviceID, s.dialer, s.sink, s.logger, s.opts)
	e := &entry{conn: conn, released: make(chan struct{}), ended: make(chan struct{})}
	conn.onTerminal = func() {
		s.entryMu.Lock()
		if cur, ok := s.conns.Get(addr); ok && cur == e {
			s.conns.Del(addr)
		}
		s.entryMu.Unlock()
		close(e.ended)
	}

	s.entryMu.Lock()
	prev, ok := s.conns.Get(addr)
	switch {
	case !ok:
		ok = s.conns.Insert(addr, e)
	case prev.conn.ending.Load():
		e.after = prev.ended
		s.conns.Set(addr, e)
	default:
		ok = false
	}
	s.entryMu.Unlock()
	if !ok {
		return &device.ConnectionError{State: device.AlreadyConnected, Msg: addr}
	}
	if e.after != nil {
		s.logger.WithField("address", addr).Debug("Reconnect queued behind the closing connection")
	}

	groutine.GoTracked(s.ctx, &s.wg, "link-"+addr, func(ctx context.Context) {
		defer close(e.released)
		e.waitPredecessor()
		// The handshake goroutine becomes the reader once the link is open
		_ = conn.Run(ctx)
	})
	return nil
}

// live returns the entry for addr unless its connection is already ending.
func (s *Supervisor) live(addr string) (*entry, bool) {
	e, ok := s.conns.Get(addr)
	if !ok || e.conn.ending.Load() {
		return nil, false
	}
	return e, true
}

// Disconnect cancels the connection to address and waits until it is
// released. Returns device.ErrNotConnected if there is none.
func (s *Supervisor) Disconnect(address string) error {
	addr := device.NormalizeAddress(address)

	e, ok := s.conns.Get(addr)
	if !ok {
		return &device.ConnectionError{State: device.NotConnected, Msg: addr}
	}
	if e.conn.ending.Load() {
		// Its terminal event is already out; waiting here could deadlock a
		// sink that disconnects from inside Emit.
		return &device.ConnectionError{State: device.NotConnected, Msg: addr}
	}

	s.logger.WithField("address", addr).Info("Disconnecting")
	e.waitPredecessor()
	e.conn.Cancel()
	<-e.released
	return nil
}

// SendTo writes p to the open connection for address.
func (s *Supervisor) SendTo(address string, p []byte) error {
	addr := device.NormalizeAddress(address)

	e, ok := s.live(addr)
	if !ok || e.conn.State() != Open {
		return &device.ConnectionError{State: device.NotConnected, Msg: addr}
	}
	return e.conn.Send(p)
}

// Connections returns the supervised connections sorted by address.
func (s *Supervisor) Connections() []Snapshot {
	var out []Snapshot
	s.conns.Range(func(_ string, e *entry) bool {
		if !e.conn.ending.Load() {
			out = append(out, Snapshot{Peer: e.conn.Peer(), State: e.conn.State()})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.Address < out[j].Peer.Address })
	return out
}

// Close cancels every connection and waits for all workers to exit. Further
// ConnectTo calls fail.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.conns.Range(func(_ string, e *entry) bool {
		e.waitPredecessor()
		e.conn.Cancel()
		return true
	})
	s.cancel()
	s.wg.Wait()

	s.logger.Debug("Supervisor closed")
}
