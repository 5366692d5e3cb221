package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/peerlink/internal/device"
)

// FakeAdapter is an in-memory device.Adapter.
type FakeAdapter struct {
	mu           sync.Mutex
	enabled      bool
	discoverable bool
	scanning     bool
	bonded       []device.PeerDevice
	startScanErr error

	StartScanCalls int
	StopScanCalls  int
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{enabled: true}
}

func (a *FakeAdapter) SetEnabled(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = v
}

func (a *FakeAdapter) SetBonded(peers ...device.PeerDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bonded = peers
}

func (a *FakeAdapter) FailStartScan(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startScanErr = err
}

func (a *FakeAdapter) IsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *FakeAdapter) Enable() error {
	a.SetEnabled(true)
	return nil
}

func (a *FakeAdapter) Disable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	a.scanning = false
	return nil
}

func (a *FakeAdapter) MakeDiscoverable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return device.ErrAdapterUnavailable
	}
	a.discoverable = true
	return nil
}

func (a *FakeAdapter) IsDiscoverable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discoverable
}

func (a *FakeAdapter) BondedDevices() ([]device.PeerDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil, device.ErrAdapterUnavailable
	}
	return append([]device.PeerDevice(nil), a.bonded...), nil
}

func (a *FakeAdapter) StartScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StartScanCalls++
	if a.startScanErr != nil {
		return a.startScanErr
	}
	a.scanning = true
	return nil
}

func (a *FakeAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.StopScanCalls++
	a.scanning = false
	return nil
}

func (a *FakeAdapter) IsScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Counts returns StartScanCalls and StopScanCalls under the lock.
func (a *FakeAdapter) Counts() (start, stop int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.StartScanCalls, a.StopScanCalls
}

// FakeNotifier is an in-memory device.Notifier. Sight delivers a sighting to
// every active handler synchronously.
type FakeNotifier struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(device.Sighting)
	subErr   error

	SubscribeCalls int
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{handlers: make(map[int]func(device.Sighting))}
}

func (n *FakeNotifier) FailSubscribe(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subErr = err
}

func (n *FakeNotifier) Subscribe(handler func(device.Sighting)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.SubscribeCalls++
	if n.subErr != nil {
		return nil, n.subErr
	}

	id := n.nextID
	n.nextID++
	n.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.handlers, id)
		})
	}, nil
}

// Sight delivers s to the active handlers.
func (n *FakeNotifier) Sight(s device.Sighting) {
	n.mu.Lock()
	handlers := make([]func(device.Sighting), 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}

// Active returns the number of live subscriptions.
func (n *FakeNotifier) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.handlers)
}

// DialGate holds a FakeDialer.Open call until Release.
type DialGate struct {
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
	entered sync.Once
}

func (g *DialGate) Release() {
	g.once.Do(func() { close(g.release) })
}

// FakeDialer is an in-memory device.Dialer scripted per address.
type FakeDialer struct {
	mu      sync.Mutex
	streams map[string]*FakeStream
	errs    map[string]error
	gates   map[string]*DialGate
	calls   map[string]int
}

// ErrNoRoute is returned by FakeDialer.Open for unscripted addresses.
var ErrNoRoute = errors.New("connection refused")

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		streams: make(map[string]*FakeStream),
		errs:    make(map[string]error),
		gates:   make(map[string]*DialGate),
		calls:   make(map[string]int),
	}
}

// Serve makes Open(address) succeed with s.
func (d *FakeDialer) Serve(address string, s *FakeStream) *FakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[address] = s
	delete(d.errs, address)
	return d
}

// Fail makes Open(address) return err.
func (d *FakeDialer) Fail(address string, err error) *FakeDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[address] = err
	return d
}

// Block makes Open(address) wait until the gate is released or ctx is done.
func (d *FakeDialer) Block(address string) *DialGate {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := &DialGate{Entered: make(chan struct{}), release: make(chan struct{})}
	d.gates[address] = g
	return g
}

func (d *FakeDialer) Open(ctx context.Context, peer device.PeerDevice, _ string) (device.Stream, error) {
	d.mu.Lock()
	d.calls[peer.Address]++
	gate := d.gates[peer.Address]
	d.mu.Unlock()

	if gate != nil {
		gate.entered.Do(func() { close(gate.Entered) })
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err, ok := d.errs[peer.Address]; ok {
		return nil, err
	}
	if s, ok := d.streams[peer.Address]; ok {
		return s, nil
	}
	return nil, ErrNoRoute
}

// Calls returns how many times Open was invoked for address.
func (d *FakeDialer) Calls(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[address]
}

// FakePlatform bundles the fakes into a device.Platform.
type FakePlatform struct {
	*FakeAdapter
	*FakeNotifier
	*FakeDialer
}

func NewFakePlatform() *FakePlatform {
	return &FakePlatform{
		FakeAdapter:  NewFakeAdapter(),
		FakeNotifier: NewFakeNotifier(),
		FakeDialer:   NewFakeDialer(),
	}
}
