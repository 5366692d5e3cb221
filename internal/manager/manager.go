// Package manager wires a platform backend to the discovery, registry,
// supervisor and event components and exposes them as one facade.
package manager

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/discovery"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/link"
	"github.com/srg/peerlink/internal/registry"
)

// Options configure a Manager.
type Options struct {
	ServiceID   string
	Link        link.Options
	HistorySize uint32 // 0 disables the event history
}

// Manager is the entry point used by the CLI. All methods are safe for
// concurrent use.
type Manager struct {
	platform   device.Platform
	registry   *registry.Registry
	discovery  *discovery.Controller
	supervisor *link.Supervisor
	events     *events.Channel
	history    *events.History
	logger     *logrus.Logger
	closeOnce  sync.Once
}

func New(platform device.Platform, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.ServiceID == "" {
		opts.ServiceID = device.SerialPortServiceID
	}

	var history *events.History
	if opts.HistorySize > 0 {
		history = events.NewHistory(opts.HistorySize)
	}

	ch := events.NewChannel(logger, history)
	reg := registry.New(logger)
	disc := discovery.NewController(platform, platform, reg, ch, logger)
	sup := link.NewSupervisor(platform, disc, ch, opts.ServiceID, opts.Link, logger)

	return &Manager{
		platform:   platform,
		registry:   reg,
		discovery:  disc,
		supervisor: sup,
		events:     ch,
		history:    history,
		logger:     logger,
	}
}

// Events returns the ordered event stream. It is closed after Close once all
// pending events are delivered; the consumer must drain it.
func (m *Manager) Events() <-chan events.Event { return m.events.C() }

// History returns recently delivered events, or nil if disabled.
func (m *Manager) History() *events.History { return m.history }

func (m *Manager) Adapter() device.Adapter { return m.platform }

// StartScan clears peers left from a previous scan (bonded peers survive)
// and starts discovery.
func (m *Manager) StartScan() error {
	if !m.discovery.IsScanning() {
		m.resetUnbonded()
	}
	return m.discovery.StartScan()
}

func (m *Manager) StopScan() error { return m.discovery.StopScan() }

func (m *Manager) IsScanning() bool { return m.discovery.IsScanning() }

// ConnectTo connects to address. The peer is taken from the registry when
// known, so its name travels with the events.
func (m *Manager) ConnectTo(address string) error {
	peer, ok := m.registry.Get(address)
	if !ok {
		peer = device.PeerDevice{Address: device.NormalizeAddress(address)}
	}
	return m.supervisor.ConnectTo(peer)
}

func (m *Manager) Disconnect(address string) error { return m.supervisor.Disconnect(address) }

func (m *Manager) SendTo(address string, p []byte) error { return m.supervisor.SendTo(address, p) }

func (m *Manager) Connections() []link.Snapshot { return m.supervisor.Connections() }

// Devices returns the known peers in first-seen order.
func (m *Manager) Devices() []device.PeerDevice { return m.registry.Devices() }

// Lookup returns the registry entry for address.
func (m *Manager) Lookup(address string) (device.PeerDevice, bool) { return m.registry.Get(address) }

// LoadBonded adds the adapter's bonded peers to the registry.
func (m *Manager) LoadBonded() (int, error) { return m.registry.LoadBonded(m.platform) }

// Close tears down connections, then discovery, then the event stream.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.supervisor.Close()
		if err := m.discovery.Close(); err != nil {
			m.logger.WithField("error", err).Warn("Failed to stop discovery during shutdown")
		}
		m.events.Close()
	})
}

func (m *Manager) resetUnbonded() {
	kept := make([]device.PeerDevice, 0)
	for _, p := range m.registry.Devices() {
		if p.Bonded {
			kept = append(kept, p)
		}
	}
	m.registry.Reset()
	for _, p := range kept {
		m.registry.Upsert(p)
	}
}
