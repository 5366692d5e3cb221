// Package discovery drives scanning: it owns the single subscription to the
// platform's sighting notifier and feeds sightings into the registry.
package discovery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/registry"
)

// State is the scan state of a Controller.
type State int

const (
	Idle State = iota
	Scanning
)

func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

// Controller starts and stops discovery. Start and Stop are idempotent and
// serialized; at most one notifier subscription is active at a time.
type Controller struct {
	adapter  device.Adapter
	notifier device.Notifier
	registry *registry.Registry
	sink     events.Sink
	logger   *logrus.Logger

	opMu sync.Mutex // serializes StartScan/StopScan

	mu    sync.Mutex // guards the fields below; held by the sighting handler
	state State
	gen   uint64
	unsub func()
}

func NewController(adapter device.Adapter, notifier device.Notifier, reg *registry.Registry, sink events.Sink, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		adapter:  adapter,
		notifier: notifier,
		registry: reg,
		sink:     sink,
		logger:   logger,
	}
}

// StartScan begins discovery. It is a no-op while already scanning and
// returns device.ErrAdapterUnavailable if the adapter is off.
func (c *Controller) StartScan() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == Scanning {
		c.mu.Unlock()
		c.logger.Debug("StartScan ignored: already scanning")
		return nil
	}
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if !c.adapter.IsEnabled() {
		return device.ErrAdapterUnavailable
	}

	unsub, err := c.notifier.Subscribe(func(s device.Sighting) {
		c.handleSighting(gen, s)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to sightings: %w", err)
	}

	// Scanning before the platform call so early sightings are not dropped
	c.mu.Lock()
	c.state = Scanning
	c.unsub = unsub
	c.mu.Unlock()

	if err := c.adapter.StartScan(); err != nil {
		c.mu.Lock()
		c.state = Idle
		c.gen++
		c.unsub = nil
		c.mu.Unlock()
		unsub()
		return fmt.Errorf("failed to start scan: %w", err)
	}

	c.logger.Info("Discovery started")
	c.sink.Emit(events.NewScanStarted())
	return nil
}

// StopScan ends discovery. Safe to call in any state; sightings arriving
// after it returns are dropped.
func (c *Controller) StopScan() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	wasScanning := c.state == Scanning
	c.state = Idle
	c.gen++
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	var err error
	if wasScanning || c.adapter.IsScanning() {
		if stopErr := c.adapter.StopScan(); stopErr != nil {
			err = fmt.Errorf("failed to stop scan: %w", stopErr)
		}
	}

	if wasScanning {
		c.logger.Info("Discovery stopped")
		c.sink.Emit(events.NewScanStopped())
	}
	return err
}

// Close stops discovery and releases the subscription.
func (c *Controller) Close() error {
	err := c.StopScan()
	if errors.Is(err, device.ErrAdapterUnavailable) {
		return nil
	}
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsScanning() bool {
	return c.State() == Scanning
}

func (c *Controller) handleSighting(gen uint64, s device.Sighting) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Scanning || c.gen != gen {
		return
	}

	peer := s.Peer()
	if peer.Address == "" {
		return
	}

	stored, added := c.registry.Upsert(peer)
	if added {
		c.logger.WithFields(logrus.Fields{
			"address": stored.Address,
			"name":    stored.Name,
			"rssi":    s.RSSI,
		}).Info("Device found")
	}
	c.sink.Emit(events.NewDeviceFound(stored))
}
