// Package registry keeps the deduplicated set of peers seen by discovery or
// reported as bonded by the adapter.
package registry

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// BondedSource lists peers already paired with the local adapter.
type BondedSource interface {
	BondedDevices() ([]device.PeerDevice, error)
}

// Registry holds at most one PeerDevice per address, in first-seen order.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, device.PeerDevice]
	logger  *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices: orderedmap.New[string, device.PeerDevice](),
		logger:  logger,
	}
}

// Upsert records p. An existing entry keeps its position; its name is
// replaced only by a non-empty one, and the bonded flag is sticky.
// Returns the stored value and whether the address was new.
func (r *Registry) Upsert(p device.PeerDevice) (device.PeerDevice, bool) {
	p.Address = device.NormalizeAddress(p.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.devices.Get(p.Address)
	if !ok {
		r.devices.Set(p.Address, p)
		r.logger.WithFields(logrus.Fields{
			"address": p.Address,
			"name":    p.Name,
		}).Debug("Registered new peer")
		return p, true
	}

	if p.Name != "" && p.Name != existing.Name {
		r.logger.WithFields(logrus.Fields{
			"address":  p.Address,
			"old_name": existing.Name,
			"new_name": p.Name,
		}).Debug("Peer name refreshed")
		existing.Name = p.Name
	}
	existing.Bonded = existing.Bonded || p.Bonded
	r.devices.Set(p.Address, existing)
	return existing, false
}

// Get returns the peer stored under address.
func (r *Registry) Get(address string) (device.PeerDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Get(device.NormalizeAddress(address))
}

// Devices returns a snapshot in first-seen order.
func (r *Registry) Devices() []device.PeerDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]device.PeerDevice, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices.Len()
}

// Reset forgets every peer.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = orderedmap.New[string, device.PeerDevice]()
}

// LoadBonded upserts every bonded peer reported by src and returns how many
// were new.
func (r *Registry) LoadBonded(src BondedSource) (int, error) {
	bonded, err := src.BondedDevices()
	if err != nil {
		return 0, fmt.Errorf("failed to list bonded devices: %w", err)
	}

	added := 0
	for _, p := range bonded {
		p.Bonded = true
		if _, isNew := r.Upsert(p); isNew {
			added++
		}
	}

	r.logger.WithFields(logrus.Fields{
		"bonded": len(bonded),
		"added":  added,
	}).Info("Loaded bonded peers")
	return added, nil
}
