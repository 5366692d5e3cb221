package device

import (
	"context"
	"io"
	"strings"
	"time"
)

// SerialPortServiceID is the well-known Serial Port Profile service UUID.
const SerialPortServiceID = "00001101-0000-1000-8000-00805f9b34fb"

// PeerDevice is the identity of a remote peer. Two values describe the same
// peer when their addresses are equal.
type PeerDevice struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Bonded  bool   `json:"bonded,omitempty"`
}

// Equal reports whether p and other have the same address.
func (p PeerDevice) Equal(other PeerDevice) bool {
	return NormalizeAddress(p.Address) == NormalizeAddress(other.Address)
}

// DisplayName returns the name, or the address when the peer never advertised one.
func (p PeerDevice) DisplayName() string {
	if strings.TrimSpace(p.Name) == "" {
		return p.Address
	}
	return p.Name
}

// Sighting is a single discovery report delivered by a Notifier.
type Sighting struct {
	Address string
	Name    string
	RSSI    int
	Bonded  bool
	Seen    time.Time
}

// Peer converts the sighting into a PeerDevice with a normalized address.
func (s Sighting) Peer() PeerDevice {
	return PeerDevice{
		Address: NormalizeAddress(s.Address),
		Name:    strings.TrimSpace(s.Name),
		Bonded:  s.Bonded,
	}
}

// Adapter controls the local radio.
type Adapter interface {
	IsEnabled() bool
	Enable() error
	Disable() error
	MakeDiscoverable() error
	BondedDevices() ([]PeerDevice, error)
	StartScan() error
	StopScan() error
	IsScanning() bool
}

// Notifier delivers sightings while a scan is running. The returned function
// removes the handler; after it returns the handler is not invoked again.
type Notifier interface {
	Subscribe(handler func(Sighting)) (unsubscribe func(), err error)
}

// Stream is a duplex byte stream to a peer. Read blocks until data arrives;
// (0, io.EOF) ends the stream. Close unblocks a pending Read.
type Stream interface {
	io.ReadWriteCloser
}

// Dialer opens a stream to a peer's service. Open blocks until the handshake
// completes, fails, or ctx is done.
type Dialer interface {
	Open(ctx context.Context, peer PeerDevice, serviceID string) (Stream, error)
}

// Platform bundles the three capabilities a backend provides.
type Platform interface {
	Adapter
	Notifier
	Dialer
}
