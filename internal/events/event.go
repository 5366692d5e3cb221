// Package events carries discovery and connection notifications from the
// core to a single consumer, in the order they were produced.
package events

import (
	"fmt"
	"time"

	"github.com/srg/peerlink/internal/device"
)

// Kind identifies the variant of an Event.
type Kind int

const (
	DeviceFound Kind = iota
	MessageReceived
	ConnectionOpened
	ConnectionFailed
	ConnectionClosed
	ScanStarted
	ScanStopped
)

func (k Kind) String() string {
	switch k {
	case DeviceFound:
		return "device_found"
	case MessageReceived:
		return "message_received"
	case ConnectionOpened:
		return "connection_opened"
	case ConnectionFailed:
		return "connection_failed"
	case ConnectionClosed:
		return "connection_closed"
	case ScanStarted:
		return "scan_started"
	case ScanStopped:
		return "scan_stopped"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a tagged union; which fields are set depends on Kind.
//
//	DeviceFound       Device
//	MessageReceived   Address, Payload
//	ConnectionOpened  Address
//	ConnectionFailed  Address, Reason, Err
//	ConnectionClosed  Address
type Event struct {
	Kind    Kind
	Time    time.Time
	Device  device.PeerDevice
	Address string
	Payload []byte
	Reason  device.FailureReason
	Err     error
}

// Sink accepts events. Emit must not block the caller.
type Sink interface {
	Emit(Event)
}

func NewDeviceFound(p device.PeerDevice) Event {
	return Event{Kind: DeviceFound, Time: time.Now(), Device: p, Address: p.Address}
}

// NewMessageReceived takes ownership of payload.
func NewMessageReceived(address string, payload []byte) Event {
	return Event{Kind: MessageReceived, Time: time.Now(), Address: address, Payload: payload}
}

func NewConnectionOpened(address string) Event {
	return Event{Kind: ConnectionOpened, Time: time.Now(), Address: address}
}

func NewConnectionFailed(address string, reason device.FailureReason, err error) Event {
	return Event{Kind: ConnectionFailed, Time: time.Now(), Address: address, Reason: reason, Err: err}
}

func NewConnectionClosed(address string) Event {
	return Event{Kind: ConnectionClosed, Time: time.Now(), Address: address}
}

func NewScanStarted() Event { return Event{Kind: ScanStarted, Time: time.Now()} }

func NewScanStopped() Event { return Event{Kind: ScanStopped, Time: time.Now()} }

func (e Event) String() string {
	switch e.Kind {
	case DeviceFound:
		return fmt.Sprintf("%s %s %q", e.Kind, e.Device.Address, e.Device.Name)
	case MessageReceived:
		return fmt.Sprintf("%s %s %q", e.Kind, e.Address, e.Payload)
	case ConnectionFailed:
		if e.Err != nil {
			return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Address, e.Reason, e.Err)
		}
		return fmt.Sprintf("%s %s %s", e.Kind, e.Address, e.Reason)
	case ConnectionOpened, ConnectionClosed:
		return fmt.Sprintf("%s %s", e.Kind, e.Address)
	default:
		return e.Kind.String()
	}
}
