package goble

import (
	"fmt"

	"github.com/srg/peerlink/internal/device"
)

// NormalizeError maps go-ble error strings onto the device package errors.
// Messages are matched loosely since the upstream wording differs between
// the darwin and linux implementations.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "is Bluetooth turned on"),
		device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "powered off"):
		return &device.ConnectionError{State: device.AdapterUnavailable, Msg: msg}
	case device.ContainsIgnoreCase(msg, "can't init hci"),
		device.ContainsIgnoreCase(msg, "no devices available"):
		return &device.ConnectionError{State: device.AdapterUnavailable, Msg: msg}
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "device not connected"),
		device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}
