//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// newPlatformDevice opens the first HCI controller. It needs CAP_NET_ADMIN
// and bluetoothd must not hold the controller.
func newPlatformDevice() (ble.Device, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, err
	}
	return d, nil
}
