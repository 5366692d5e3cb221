//go:build linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/platform/bluez"
	"github.com/srg/peerlink/internal/platform/goble"
	"github.com/srg/peerlink/pkg/config"
)

const defaultBackend = config.BackendBlueZ

func openPlatform(backend, adapterName string, logger *logrus.Logger) (device.Platform, func() error, error) {
	if backend == config.BackendBLE {
		return goble.New(goble.Options{}, logger), noopClose, nil
	}

	b, err := bluez.New(bluez.Options{AdapterName: adapterName}, logger)
	if err != nil {
		return nil, nil, bluez.NormalizeError(err)
	}
	return b, b.Close, nil
}
