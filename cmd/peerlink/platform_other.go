//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/platform/goble"
	"github.com/srg/peerlink/pkg/config"
)

const defaultBackend = config.BackendBLE

func openPlatform(backend, _ string, logger *logrus.Logger) (device.Platform, func() error, error) {
	if backend == config.BackendBlueZ {
		return nil, nil, fmt.Errorf("bluez backend on %s: %w", runtime.GOOS, device.ErrUnsupported)
	}
	return goble.New(goble.Options{}, logger), noopClose, nil
}
