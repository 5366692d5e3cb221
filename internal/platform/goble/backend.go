// Package goble is the Bluetooth Low Energy backend built on go-ble. BLE has
// no RFCOMM, so a "serial port" is a GATT service with one notify
// characteristic (peer to us) and one write characteristic (us to peer),
// the layout used by the Nordic UART Service.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/groutine"
)

const (
	// Nordic UART Service
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // written by the central
	NUSTXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notified by the peripheral

	DefaultWriteChunkSize = 20
	DefaultInboundBuffer  = 16 * 1024
)

// Central is the part of ble.Device the backend uses.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// DeviceFactory creates the platform HCI/CoreBluetooth device. Tests replace it.
var DeviceFactory = func() (Central, error) {
	return newPlatformDevice()
}

type Options struct {
	WriteChunkSize int
	InboundBuffer  int
}

// Backend implements device.Platform. Radio power and bonding are owned by
// the OS on every go-ble platform, so those Adapter operations report
// device.ErrUnsupported.
type Backend struct {
	opts   Options
	logger *logrus.Logger

	devMu sync.Mutex
	dev   Central

	handlersMu sync.RWMutex
	handlers   map[uint64]func(device.Sighting)
	nextID     uint64

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

func New(opts Options, logger *logrus.Logger) *Backend {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WriteChunkSize <= 0 {
		opts.WriteChunkSize = DefaultWriteChunkSize
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = DefaultInboundBuffer
	}
	return &Backend{
		opts:     opts,
		logger:   logger,
		handlers: make(map[uint64]func(device.Sighting)),
	}
}

// central lazily creates the device. CoreBluetooth refuses to create one
// while Bluetooth is off, so the error is not cached.
func (b *Backend) central() (Central, error) {
	b.devMu.Lock()
	defer b.devMu.Unlock()
	if b.dev != nil {
		return b.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	b.dev = dev
	return dev, nil
}

// Adapter

func (b *Backend) IsEnabled() bool {
	_, err := b.central()
	return err == nil
}

func (b *Backend) Enable() error {
	return fmt.Errorf("turning Bluetooth on is handled by the OS: %w", device.ErrUnsupported)
}

func (b *Backend) Disable() error {
	return fmt.Errorf("turning Bluetooth off is handled by the OS: %w", device.ErrUnsupported)
}

func (b *Backend) MakeDiscoverable() error {
	return fmt.Errorf("BLE central cannot advertise: %w", device.ErrUnsupported)
}

func (b *Backend) BondedDevices() ([]device.PeerDevice, error) {
	return nil, fmt.Errorf("bonded device list is not exposed over BLE: %w", device.ErrUnsupported)
}

func (b *Backend) StartScan() error {
	dev, err := b.central()
	if err != nil {
		return err
	}

	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	if b.scanCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.scanCancel, b.scanDone = cancel, done

	groutine.Go(ctx, "ble-scan", func(ctx context.Context) {
		defer close(done)
		err := dev.Scan(ctx, true, func(a ble.Advertisement) {
			if s, ok := sightingFromAdvertisement(a, time.Now()); ok {
				b.deliver(s)
			}
		})
		if err != nil && ctx.Err() == nil {
			b.logger.WithError(NormalizeError(err)).Warn("BLE scan ended")
		}
	})

	b.logger.Debug("BLE scan started")
	return nil
}

func (b *Backend) StopScan() error {
	b.scanMu.Lock()
	cancel, done := b.scanCancel, b.scanDone
	b.scanCancel, b.scanDone = nil, nil
	b.scanMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	b.logger.Debug("BLE scan stopped")
	return nil
}

func (b *Backend) IsScanning() bool {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	return b.scanCancel != nil
}

// Notifier

func (b *Backend) Subscribe(handler func(device.Sighting)) (func(), error) {
	b.handlersMu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.handlersMu.Lock()
			delete(b.handlers, id)
			b.handlersMu.Unlock()
		})
	}, nil
}

func (b *Backend) deliver(s device.Sighting) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	for _, h := range b.handlers {
		h(s)
	}
}

// advertisement is the subset of ble.Advertisement needed for a sighting.
type advertisement interface {
	LocalName() string
	RSSI() int
	Addr() ble.Addr
}

func sightingFromAdvertisement(a advertisement, now time.Time) (device.Sighting, bool) {
	if a == nil || a.Addr() == nil {
		return device.Sighting{}, false
	}
	addr := strings.TrimSpace(a.Addr().String())
	if addr == "" {
		return device.Sighting{}, false
	}
	return device.Sighting{
		Address: addr,
		Name:    a.LocalName(),
		RSSI:    a.RSSI(),
		Seen:    now,
	}, true
}

// Dialer

// Open dials peer and attaches to the serial-like GATT service. The Serial
// Port Profile ID maps to the Nordic UART Service.
func (b *Backend) Open(ctx context.Context, peer device.PeerDevice, serviceID string) (device.Stream, error) {
	dev, err := b.central()
	if err != nil {
		return nil, err
	}

	svcUUID, err := gattServiceFor(serviceID)
	if err != nil {
		return nil, err
	}

	logger := b.logger.WithFields(logrus.Fields{"address": peer.Address, "service": svcUUID})
	logger.Debug("Dialing BLE peer")

	client, err := dev.Dial(ctx, ble.NewAddr(peer.Address))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", peer.Address, NormalizeError(err))
	}

	st, err := attach(client, svcUUID, b.opts, b.logger.WithField("address", peer.Address))
	if err != nil {
		_ = client.CancelConnection()
		return nil, err
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				st.remoteClosed()
			case <-st.done:
			}
		})
	}

	logger.Info("BLE serial service attached")
	return st, nil
}

func gattServiceFor(serviceID string) (string, error) {
	uuids, err := device.ValidateUUID(serviceID)
	if err != nil {
		return "", err
	}
	if uuids[0] == device.SerialPortServiceID {
		return NUSServiceUUID, nil
	}
	return uuids[0], nil
}

var _ device.Platform = (*Backend)(nil)
