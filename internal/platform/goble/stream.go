package goble

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/peerlink/internal/device"
)

// gattClient is the part of ble.Client a stream needs.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	CancelConnection() error
}

// gattStream adapts a notify/write characteristic pair to device.Stream.
// Notifications land in a blocking ring that Read drains.
type gattStream struct {
	client   gattClient
	tx       *ble.Characteristic // notify, peer to us
	rx       *ble.Characteristic // write, us to peer
	indicate bool
	noRsp    bool
	chunk    int
	logger   *logrus.Entry

	in      *ringbuffer.RingBuffer
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func attach(client gattClient, serviceUUID string, opts Options, logger *logrus.Entry) (*gattStream, error) {
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}

	svc := findService(profile, serviceUUID)
	if svc == nil {
		return nil, fmt.Errorf("service %s not offered by peer: %w", serviceUUID, device.ErrUnsupported)
	}
	tx, rx := pickCharacteristics(svc)
	if tx == nil || rx == nil {
		return nil, fmt.Errorf("service %s has no notify/write characteristic pair: %w", serviceUUID, device.ErrUnsupported)
	}

	s := &gattStream{
		client:   client,
		tx:       tx,
		rx:       rx,
		indicate: tx.Property&ble.CharNotify == 0,
		noRsp:    rx.Property&ble.CharWriteNR != 0,
		chunk:    opts.WriteChunkSize,
		logger:   logger,
		in:       ringbuffer.New(opts.InboundBuffer).SetBlocking(true),
		done:     make(chan struct{}),
	}

	if err := client.Subscribe(tx, s.indicate, s.onNotify); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", device.NormalizeUUID(tx.UUID.String()), NormalizeError(err))
	}
	return s, nil
}

func findService(p *ble.Profile, uuid string) *ble.Service {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if device.NormalizeUUID(s.UUID.String()) == uuid {
			return s
		}
	}
	return nil
}

// pickCharacteristics prefers the NUS characteristic IDs and otherwise takes
// the first notifying and the first writable characteristic.
func pickCharacteristics(svc *ble.Service) (tx, rx *ble.Characteristic) {
	for _, c := range svc.Characteristics {
		switch device.NormalizeUUID(c.UUID.String()) {
		case NUSTXCharUUID:
			tx = c
		case NUSRXCharUUID:
			rx = c
		}
	}
	for _, c := range svc.Characteristics {
		if tx == nil && c.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
			tx = c
		}
		if rx == nil && c.Property&(ble.CharWrite|ble.CharWriteNR) != 0 {
			rx = c
		}
	}
	return tx, rx
}

func (s *gattStream) onNotify(b []byte) {
	if _, err := s.in.Write(b); err != nil {
		s.logger.WithError(err).Debug("Notification after stream closed")
	}
}

// Read blocks until notification bytes arrive. It returns io.EOF once the
// peer disconnected and the buffer is drained.
func (s *gattStream) Read(p []byte) (int, error) {
	n, err := s.in.Read(p)
	if n > 0 {
		return n, nil
	}
	return 0, err
}

// Write sends p in chunks no larger than the configured write size.
func (s *gattStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	for written < len(p) {
		select {
		case <-s.done:
			return written, io.ErrClosedPipe
		default:
		}
		end := written + s.chunk
		if end > len(p) {
			end = len(p)
		}
		if err := s.client.WriteCharacteristic(s.rx, p[written:end], s.noRsp); err != nil {
			return written, NormalizeError(err)
		}
		written = end
	}
	return written, nil
}

// remoteClosed ends the inbound side; buffered bytes remain readable.
func (s *gattStream) remoteClosed() {
	s.logger.Info("BLE peer disconnected")
	s.in.CloseWriter()
}

func (s *gattStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.in.CloseWithError(io.EOF)
		if uerr := s.client.Unsubscribe(s.tx, s.indicate); uerr != nil {
			s.logger.WithError(uerr).Debug("Unsubscribe on close")
		}
		err = NormalizeError(s.client.CancelConnection())
	})
	return err
}
