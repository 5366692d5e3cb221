// Package bridge exposes one peer connection as a pseudo-terminal: payloads
// from the peer are written to the PTY and whatever a program writes to the
// PTY slave is sent to the peer.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/ptyio"
)

// ErrLinkClosed is returned by Handle once the bridged connection has ended.
var ErrLinkClosed = errors.New("bridged connection closed")

// Sender delivers bytes to a connected peer.
type Sender interface {
	SendTo(address string, p []byte) error
}

type Options struct {
	Address     string
	SymlinkPath string // optional stable path pointing at the PTY slave
	PTY         ptyio.Options
}

// Bridge is not an events consumer itself; the caller feeds it events with
// Handle from its single event loop.
type Bridge struct {
	address string
	sender  Sender
	pty     ptyio.PTY
	symlink string
	logger  *logrus.Logger

	mu        sync.Mutex
	ended     bool
	sendErrs  int
	closeOnce sync.Once
}

var newPty = ptyio.NewPty

// Open creates the PTY (and the symlink, if requested) for address.
func Open(sender Sender, opts Options, logger *logrus.Logger) (*Bridge, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Address == "" {
		return nil, fmt.Errorf("failed to open bridge: device address is required")
	}
	if opts.PTY.Logger == nil {
		opts.PTY.Logger = logger
	}

	p, err := newPty(opts.PTY)
	if err != nil {
		return nil, fmt.Errorf("failed to open bridge for %s: %w", opts.Address, err)
	}

	b := &Bridge{
		address: device.NormalizeAddress(opts.Address),
		sender:  sender,
		pty:     p,
		logger:  logger,
	}

	if opts.SymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.SymlinkPath); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.SymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.SymlinkPath
		logger.WithFields(logrus.Fields{
			"symlink": b.symlink,
			"tty":     p.TTYName(),
		}).Info("Created PTY symlink")
	}

	p.SetReadCallback(b.forward)

	logger.WithFields(logrus.Fields{
		"address": b.address,
		"tty":     p.TTYName(),
	}).Info("Bridge ready")
	return b, nil
}

func (b *Bridge) TTYName() string { return b.pty.TTYName() }

// Symlink returns the created symlink path, or "" if none.
func (b *Bridge) Symlink() string { return b.symlink }

func (b *Bridge) Stats() ptyio.Stats { return b.pty.Stats() }

// Handle routes an event for the bridged address. It returns ErrLinkClosed
// when the connection fails or closes; events for other addresses are ignored.
func (b *Bridge) Handle(e events.Event) error {
	if e.Address != b.address {
		return nil
	}

	switch e.Kind {
	case events.MessageReceived:
		n, err := b.pty.Write(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to write to %s: %w", b.pty.TTYName(), err)
		}
		if n < len(e.Payload) {
			b.logger.WithFields(logrus.Fields{
				"address": b.address,
				"dropped": len(e.Payload) - n,
			}).Warn("PTY is not being read, dropping peer data")
		}
	case events.ConnectionFailed, events.ConnectionClosed:
		b.mu.Lock()
		b.ended = true
		b.mu.Unlock()
		return ErrLinkClosed
	}
	return nil
}

func (b *Bridge) forward(p []byte) {
	b.mu.Lock()
	ended := b.ended
	b.mu.Unlock()
	if ended {
		return
	}

	// the callback must not retain p
	payload := append([]byte(nil), p...)
	if err := b.sender.SendTo(b.address, payload); err != nil {
		b.mu.Lock()
		b.sendErrs++
		b.mu.Unlock()
		b.logger.WithError(err).WithField("address", b.address).Warn("Failed to forward PTY input")
	}
}

// SendErrors counts PTY input chunks that could not be sent to the peer.
func (b *Bridge) SendErrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendErrs
}

// Close removes the symlink before closing the PTY it points at.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.symlink != "" {
			if rmErr := os.Remove(b.symlink); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				b.logger.WithError(rmErr).WithField("symlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}
		err = b.pty.Close()
	})
	return err
}
