package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/peerlink/internal/bridge"
	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/events"
	"github.com/srg/peerlink/internal/ptyio"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose a peer connection as a PTY",
	Long: `Creates a pseudo-terminal and connects it to a peer, so applications that
expect a serial port can talk to the peer.

Bytes from the peer are written to the PTY; whatever a program writes to the
PTY is sent to the peer. The bridge runs until the connection ends or it is
interrupted.

Example:
  peerlink bridge AA:BB:CC:DD:EE:FF
  peerlink bridge --symlink /tmp/peer AA:BB:CC:DD:EE:FF
  screen /tmp/peer`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var bridgeSymlink string

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/peer)")
	bridgeCmd.Flags().String("service", device.SerialPortServiceID, "Service UUID to connect to")
	bridgeCmd.Flags().Duration("timeout", 30*time.Second, "Connection handshake timeout")
}

func runBridge(cmd *cobra.Command, args []string) error {
	addr := device.NormalizeAddress(args[0])
	if addr == "" {
		return errors.New("device address is required")
	}

	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ptyFailed := make(chan error, 1)
	br, err := bridge.Open(s.mgr, bridge.Options{
		Address:     addr,
		SymlinkPath: bridgeSymlink,
		PTY: ptyio.Options{
			BufferSize: s.cfg.PTYBufferSize,
			OnError: func(err error) {
				select {
				case ptyFailed <- err:
				default:
				}
			},
		},
	}, s.logger)
	if err != nil {
		return err
	}
	defer func() {
		stats := br.Stats()
		s.logger.WithFields(logrus.Fields{
			"bytes_in":    stats.BytesIn,
			"bytes_out":   stats.BytesOut,
			"dropped":     stats.Dropped,
			"send_errors": br.SendErrors(),
		}).Info("Bridge closed")
		if err := br.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close PTY")
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Starting bridge for %s", addr), "Connecting")
	progress.Start()
	defer progress.Stop()

	if err := s.mgr.ConnectTo(addr); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Received interrupt signal, shutting down...")
			return ctx.Err()

		case err := <-ptyFailed:
			return fmt.Errorf("PTY failed: %w", err)

		case e, ok := <-s.mgr.Events():
			if !ok {
				return ErrConnectionLost
			}
			if e.Kind == events.ConnectionOpened && e.Address == addr {
				progress.Stop()
				peer, known := s.mgr.Lookup(addr)
				if !known {
					peer = device.PeerDevice{Address: addr}
				}
				s.remember(peer, true)

				fmt.Fprintf(out, "%s %s\n", colorOK("Bridge up:"), br.TTYName())
				if br.Symlink() != "" {
					fmt.Fprintf(out, "Symlink:   %s -> %s\n", br.Symlink(), br.TTYName())
				}
				fmt.Fprintln(out, "Press Ctrl+C to stop")
			}

			err := br.Handle(e)
			if !errors.Is(err, bridge.ErrLinkClosed) {
				if err != nil {
					s.logger.WithError(err).Warn("Bridge write failed")
				}
				continue
			}
			if e.Kind == events.ConnectionFailed {
				return &device.ConnectFailedError{Address: e.Address, Reason: e.Reason, Err: e.Err}
			}
			return ErrConnectionLost
		}
	}
}
