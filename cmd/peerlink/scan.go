package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/peerlink/internal/events"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby Bluetooth peers",
	Long: `Scans for nearby peers and prints them in the order they were first seen.

Every peer found is also remembered in the known peers store (see
'peerlink devices --known').

Example:
  peerlink scan -d 20s
  peerlink scan --format json --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print each peer as it is found")
}

func validateFormat(format string) error {
	switch format {
	case "", "table", "json":
		return nil
	}
	return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
}

func runScan(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(scanFormat); err != nil {
		return err
	}
	if scanDuration < 0 {
		return fmt.Errorf("invalid duration %s: must not be negative", scanDuration)
	}

	s, err := openSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	duration := s.cfg.ScanDuration
	if scanDuration > 0 {
		duration = scanDuration
	}
	format := s.cfg.OutputFormat
	if scanFormat != "" {
		format = scanFormat
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.mgr.StartScan(); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}

	var progress *ProgressPrinter
	if !scanWatch {
		progress = NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for devices", "Scanning", duration)
		progress.Start()
		defer progress.Stop()
	}

	printer := &eventPrinter{out: cmd.OutOrStdout()}
	lastSeen := make(map[string]time.Time)
	timer := time.NewTimer(duration)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted, stopping scan...")
			break loop
		case <-timer.C:
			break loop
		case e, ok := <-s.mgr.Events():
			if !ok {
				break loop
			}
			if e.Kind != events.DeviceFound {
				continue
			}
			lastSeen[e.Device.Address] = e.Time
			s.remember(e.Device, false)
			if scanWatch {
				printer.Print(e)
			}
		}
	}

	if progress != nil {
		progress.SetPhase("Processing results")
	}
	if err := s.mgr.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scan")
	}
	if progress != nil {
		progress.Stop()
	}

	if scanWatch {
		return nil
	}

	devices := s.mgr.Devices()
	rows := make([]peerRow, 0, len(devices))
	for _, d := range devices {
		row := peerRow{Address: d.Address, Name: d.Name, Bonded: d.Bonded}
		if t, ok := lastSeen[d.Address]; ok {
			row.LastSeen = &t
		}
		rows = append(rows, row)
	}
	return displayPeers(cmd.OutOrStdout(), format, rows)
}
