package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List bonded or remembered peers",
	Long: `Lists the peers bonded with the local adapter (the default), or with
--known the peers remembered from earlier scans and connections.

Example:
  peerlink devices
  peerlink devices --known --format json
  peerlink devices --forget AA:BB:CC:DD:EE:FF`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

var (
	devicesBonded bool
	devicesKnown  bool
	devicesForget string
	devicesFormat string
)

func init() {
	devicesCmd.Flags().BoolVar(&devicesBonded, "bonded", false, "List peers bonded with the adapter (default)")
	devicesCmd.Flags().BoolVar(&devicesKnown, "known", false, "List peers from the known peers store")
	devicesCmd.Flags().StringVar(&devicesForget, "forget", "", "Remove a peer from the known peers store")
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "", "Output format (table, json)")
	devicesCmd.MarkFlagsMutuallyExclusive("bonded", "known", "forget")
}

func runDevices(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(devicesFormat); err != nil {
		return err
	}

	useStore := devicesKnown || devicesForget != ""
	s, err := openSession(cmd, useStore)
	if err != nil {
		return err
	}
	defer s.Close()

	format := s.cfg.OutputFormat
	if devicesFormat != "" {
		format = devicesFormat
	}
	out := cmd.OutOrStdout()

	if useStore && s.store == nil {
		return errors.New("known peers store is unavailable (see --store and --log-level warn)")
	}

	switch {
	case devicesForget != "":
		if err := s.store.Forget(devicesForget); err != nil {
			return err
		}
		fmt.Fprintf(out, "Forgot %s\n", devicesForget)
		return nil

	case devicesKnown:
		peers, err := s.store.Peers()
		if err != nil {
			return fmt.Errorf("failed to read known peers: %w", err)
		}
		return displayKnownPeers(out, format, peers)
	}

	n, err := s.mgr.LoadBonded()
	if err != nil {
		return fmt.Errorf("failed to list bonded devices: %w", err)
	}
	s.logger.WithField("count", n).Debug("Bonded devices loaded")

	devices := s.mgr.Devices()
	rows := make([]peerRow, 0, len(devices))
	for _, d := range devices {
		if d.Bonded {
			rows = append(rows, peerRow{Address: d.Address, Name: d.Name, Bonded: true})
		}
	}
	return displayPeers(out, format, rows)
}
