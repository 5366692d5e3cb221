package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var adapterCmd = &cobra.Command{
	Use:   "adapter [on|off|visible|status]",
	Short: "Control the local Bluetooth adapter",
	Long: `Turns the local adapter on or off, makes it visible to nearby devices,
or shows its state (the default).

Power and visibility are owned by the OS for BLE on macOS; those actions
report an error with the ble backend.

Example:
  peerlink adapter on
  peerlink adapter visible
  peerlink adapter`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off", "visible", "status"},
	RunE:      runAdapter,
}

func runAdapter(cmd *cobra.Command, args []string) error {
	action := "status"
	if len(args) == 1 {
		action = args[0]
	}

	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	a := s.mgr.Adapter()
	out := cmd.OutOrStdout()

	switch action {
	case "on":
		if err := a.Enable(); err != nil {
			return fmt.Errorf("failed to turn the adapter on: %w", err)
		}
		fmt.Fprintln(out, colorOK("Bluetooth is on"))
	case "off":
		if err := a.Disable(); err != nil {
			return fmt.Errorf("failed to turn the adapter off: %w", err)
		}
		fmt.Fprintln(out, colorWarn("Bluetooth is off"))
	case "visible":
		if err := a.MakeDiscoverable(); err != nil {
			return fmt.Errorf("failed to make the adapter visible: %w", err)
		}
		fmt.Fprintln(out, colorOK("Adapter is visible to nearby devices"))
	default:
		powered := colorFail("off")
		if a.IsEnabled() {
			powered = colorOK("on")
		}
		scanning := "no"
		if a.IsScanning() {
			scanning = colorInfo("yes")
		}
		fmt.Fprintf(out, "Backend:  %s\n", s.backend)
		fmt.Fprintf(out, "Powered:  %s\n", powered)
		fmt.Fprintf(out, "Scanning: %s\n", scanning)
	}
	return nil
}
