package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Bluetooth peer discovery and serial link tool",
	Long: `Bluetooth command-line tool that provides:

- Power and visibility control of the local adapter
- Discovery of nearby peers and the bonded device list
- Interactive serial chat with a peer, with optional Lua auto-replies
- Bridging a peer connection to a PTY for serial-port applications

Classic Bluetooth (RFCOMM, Serial Port Profile) is served by BlueZ on Linux;
Bluetooth Low Energy peers are reached through the Nordic UART Service.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("peerlink {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(adapterCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(bridgeCmd)

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("backend", "", "Bluetooth backend (bluez, ble); empty selects the platform default")
	rootCmd.PersistentFlags().String("adapter", "", "Local adapter name, e.g. hci0 (bluez only)")
	rootCmd.PersistentFlags().String("store", "", "Known peers database path")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
