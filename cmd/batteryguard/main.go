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

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "batteryguard",
	Short: "Battery Guard BLE monitor",
	Long: `Monitors Battery Guard BLE battery sensors and exports their telemetry.

Connects to up to four configured devices at once, performs the encrypted
handshake each sensor requires before it starts notifying, and decodes the
voltage, state of charge, temperature, and charge status stream. Readings can
be published to MQTT (with optional Home Assistant discovery) and shown in a
live console view.

Devices, AES keys, and tunables come from a YAML configuration file.`,
	Version: formatVersion(version),
	RunE:    run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

var (
	flagConfig   string
	flagLogLevel string
	flagNoMQTT   bool
	flagDisplay  bool
)

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "batteryguard.yaml", "Path to the configuration file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.Flags().BoolVar(&flagNoMQTT, "no-mqtt", false, "Disable the MQTT exporter regardless of the config file")
	rootCmd.Flags().BoolVar(&flagDisplay, "display", false, "Enable the console status view regardless of the config file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
