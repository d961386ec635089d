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
	Use:   "bgble",
	Short: "Background BLE tick exchange coordinator",
	Long: `Coordinates short BLE tick exchanges inside OS background-execution windows:

- Download a fixed number of ticks from the tick peripheral
- Drain pending notifications until the peripheral goes quiet
- Disconnect every peripheral exposing the tick service
- Run as a daemon that keeps a processing task scheduled, restores connected
  peripherals at start and serves /metrics and /events over HTTP.`,
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
	rootCmd.SetVersionTemplate(fmt.Sprintf("bgble {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(runCmd)

	// Global flags
	rootCmd.PersistentFlags().String("config", "bgble.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
