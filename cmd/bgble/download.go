package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/bgble/internal/tick"
)

var downloadCmd = &cobra.Command{
	Use:   "download <count>",
	Short: "Download a number of ticks inside a background window",
	Long: fmt.Sprintf(`Connects to the tick peripheral and requests <count> ticks (1..%d).
Each tick is printed as it arrives.

Examples:
  bgble download 16
  bgble download 255 --log-level debug`, tick.MaxTicks),
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func runDownload(cmd *cobra.Command, args []string) error {
	count, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid tick count %q: %w", args[0], err)
	}
	if count < 1 || count > tick.MaxTicks {
		return fmt.Errorf("%w: tick count must be within 1..%d, got %d", tick.ErrInvalidArgument, tick.MaxTicks, count)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	p := newTickPrinter(cmd.OutOrStdout())
	session, err := a.coordinator.Download(ctx, count, p.download)
	if err != nil {
		return err
	}
	p.summary(session)
	return nil
}
