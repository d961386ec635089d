package main

import (
	"time"

	"github.com/spf13/cobra"
)

var drainIdle time.Duration

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Consume pending ticks until the peripheral goes quiet",
	Long: `Connects to the tick peripheral and prints notified ticks until none arrives
within the idle timeout. Quiescence is success.

Examples:
  bgble drain
  bgble drain --idle 500ms`,
	Args: cobra.NoArgs,
	RunE: runDrain,
}

func init() {
	drainCmd.Flags().DurationVar(&drainIdle, "idle", 0, "Idle timeout (default from config ble.drain_idle)")
}

func runDrain(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	idle := drainIdle
	if idle <= 0 {
		idle = a.cfg.BLE.DrainIdle
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	p := newTickPrinter(cmd.OutOrStdout())
	session, err := a.coordinator.Drain(ctx, idle, p.drain)
	if err != nil {
		return err
	}
	p.summary(session)
	return nil
}
