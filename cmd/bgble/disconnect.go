package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Cancel the connection of every peripheral exposing the tick service",
	Args:  cobra.NoArgs,
	RunE:  runDisconnect,
}

func runDisconnect(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	if err := a.coordinator.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "disconnected")
	return nil
}
