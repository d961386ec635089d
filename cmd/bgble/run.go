package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bgble/internal/groutine"
	"github.com/srg/bgble/internal/processing"
	"github.com/srg/bgble/internal/server"
)

const shutdownTimeout = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator daemon",
	Long: `Runs the coordinator against a simulated OS host:

- drains a peripheral that is already connected at start (restoration)
- keeps the processing task scheduled, resubmitting it on the cron schedule when no
  request is pending or running
- runs the configured exchange whenever the processing task is launched
- serves /metrics, /events (websocket) and /healthz

Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	return a.serve(ctx)
}

// serve runs the daemon until ctx is done.
func (a *app) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	srv := server.New(a.cfg.Server.Addr, a.coordinator.Events(), a.collector, a.cfg.Server.AllowedOrigins, a.logger)
	serveErr := make(chan error, 1)
	groutine.Go(ctx, a.logger, "http-server", func(context.Context) {
		serveErr <- srv.ListenAndServe()
	})

	restored, err := a.coordinator.Restore(ctx)
	switch {
	case err != nil:
		a.logger.WithError(err).Warn("Restoration drain failed")
	case restored:
		a.logger.Info("Restored connected peripheral")
	}

	runErr := make(chan error, 1)
	groutine.Go(ctx, a.logger, "coordinator", func(ctx context.Context) {
		runErr <- a.coordinator.Run(ctx)
	})

	var result error
	if task := a.cfg.Processing.TaskName; task != "" {
		scheduler, err := a.scheduleProcessing(task)
		if err != nil {
			result = err
			cancel()
		} else {
			defer func() { <-scheduler.Stop().Done() }()
		}
	}

	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down...")
	case err := <-serveErr:
		result = err
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("HTTP server shutdown failed")
	}

	if err := <-runErr; err != nil && result == nil {
		result = err
	}
	return result
}

// scheduleProcessing submits the processing task now and on every cron tick that finds it
// neither scheduled nor executing.
func (a *app) scheduleProcessing(task string) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cron.PrintfLogger(a.logger)))
	if _, err := c.AddFunc(a.cfg.Processing.Cron, func() { a.submitProcessing(task) }); err != nil {
		return nil, fmt.Errorf("processing.cron %q: %w", a.cfg.Processing.Cron, err)
	}

	a.submitProcessing(task)
	c.Start()
	return c, nil
}

// submitProcessing schedules task unless a request is pending or running. Reports whether it submitted.
func (a *app) submitProcessing(task string) bool {
	switch state := a.coordinator.ProcessingState(task); state {
	case processing.Scheduled, processing.Executing:
		a.logger.WithFields(logrus.Fields{
			"task":  task,
			"state": state,
		}).Debug("Processing task already in flight, not resubmitting")
		return false
	}

	id, err := a.coordinator.ScheduleProcessing(task, a.cfg.Processing.MinDelay)
	if err != nil {
		a.logger.WithError(err).WithField("task", task).Warn("Processing task submission rejected")
		return false
	}
	a.logger.WithFields(logrus.Fields{
		"task": task,
		"id":   id,
	}).Debug("Processing task submitted")
	return true
}
