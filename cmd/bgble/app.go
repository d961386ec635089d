package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bgble/internal/coordinator"
	"github.com/srg/bgble/internal/device"
	goble "github.com/srg/bgble/internal/device/go-ble"
	"github.com/srg/bgble/internal/host/simhost"
	"github.com/srg/bgble/internal/metrics"
	"github.com/srg/bgble/pkg/config"
)

// newCentral opens the BLE radio (can be overridden in tests)
var newCentral = func(logger *logrus.Logger) (device.Central, func()) {
	c := goble.NewCentral(logger)
	return c, func() { _ = c.Close() }
}

// app wires the coordinator for one command invocation.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	host        *simhost.Host
	collector   *metrics.Collector
	coordinator *coordinator.Coordinator
	closeRadio  func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := configureLogger(cmd, cfg)

	central, closeRadio := newCentral(logger)
	host := simhost.New(cfg.HostOptions(), logger)
	collector := metrics.NewCollector()

	return &app{
		cfg:         cfg,
		logger:      logger,
		host:        host,
		collector:   collector,
		coordinator: coordinator.New(host, host, central, collector, logger, cfg.CoordinatorOptions()),
		closeRadio:  closeRadio,
	}, nil
}

func (a *app) Close() {
	a.coordinator.Close()
	a.host.Stop()
	a.closeRadio()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
