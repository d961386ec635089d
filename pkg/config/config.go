// Package config loads the bgble configuration from YAML with tag defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/coordinator"
	"github.com/srg/bgble/internal/host/simhost"
	"github.com/srg/bgble/internal/tick"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds application configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	BLE        BLEConfig        `yaml:"ble"`
	Host       HostConfig       `yaml:"host"`
	Processing ProcessingConfig `yaml:"processing"`
	Server     ServerConfig     `yaml:"server"`
}

// BLEConfig describes the tick peripheral and transport bounds.
type BLEConfig struct {
	Service         string        `yaml:"service" default:"6e3e0001-5c4a-4e3b-9a2f-5b1e0a7c1d00"`
	RequestChar     string        `yaml:"request_char" default:"6e3e0002-5c4a-4e3b-9a2f-5b1e0a7c1d00"`
	NotifyChar      string        `yaml:"notify_char" default:"6e3e0003-5c4a-4e3b-9a2f-5b1e0a7c1d00"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"5s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"5s"`
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"10s"`
	DrainIdle       time.Duration `yaml:"drain_idle" default:"2s"`
}

// HostConfig tunes the simulated OS used by the daemon.
type HostConfig struct {
	WindowDuration   time.Duration `yaml:"window_duration" default:"30s"`
	WindowsPerMinute float64       `yaml:"windows_per_minute" default:"60"`
	WindowBurst      int           `yaml:"window_burst" default:"4"`
	ProcessingBudget time.Duration `yaml:"processing_budget" default:"60s"`
	LaunchDelay      time.Duration `yaml:"launch_delay" default:"0s"`
	MaxPending       int           `yaml:"max_pending" default:"10"`
}

// ProcessingConfig describes the periodic processing task the daemon keeps scheduled.
type ProcessingConfig struct {
	TaskName   string        `yaml:"task_name" default:"tick-sync"`
	MinDelay   time.Duration `yaml:"min_delay" default:"15m"`
	Cron       string        `yaml:"cron" default:"@every 15m"`
	Ticks      int           `yaml:"ticks" default:"0"`
	Reschedule time.Duration `yaml:"reschedule" default:"0s"`
}

// ServerConfig configures the HTTP endpoint.
type ServerConfig struct {
	Addr           string   `yaml:"addr" default:"127.0.0.1:9464"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the components cannot recover from.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	for name, v := range map[string]string{
		"ble.service":      c.BLE.Service,
		"ble.request_char": c.BLE.RequestChar,
		"ble.notify_char":  c.BLE.NotifyChar,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.BLE.ScanTimeout <= 0 || c.BLE.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ble scan_timeout and connect_timeout must be positive"))
	}
	if c.BLE.DrainIdle <= 0 {
		errs = append(errs, errors.New("ble.drain_idle must be positive"))
	}
	if c.Processing.Ticks < 0 || c.Processing.Ticks > tick.MaxTicks {
		errs = append(errs, fmt.Errorf("processing.ticks must be within 0..%d", tick.MaxTicks))
	}
	if c.Host.WindowsPerMinute < 0 || c.Host.WindowBurst < 0 {
		errs = append(errs, errors.New("host window budget must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// HostOptions converts the host section into simulated host options.
func (c *Config) HostOptions() simhost.Options {
	return simhost.Options{
		WindowDuration:   c.Host.WindowDuration,
		WindowRate:       rate.Limit(c.Host.WindowsPerMinute / 60),
		WindowBurst:      c.Host.WindowBurst,
		ProcessingBudget: c.Host.ProcessingBudget,
		LaunchDelay:      c.Host.LaunchDelay,
		MaxPending:       c.Host.MaxPending,
	}
}

// CoordinatorOptions converts the BLE and processing sections. AutoRun is set only when
// a processing task name is configured.
func (c *Config) CoordinatorOptions() coordinator.Options {
	opts := coordinator.Options{
		Connection: connection.Options{
			ServiceUUID:    c.BLE.Service,
			ScanTimeout:    c.BLE.ScanTimeout,
			ConnectTimeout: c.BLE.ConnectTimeout,
		},
		Tick: tick.Options{
			ServiceUUID:     c.BLE.Service,
			RequestChar:     c.BLE.RequestChar,
			NotifyChar:      c.BLE.NotifyChar,
			ResponseTimeout: c.BLE.ResponseTimeout,
		},
		RestoreIdle: c.BLE.DrainIdle,
	}
	if c.Processing.TaskName != "" {
		opts.AutoRun = &coordinator.AutoRun{
			TaskName:   c.Processing.TaskName,
			Ticks:      c.Processing.Ticks,
			Idle:       c.BLE.DrainIdle,
			Reschedule: c.Processing.Reschedule,
		}
	}
	return opts
}
