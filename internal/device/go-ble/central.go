// Package goble implements the device contracts on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/device"
)

// DefaultPowerPollInterval is how often WaitPoweredOn retries opening a powered-off radio.
const DefaultPowerPollInterval = 500 * time.Millisecond

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // name kept for symmetry with device.Central
var DeviceFactory = newPlatformDevice

// Central owns the platform radio and every peripheral it has seen.
//
// go-ble has no query for links established outside this process, so Connected reports the
// peripherals this Central connected and that are still up.
type Central struct {
	logger       *logrus.Logger
	pollInterval time.Duration

	mu  sync.Mutex
	dev ble.Device

	peripherals *hashmap.Map[string, *Peripheral]
}

var _ device.Central = (*Central)(nil)

// NewCentral creates a Central. The radio is opened lazily.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{
		logger:       logger,
		pollInterval: DefaultPowerPollInterval,
		peripherals:  hashmap.New[string, *Peripheral](),
	}
}

// WaitPoweredOn opens the radio, retrying while it reports powered off.
func (c *Central) WaitPoweredOn(ctx context.Context) error {
	logged := false
	for {
		_, err := c.device()
		if err == nil {
			return nil
		}
		if !errors.Is(err, device.ErrBluetoothOff) {
			return err
		}
		if !logged {
			c.logger.Info("Waiting for Bluetooth to be powered on...")
			logged = true
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(c.pollInterval):
		}
	}
}

// Connected returns connected peripherals that expose any of services. Only links opened
// through this central are reported; go-ble cannot enumerate links held by other processes.
func (c *Central) Connected(_ context.Context, services []string) ([]device.Peripheral, error) {
	var out []device.Peripheral
	c.peripherals.Range(func(_ string, p *Peripheral) bool {
		if p.IsConnected() && p.hasAnyService(services) {
			out = append(out, p)
		}
		return true
	})
	return out, nil
}

// Scan reports advertising peripherals that list any of services until ctx is done.
func (c *Central) Scan(ctx context.Context, services []string, handler func(device.Peripheral)) error {
	dev, err := c.device()
	if err != nil {
		return err
	}

	wanted := device.NormalizeUUIDs(services)
	c.logger.WithField("services", services).Debug("Scanning for peripherals...")

	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		if !advertises(adv, wanted) {
			return
		}
		handler(c.peripheral(adv.Addr(), adv.LocalName()))
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

// Close stops the radio.
func (c *Central) Close() error {
	c.mu.Lock()
	dev := c.dev
	c.dev = nil
	c.mu.Unlock()

	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

func (c *Central) device() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev != nil {
		return c.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	c.dev = dev
	return dev, nil
}

func (c *Central) peripheral(addr ble.Addr, name string) *Peripheral {
	id := addr.String()
	if p, ok := c.peripherals.Get(id); ok {
		p.setName(name)
		return p
	}
	p, _ := c.peripherals.GetOrInsert(id, newPeripheral(c, addr, name, c.logger))
	return p
}

func advertises(adv ble.Advertisement, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, u := range adv.Services() {
		got := device.NormalizeUUID(u.String())
		for _, w := range wanted {
			if got == w {
				return true
			}
		}
	}
	return false
}
