package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/bgble/internal/device"
)

// FakeCentral is an in-memory device.Central. Peripherals added with AddPeripheral are
// reported by Connected while connected and advertised by Scan otherwise.
type FakeCentral struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	poweredOn   chan struct{}
	scanCalls   int
	scanning    int

	// Failure injection
	PowerErr     error
	ConnectedErr error
	ScanErr      error
	ScanDelay    time.Duration
}

var _ device.Central = (*FakeCentral)(nil)

// NewFakeCentral creates a powered-on central.
func NewFakeCentral(peripherals ...*FakePeripheral) *FakeCentral {
	c := &FakeCentral{
		peripherals: peripherals,
		poweredOn:   make(chan struct{}),
	}
	close(c.poweredOn)
	return c
}

// PowerOff makes WaitPoweredOn block until PowerOn is called.
func (c *FakeCentral) PowerOff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.poweredOn:
		c.poweredOn = make(chan struct{})
	default:
	}
}

// PowerOn releases WaitPoweredOn.
func (c *FakeCentral) PowerOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.poweredOn:
	default:
		close(c.poweredOn)
	}
}

// AddPeripheral registers another peripheral in range.
func (c *FakeCentral) AddPeripheral(p *FakePeripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals = append(c.peripherals, p)
}

func (c *FakeCentral) WaitPoweredOn(ctx context.Context) error {
	c.mu.Lock()
	powered, err := c.poweredOn, c.PowerErr
	c.mu.Unlock()

	if err != nil {
		return err
	}
	select {
	case <-powered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *FakeCentral) Connected(_ context.Context, services []string) ([]device.Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectedErr != nil {
		return nil, c.ConnectedErr
	}

	var out []device.Peripheral
	for _, p := range c.peripherals {
		if p.IsConnected() && p.HasService(services) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *FakeCentral) Scan(ctx context.Context, services []string, handler func(device.Peripheral)) error {
	c.mu.Lock()
	c.scanCalls++
	c.scanning++
	delay, err := c.ScanDelay, c.ScanErr
	var matches []*FakePeripheral
	for _, p := range c.peripherals {
		if !p.IsConnected() && p.HasService(services) {
			matches = append(matches, p)
		}
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.scanning--
		c.mu.Unlock()
	}()

	if err != nil {
		return err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
	for _, p := range matches {
		if ctx.Err() != nil {
			return nil
		}
		handler(p)
	}

	<-ctx.Done()
	return nil
}

// ScanCalls returns how many scans were started.
func (c *FakeCentral) ScanCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanCalls
}

// Scanning reports whether a scan is still running.
func (c *FakeCentral) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning > 0
}
