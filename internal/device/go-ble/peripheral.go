package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/groutine"
)

// Peripheral is a remote device reached through go-ble.
type Peripheral struct {
	central *Central
	addr    ble.Addr
	logger  *logrus.Logger

	mu           sync.RWMutex
	name         string
	client       ble.Client
	disconnected chan struct{}
	services     map[string]struct{}
	chars        map[charKey]*ble.Characteristic
	subs         map[*subscription]struct{}
	writeMu      sync.Mutex
}

type charKey struct {
	service string
	char    string
}

var _ device.Peripheral = (*Peripheral)(nil)

func newPeripheral(c *Central, addr ble.Addr, name string, logger *logrus.Logger) *Peripheral {
	closed := make(chan struct{})
	close(closed)
	return &Peripheral{
		central:      c,
		addr:         addr,
		name:         name,
		logger:       logger,
		disconnected: closed,
		subs:         make(map[*subscription]struct{}),
	}
}

func (p *Peripheral) ID() string {
	return p.addr.String()
}

func (p *Peripheral) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Peripheral) setName(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
}

// Connect dials the peripheral. Connecting an already connected peripheral is a no-op.
func (p *Peripheral) Connect(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}
	dev, err := p.central.device()
	if err != nil {
		return err
	}

	p.logger.WithField("address", p.ID()).Info("Connecting to BLE device...")
	client, err := dev.Dial(ctx, p.addr)
	if err != nil {
		return NormalizeError(err)
	}

	p.mu.Lock()
	if p.client != nil {
		// lost a race with a concurrent Connect
		p.mu.Unlock()
		_ = client.CancelConnection()
		return nil
	}
	p.client = client
	p.disconnected = make(chan struct{})
	p.services = nil
	p.chars = nil
	p.mu.Unlock()

	groutine.Go(context.Background(), p.logger, "ble-connection-monitor", func(context.Context) {
		<-client.Disconnected()
		p.dropped(client)
	})

	p.logger.WithField("address", p.ID()).Info("BLE device connected")
	return nil
}

// DiscoverAll discovers every service and characteristic. go-ble discovery is not cancellable,
// so a done ctx only stops the wait.
func (p *Peripheral) DiscoverAll(ctx context.Context) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return device.ErrNotConnected
	}

	type result struct {
		profile *ble.Profile
		err     error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, p.logger, "ble-discovery", func(context.Context) {
		profile, err := client.DiscoverProfile(true)
		done <- result{profile, err}
	})

	var res result
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case res = <-done:
	}
	if res.err != nil {
		return NormalizeError(res.err)
	}

	services := make(map[string]struct{}, len(res.profile.Services))
	chars := make(map[charKey]*ble.Characteristic)
	for _, svc := range res.profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		services[svcUUID] = struct{}{}
		for _, ch := range svc.Characteristics {
			chars[charKey{svcUUID, device.NormalizeUUID(ch.UUID.String())}] = ch
		}
	}

	p.mu.Lock()
	if p.client == client {
		p.services = services
		p.chars = chars
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"address":         p.ID(),
		"services":        len(services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")
	return nil
}

func (p *Peripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.disconnected
}

// Write writes data to a characteristic with response.
func (p *Peripheral) Write(service, characteristic string, data []byte) error {
	client, ch, err := p.lookup(service, characteristic)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return NormalizeError(client.WriteCharacteristic(ch, data, false))
}

// Monitor enables notifications on a characteristic.
func (p *Peripheral) Monitor(service, characteristic string) (device.Subscription, error) {
	client, ch, err := p.lookup(service, characteristic)
	if err != nil {
		return nil, err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, &device.NotFoundError{Resource: "notifiable characteristic", UUIDs: []string{service, characteristic}}
	}

	sub := newSubscription(DefaultChannelBuffer)
	sub.onRemove = func() {
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
		if err := client.Unsubscribe(ch, false); err != nil {
			p.logger.WithFields(logrus.Fields{
				"char_uuid": characteristic,
				"error":     err,
			}).Debug("Unsubscribe failed")
		}
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	if err := client.Subscribe(ch, false, sub.handle); err != nil {
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
		sub.terminate(nil)
		return nil, NormalizeError(err)
	}
	return sub, nil
}

// CancelConnection tears the link down. Cancelling a disconnected peripheral is a no-op.
func (p *Peripheral) CancelConnection() error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return nil
	}

	err := client.CancelConnection()
	p.dropped(client)
	return NormalizeError(err)
}

func (p *Peripheral) dropped(client ble.Client) {
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	p.client = nil
	subs := p.subs
	p.subs = make(map[*subscription]struct{})
	close(p.disconnected)
	p.mu.Unlock()

	for sub := range subs {
		sub.terminate(device.ErrNotConnected)
	}
	p.logger.WithField("address", p.ID()).Info("BLE device disconnected")
}

func (p *Peripheral) lookup(service, characteristic string) (ble.Client, *ble.Characteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	svc := device.NormalizeUUID(service)
	if _, ok := p.services[svc]; !ok {
		return nil, nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	ch, ok := p.chars[charKey{svc, device.NormalizeUUID(characteristic)}]
	if !ok {
		return nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return p.client, ch, nil
}

func (p *Peripheral) hasAnyService(services []string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(services) == 0 {
		return true
	}
	for _, s := range services {
		if _, ok := p.services[device.NormalizeUUID(s)]; ok {
			return true
		}
	}
	return false
}
