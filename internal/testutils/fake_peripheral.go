package testutils

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/srg/bgble/internal/device"
)

// CharacteristicConfig represents a BLE characteristic configuration for faking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "write,notify"
}

// ServiceConfig represents a BLE service configuration for faking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig represents the complete fake peripheral profile
type PeripheralConfig struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakePeripheral with a service/characteristic profile
type PeripheralBuilder struct {
	profile   PeripheralConfig
	connected bool
	responder func(p *FakePeripheral, data []byte)
}

// NewPeripheralBuilder creates a new peripheral builder
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{
		profile: PeripheralConfig{
			ID:       "AA:BB:CC:DD:EE:FF",
			Services: []ServiceConfig{},
		},
	}
}

// WithID sets the peripheral address
func (b *PeripheralBuilder) WithID(id string) *PeripheralBuilder {
	b.profile.ID = id
	return b
}

// WithName sets the advertised local name
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.profile.Name = name
	return b
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON fills the profile from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config PeripheralConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// Connected makes the peripheral start in the connected state
func (b *PeripheralBuilder) Connected() *PeripheralBuilder {
	b.connected = true
	return b
}

// WithTickResponder answers every request write with as many ticks as the request byte asks for,
// counting up from start.
func (b *PeripheralBuilder) WithTickResponder(start uint32) *PeripheralBuilder {
	b.responder = func(p *FakePeripheral, data []byte) {
		if len(data) != 1 {
			return
		}
		for i := uint32(0); i < uint32(data[0]); i++ {
			p.Emit(start + i)
		}
	}
	return b
}

// WithResponder installs a custom write handler
func (b *PeripheralBuilder) WithResponder(fn func(p *FakePeripheral, data []byte)) *PeripheralBuilder {
	b.responder = fn
	return b
}

// Build creates the fake peripheral
func (b *PeripheralBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{
		profile:      b.profile,
		responder:    b.responder,
		connected:    b.connected,
		disconnected: make(chan struct{}),
	}
	if !b.connected {
		close(p.disconnected)
	}
	return p
}

// Write records a characteristic write
type Write struct {
	Service        string
	Characteristic string
	Data           []byte
}

// FakePeripheral is an in-memory device.Peripheral
type FakePeripheral struct {
	mu           sync.Mutex
	profile      PeripheralConfig
	responder    func(p *FakePeripheral, data []byte)
	connected    bool
	disconnected chan struct{}
	subs         []*FakeSubscription
	writes       []Write

	connectCalls  int
	discoverCalls int
	cancelCalls   int

	// Failure injection
	ConnectErr   error
	ConnectDelay time.Duration
	DiscoverErr  error
	WriteErr     error
	MonitorErr   error
	CancelErr    error
}

var _ device.Peripheral = (*FakePeripheral)(nil)

func (p *FakePeripheral) ID() string {
	return p.profile.ID
}

func (p *FakePeripheral) Name() string {
	return p.profile.Name
}

// HasService reports whether the profile exposes any of the services
func (p *FakePeripheral) HasService(services []string) bool {
	for _, svc := range p.profile.Services {
		for _, want := range services {
			if device.SameUUID(svc.UUID, want) {
				return true
			}
		}
	}
	return false
}

func (p *FakePeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connectCalls++
	delay, connErr := p.ConnectDelay, p.ConnectErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if connErr != nil {
		return connErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		p.connected = true
		p.disconnected = make(chan struct{})
	}
	return nil
}

func (p *FakePeripheral) DiscoverAll(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverCalls++
	if p.DiscoverErr != nil {
		return p.DiscoverErr
	}
	if !p.connected {
		return device.ErrNotConnected
	}
	return nil
}

func (p *FakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *FakePeripheral) Disconnected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

func (p *FakePeripheral) Write(service, characteristic string, data []byte) error {
	p.mu.Lock()
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return err
	}
	if !p.connected {
		p.mu.Unlock()
		return device.ErrNotConnected
	}
	p.writes = append(p.writes, Write{
		Service:        service,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
	})
	responder := p.responder
	p.mu.Unlock()

	if responder != nil {
		responder(p, data)
	}
	return nil
}

func (p *FakePeripheral) Monitor(service, characteristic string) (device.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MonitorErr != nil {
		return nil, p.MonitorErr
	}
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	sub := &FakeSubscription{
		Service:        service,
		Characteristic: characteristic,
		ch:             make(chan device.Notification, 1024),
	}
	p.subs = append(p.subs, sub)
	return sub, nil
}

func (p *FakePeripheral) CancelConnection() error {
	p.mu.Lock()
	p.cancelCalls++
	err := p.CancelErr
	p.mu.Unlock()

	if err != nil {
		return err
	}
	p.Disconnect()
	return nil
}

// Disconnect simulates a link drop: subscriptions are closed and Disconnected fires.
func (p *FakePeripheral) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return
	}
	p.connected = false
	close(p.disconnected)
	for _, sub := range p.subs {
		sub.close()
	}
	p.subs = nil
}

// Emit sends little-endian uint32 values to every active subscription.
func (p *FakePeripheral) Emit(values ...uint32) {
	for _, v := range values {
		frame := make([]byte, 4)
		binary.LittleEndian.PutUint32(frame, v)
		p.EmitRaw(frame)
	}
}

// EmitRaw sends a raw frame to every active subscription.
func (p *FakePeripheral) EmitRaw(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.send(device.Notification{Data: append([]byte(nil), frame...)})
	}
}

// Fail delivers a terminal transport error to every active subscription.
func (p *FakePeripheral) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.send(device.Notification{Err: err})
		sub.close()
	}
	p.subs = nil
}

// Writes returns the recorded writes
func (p *FakePeripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// ActiveSubscriptions returns the number of subscriptions not yet removed
func (p *FakePeripheral) ActiveSubscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sub := range p.subs {
		if !sub.isClosed() {
			n++
		}
	}
	return n
}

func (p *FakePeripheral) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

func (p *FakePeripheral) DiscoverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoverCalls
}

func (p *FakePeripheral) CancelCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelCalls
}

// FakeSubscription is a notification subscription on a FakePeripheral
type FakeSubscription struct {
	Service        string
	Characteristic string

	mu     sync.Mutex
	ch     chan device.Notification
	closed bool
}

func (s *FakeSubscription) C() <-chan device.Notification {
	return s.ch
}

func (s *FakeSubscription) Remove() {
	s.close()
}

func (s *FakeSubscription) send(n device.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- n
}

func (s *FakeSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *FakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
