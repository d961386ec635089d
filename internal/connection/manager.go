// Package connection sequences radio power-up, scan-or-reuse, connect and discovery for the
// single target-service peripheral, and tracks its disconnect observer.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/groutine"
	"github.com/srg/bgble/internal/timer"
)

var (
	// ErrScanTimeout is returned when no peripheral exposing the service was found in time.
	ErrScanTimeout = errors.New("scan timeout")

	// ErrSuperseded is returned by an Establish call replaced by a newer one or by CancelAll.
	ErrSuperseded = errors.New("establish superseded")
)

// ConnectError wraps a transport failure while connecting.
type ConnectError struct {
	DeviceID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.DeviceID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// DiscoveryError wraps a transport failure while discovering services and characteristics.
type DiscoveryError struct {
	DeviceID string
	Err      error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s: %v", e.DeviceID, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Options configures the target service and operation bounds.
type Options struct {
	ServiceUUID    string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the default bounds for the given service.
func DefaultOptions(service string) Options {
	return Options{
		ServiceUUID:    service,
		ScanTimeout:    5 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// operation is the state of a single Establish call.
type operation struct {
	id         uint64
	ctx        context.Context
	cancel     context.CancelCauseFunc
	superseded atomic.Bool
	timerIDs   []string
}

func (op *operation) timerID(step string) string {
	id := fmt.Sprintf("establish/%d/%s", op.id, step)
	op.timerIDs = append(op.timerIDs, id)
	return id
}

func (op *operation) supersede() {
	op.superseded.Store(true)
	op.cancel(ErrSuperseded)
}

// Manager establishes and tears down the connection to the target-service peripheral.
// Callers serialize Establish; a second concurrent call supersedes the first.
type Manager struct {
	central device.Central
	timers  *timer.Service
	logger  *logrus.Logger
	opts    Options

	mu       sync.Mutex
	seq      uint64
	current  *operation
	watchers map[string]chan struct{}
}

// NewManager creates a connection manager.
func NewManager(central device.Central, timers *timer.Service, logger *logrus.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		central:  central,
		timers:   timers,
		logger:   logger,
		opts:     opts,
		watchers: make(map[string]chan struct{}),
	}
}

// Service returns the normalized target service UUID.
func (m *Manager) Service() string {
	return device.NormalizeUUID(m.opts.ServiceUUID)
}

// Establish returns a connected, discovered peripheral exposing the target service.
// An already connected peripheral is reused without scanning. onDisconnected, if not nil, is
// invoked once when the returned peripheral disconnects.
func (m *Manager) Establish(ctx context.Context, onDisconnected func(device.Peripheral)) (device.Peripheral, error) {
	op := m.begin(ctx)
	defer m.finish(op)

	log := m.logger.WithFields(logrus.Fields{
		"op":      op.id,
		"service": m.Service(),
	})

	if err := m.central.WaitPoweredOn(op.ctx); err != nil {
		return nil, m.failure(op, err)
	}

	services := []string{m.Service()}
	connected, err := m.central.Connected(op.ctx, services)
	if err != nil {
		return nil, m.failure(op, err)
	}

	var p device.Peripheral
	if len(connected) > 0 {
		p = connected[0]
		log.WithField("device", p.ID()).Info("Reusing connected peripheral")
	} else {
		log.WithField("timeout", m.opts.ScanTimeout).Debug("Scanning for peripheral")
		if p, err = m.scan(op, services); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"device": p.ID(),
			"name":   p.Name(),
		}).Info("Peripheral found")
	}

	if err := m.connect(op, p); err != nil {
		return nil, err
	}

	// A late connection must not be handed to a caller that already gave up.
	if op.ctx.Err() != nil {
		if cerr := p.CancelConnection(); cerr != nil {
			log.WithError(cerr).Warn("Failed to cancel stale connection")
		}
		return nil, m.failure(op, op.ctx.Err())
	}

	m.watch(p, onDisconnected)
	log.WithField("device", p.ID()).Info("Peripheral connected")
	return p, nil
}

func (m *Manager) scan(op *operation, services []string) (device.Peripheral, error) {
	scanCtx, stop := context.WithCancelCause(op.ctx)
	defer stop(nil)

	m.timers.Start(op.timerID("scan"), m.opts.ScanTimeout, func() { stop(ErrScanTimeout) }, timer.Silent())

	found := make(chan device.Peripheral, 1)
	scanErr := m.central.Scan(scanCtx, services, func(p device.Peripheral) {
		select {
		case found <- p:
			stop(nil)
		default:
		}
	})

	select {
	case p := <-found:
		return p, nil
	default:
	}

	if errors.Is(context.Cause(scanCtx), ErrScanTimeout) {
		return nil, fmt.Errorf("%w: no peripheral exposing %s within %s", ErrScanTimeout, m.Service(), m.opts.ScanTimeout)
	}
	if scanErr != nil {
		return nil, m.failure(op, scanErr)
	}
	return nil, m.failure(op, scanCtx.Err())
}

func (m *Manager) connect(op *operation, p device.Peripheral) error {
	connCtx, stop := context.WithCancelCause(op.ctx)
	defer stop(nil)

	m.timers.Start(op.timerID("connect"), m.opts.ConnectTimeout, func() { stop(device.ErrTimeout) }, timer.Silent())

	timedOut := func(err error) error {
		if errors.Is(context.Cause(connCtx), device.ErrTimeout) {
			return fmt.Errorf("%w after %s", device.ErrTimeout, m.opts.ConnectTimeout)
		}
		return err
	}

	if err := p.Connect(connCtx); err != nil {
		if op.ctx.Err() != nil {
			return m.failure(op, err)
		}
		return &ConnectError{DeviceID: p.ID(), Err: timedOut(err)}
	}

	if err := p.DiscoverAll(connCtx); err != nil {
		if op.ctx.Err() != nil {
			return m.failure(op, err)
		}
		return &DiscoveryError{DeviceID: p.ID(), Err: timedOut(err)}
	}
	return nil
}

// failure maps an error observed during op to the error returned to the caller.
func (m *Manager) failure(op *operation, err error) error {
	if op.superseded.Load() {
		return ErrSuperseded
	}
	if op.ctx.Err() != nil {
		if cause := context.Cause(op.ctx); cause != nil {
			return cause
		}
	}
	return err
}

func (m *Manager) begin(ctx context.Context) *operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.WithField("op", m.current.id).Warn("Establish superseded by a newer call")
		m.current.supersede()
	}

	m.seq++
	op := &operation{id: m.seq}
	op.ctx, op.cancel = context.WithCancelCause(ctx)
	m.current = op
	return op
}

func (m *Manager) finish(op *operation) {
	for _, id := range op.timerIDs {
		m.timers.Cancel(id)
	}
	op.cancel(nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == op {
		m.current = nil
	}
}

// watch installs the single disconnect observer for p, replacing an earlier one.
func (m *Manager) watch(p device.Peripheral, onDisconnected func(device.Peripheral)) {
	stop := make(chan struct{})
	id := p.ID()

	m.mu.Lock()
	if prev, ok := m.watchers[id]; ok {
		close(prev)
	}
	m.watchers[id] = stop
	m.mu.Unlock()

	disconnected := p.Disconnected()
	groutine.Go(context.Background(), m.logger, "disconnect-watch", func(ctx context.Context) {
		select {
		case <-disconnected:
		case <-stop:
			return
		}

		// Both channels may be ready at once; only the registered observer may fire.
		m.mu.Lock()
		if m.watchers[id] != stop {
			m.mu.Unlock()
			return
		}
		delete(m.watchers, id)
		m.mu.Unlock()

		m.logger.WithField("device", id).Info("Peripheral disconnected")
		if onDisconnected != nil {
			onDisconnected(p)
		}
	})
}

// Watching returns the number of installed disconnect observers.
func (m *Manager) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// CancelAll aborts an in-flight Establish and cancels every connection to a peripheral
// exposing the target service. Failures are joined.
func (m *Manager) CancelAll(ctx context.Context) error {
	m.mu.Lock()
	if m.current != nil {
		m.current.supersede()
	}
	m.mu.Unlock()

	connected, err := m.central.Connected(ctx, []string{m.Service()})
	if err != nil {
		return fmt.Errorf("list connected peripherals: %w", err)
	}

	var errs []error
	for _, p := range connected {
		if err := p.CancelConnection(); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", p.ID(), err))
			continue
		}
		m.logger.WithField("device", p.ID()).Debug("Connection cancelled")
	}

	m.logger.WithFields(logrus.Fields{
		"count":  len(connected),
		"failed": len(errs),
	}).Info("Connections cancelled")
	return errors.Join(errs...)
}

// Restorable reports whether a peripheral exposing the target service is already connected.
func (m *Manager) Restorable(ctx context.Context) (bool, error) {
	if err := m.central.WaitPoweredOn(ctx); err != nil {
		return false, err
	}
	connected, err := m.central.Connected(ctx, []string{m.Service()})
	if err != nil {
		return false, err
	}
	return len(connected) > 0, nil
}

// Close removes every disconnect observer without invoking it.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, stop := range m.watchers {
		close(stop)
		delete(m.watchers, id)
	}
}
