// Package bgtask maps application task names to OS background-window tokens.
package bgtask

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/host"
)

// ErrGrantDenied is returned when the OS refuses a background window.
var ErrGrantDenied = errors.New("background window denied")

// State is the lifecycle state of a background task handle.
type State int

const (
	Active State = iota
	Expired
	Ended
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Handle is a granted background window.
type Handle struct {
	Name  string
	Token host.Token
	state atomic.Int32
}

// State returns the handle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

func (h *Handle) set(state State) {
	h.state.Store(int32(state))
}

// Tracker owns the name → token registry.
//
// When the OS announces expiry and someone listens for BackgroundTaskExpired, the event is
// published and the handle is left for the caller to End. With no listener the window is
// released immediately, because the OS penalizes apps that overrun an expired window.
type Tracker struct {
	mu      sync.Mutex
	handles map[string]*Handle
	windows host.BackgroundWindows
	bus     *events.Bus
	logger  *logrus.Logger
}

// NewTracker creates a tracker on top of the OS background window capability.
func NewTracker(windows host.BackgroundWindows, bus *events.Bus, logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		handles: make(map[string]*Handle),
		windows: windows,
		bus:     bus,
		logger:  logger,
	}
}

// Begin requests a background window for name. An active window with the same name is ended first.
func (t *Tracker) Begin(name string) (*Handle, error) {
	t.End(name)

	h := &Handle{Name: name}

	// Hold the lock across the OS call so an immediate expiry cannot observe a half-built handle.
	t.mu.Lock()
	token, err := t.windows.Begin(name, func() { t.expired(h) })
	if err != nil {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{
			"task":  name,
			"error": err,
		}).Warn("Background window denied")
		return nil, fmt.Errorf("%w: task %q: %v", ErrGrantDenied, name, err)
	}
	h.Token = token
	t.handles[name] = h
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"task":  name,
		"token": token,
	}).Debug("Background window granted")
	return h, nil
}

// End releases the window for name. Returns false if name is unknown.
func (t *Tracker) End(name string) bool {
	t.mu.Lock()
	h, ok := t.handles[name]
	if ok {
		delete(t.handles, name)
		h.set(Ended)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	t.windows.End(h.Token)
	t.logger.WithFields(logrus.Fields{
		"task":  name,
		"token": h.Token,
	}).Debug("Background window ended")
	return true
}

// Active reports whether a window for name is held (including expired-but-observed windows).
func (t *Tracker) Active(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[name]
	return ok
}

// Len returns the number of held windows.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// EndAll releases every held window.
func (t *Tracker) EndAll() {
	t.mu.Lock()
	names := make([]string, 0, len(t.handles))
	for name := range t.handles {
		names = append(names, name)
	}
	t.mu.Unlock()

	for _, name := range names {
		t.End(name)
	}
}

func (t *Tracker) expired(h *Handle) {
	t.mu.Lock()
	if current, ok := t.handles[h.Name]; !ok || current != h {
		t.mu.Unlock()
		return
	}

	if t.bus != nil && t.bus.Listeners(events.BackgroundTaskExpired) > 0 {
		h.set(Expired)
		t.mu.Unlock()

		t.logger.WithField("task", h.Name).Info("Background window expiring, notifying observers")
		t.bus.Publish(events.Event{Type: events.BackgroundTaskExpired, Name: h.Name})
		return
	}

	delete(t.handles, h.Name)
	h.set(Ended)
	t.mu.Unlock()

	t.windows.End(h.Token)
	t.logger.WithFields(logrus.Fields{
		"task":  h.Name,
		"token": h.Token,
	}).Warn("Background window expired with no observer, ended automatically")
}
