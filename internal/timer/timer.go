// Package timer provides software countdown timers keyed by a caller-chosen id.
//
// Timers are independent of the caller that started them and can be cancelled by id from
// anywhere. Re-registering a pending id supersedes the earlier timer: it is stopped and its
// work never runs.
package timer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
)

// State is the lifecycle state of a timer.
type State int

const (
	Pending State = iota
	Fired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fired:
		return "fired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type entry struct {
	id     string
	delay  time.Duration
	work   func()
	t      *time.Timer
	state  State
	silent bool
}

// Option configures a single timer.
type Option func(*entry)

// Silent keeps the timer off the event bus. Used for timeouts owned by other components.
func Silent() Option {
	return func(e *entry) { e.silent = true }
}

// Service owns the timer registry.
type Service struct {
	mu     sync.Mutex
	timers map[string]*entry
	bus    *events.Bus
	logger *logrus.Logger
}

// NewService creates a timer service. bus may be nil, in which case no TimerFired events are published.
func NewService(bus *events.Bus, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		timers: make(map[string]*entry),
		bus:    bus,
		logger: logger,
	}
}

// Start schedules work to run once after delay. A pending timer with the same id is cancelled first.
// work may be nil when only the TimerFired event is wanted.
func (s *Service) Start(id string, delay time.Duration, work func(), opts ...Option) {
	e := &entry{id: id, delay: delay, work: work, state: Pending}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	if prev, ok := s.timers[id]; ok {
		prev.t.Stop()
		prev.state = Cancelled
		s.logger.WithField("timer_id", id).Debug("Superseding pending timer")
	}
	s.timers[id] = e
	e.t = time.AfterFunc(delay, func() { s.fire(e) })
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"timer_id": id,
		"delay":    delay,
	}).Debug("Timer started")
}

// Cancel stops the pending timer with the given id. Returns false if no timer was pending.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.t.Stop()
	e.state = Cancelled
	delete(s.timers, id)

	s.logger.WithField("timer_id", id).Debug("Timer cancelled")
	return true
}

// Pending reports whether a timer with the given id is waiting to fire.
func (s *Service) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Len returns the number of pending timers.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.timers {
		e.t.Stop()
		e.state = Cancelled
		delete(s.timers, id)
	}
}

// fire runs on the time.AfterFunc goroutine. The registry entry is removed before work runs,
// so work may start a timer with the same id.
func (s *Service) fire(e *entry) {
	s.mu.Lock()
	if current, ok := s.timers[e.id]; !ok || current != e {
		// cancelled or superseded after the runtime timer already fired
		s.mu.Unlock()
		return
	}
	delete(s.timers, e.id)
	e.state = Fired
	s.mu.Unlock()

	s.logger.WithField("timer_id", e.id).Debug("Timer fired")

	if s.bus != nil && !e.silent {
		s.bus.Publish(events.Event{Type: events.TimerFired, Name: e.id})
	}
	if e.work != nil {
		e.work()
	}
}
