// Package processing drives deferred OS processing tasks through their lifecycle.
//
// A task name moves Unscheduled → Scheduled → Executing → {Completed, Expired}. The OS launches
// tasks on its own schedule; the scheduler hands a launched task to observers of
// ProcessingExecuting and completes it on their behalf when nobody is listening.
package processing

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/host"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrSubmissionRejected is returned when the OS declines a processing task request.
var ErrSubmissionRejected = errors.New("processing task submission rejected")

// State is the lifecycle state of a processing task name.
type State int

const (
	Unscheduled State = iota
	Scheduled
	Executing
	Completed
	Expired
)

func (s State) String() string {
	switch s {
	case Unscheduled:
		return "unscheduled"
	case Scheduled:
		return "scheduled"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Registration is a pending processing task request.
type Registration struct {
	Name          string
	MinDelay      time.Duration
	EarliestBegin time.Time
	ScheduledAt   time.Time
}

type execution struct {
	task    host.ProcessingTask
	started time.Time
	expired bool
}

// Scheduler owns the pending registrations and the executing task table.
type Scheduler struct {
	mu         sync.Mutex
	tasks      host.ProcessingTasks
	bus        *events.Bus
	logger     *logrus.Logger
	registered map[string]struct{}
	pending    *orderedmap.OrderedMap[string, Registration]
	executing  map[string]*execution
	outcomes   map[string]State
}

// NewScheduler creates a scheduler on top of the OS processing task capability.
func NewScheduler(tasks host.ProcessingTasks, bus *events.Bus, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{
		tasks:      tasks,
		bus:        bus,
		logger:     logger,
		registered: make(map[string]struct{}),
		pending:    orderedmap.New[string, Registration](),
		executing:  make(map[string]*execution),
		outcomes:   make(map[string]State),
	}
}

// Schedule submits a request to launch name no earlier than minDelay from now.
// A pending request for the same name is superseded.
func (s *Scheduler) Schedule(name string, minDelay time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registered[name]; !ok {
		s.tasks.Register(name, s.launched)
		s.registered[name] = struct{}{}
	}

	now := time.Now()
	reg := Registration{
		Name:          name,
		MinDelay:      minDelay,
		EarliestBegin: now.Add(minDelay),
		ScheduledAt:   now,
	}

	if err := s.tasks.Submit(name, reg.EarliestBegin); err != nil {
		s.logger.WithFields(logrus.Fields{
			"task":  name,
			"error": err,
		}).Warn("Processing task request rejected")
		return "", fmt.Errorf("%w: %q: %v", ErrSubmissionRejected, name, err)
	}

	_, superseded := s.pending.Delete(name)
	s.pending.Set(name, reg)
	delete(s.outcomes, name)

	s.logger.WithFields(logrus.Fields{
		"task":       name,
		"earliest":   reg.EarliestBegin.Format(time.RFC3339),
		"superseded": superseded,
	}).Info("Processing task scheduled")
	return name, nil
}

// Complete reports the outcome of an executing task to the OS. No-op if name is not executing.
func (s *Scheduler) Complete(name string, success bool) bool {
	s.mu.Lock()
	exec, ok := s.executing[name]
	if ok {
		delete(s.executing, name)
		s.outcomes[name] = Completed
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	exec.task.SetCompleted(success)
	s.logger.WithFields(logrus.Fields{
		"task":     name,
		"success":  success,
		"duration": time.Since(exec.started).String(),
	}).Info("Processing task completed")
	return true
}

// Cancel withdraws a scheduled request. Executing tasks are not affected.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending.Delete(name); !ok {
		return false
	}
	s.tasks.Cancel(name)
	s.logger.WithField("task", name).Debug("Processing task request cancelled")
	return true
}

// CancelAll withdraws every scheduled request and returns how many were removed.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.pending.Len()
	s.pending = orderedmap.New[string, Registration]()
	s.tasks.CancelAll()
	s.logger.WithField("count", n).Debug("All processing task requests cancelled")
	return n
}

// State returns the lifecycle state of name.
func (s *Scheduler) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec, ok := s.executing[name]; ok {
		if exec.expired {
			return Expired
		}
		return Executing
	}
	if _, ok := s.pending.Get(name); ok {
		return Scheduled
	}
	if st, ok := s.outcomes[name]; ok {
		return st
	}
	return Unscheduled
}

// Pending returns the scheduled registrations in submission order.
func (s *Scheduler) Pending() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Registration, 0, s.pending.Len())
	for pair := s.pending.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Executing returns the names of the tasks currently held by the executing table, sorted.
func (s *Scheduler) Executing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.executing))
	for name := range s.executing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) hasListener(t events.Type) bool {
	return s.bus != nil && s.bus.Listeners(t) > 0
}

func (s *Scheduler) launched(task host.ProcessingTask) {
	name := task.Identifier()

	s.mu.Lock()
	// A Schedule between the host dequeuing this launch and here owns a fresh submission.
	if !slices.Contains(s.tasks.Pending(), name) {
		s.pending.Delete(name)
	}

	if !s.hasListener(events.ProcessingExecuting) {
		s.outcomes[name] = Completed
		s.mu.Unlock()

		s.logger.WithField("task", name).Warn("Processing task launched with no observer, completing without work")
		task.SetCompleted(true)
		return
	}

	prev := s.executing[name]
	exec := &execution{task: task, started: time.Now()}
	task.SetExpirationHandler(func() { s.expired(name, exec) })
	s.executing[name] = exec
	s.mu.Unlock()

	if prev != nil {
		s.logger.WithField("task", name).Warn("Processing task relaunched while executing, completing previous instance")
		prev.task.SetCompleted(true)
	}

	s.logger.WithField("task", name).Info("Processing task executing")
	s.bus.Publish(events.Event{Type: events.ProcessingExecuting, Name: name})
}

func (s *Scheduler) expired(name string, exec *execution) {
	s.mu.Lock()
	if current, ok := s.executing[name]; !ok || current != exec {
		s.mu.Unlock()
		return
	}

	if s.hasListener(events.ProcessingExpired) {
		exec.expired = true
		s.mu.Unlock()

		s.logger.WithField("task", name).Info("Processing task expiring, notifying observers")
		s.bus.Publish(events.Event{Type: events.ProcessingExpired, Name: name})
		return
	}

	delete(s.executing, name)
	s.outcomes[name] = Expired
	s.mu.Unlock()

	s.logger.WithField("task", name).Warn("Processing task expired with no observer, completed automatically")
	exec.task.SetCompleted(true)
}
