// Package simhost is an in-process implementation of the host background-execution capabilities.
//
// Background windows are granted from a token bucket and expire after a fixed duration. Processing
// task submissions occupy one slot per identifier, launch once their earliest-begin date has passed
// and expire when their execution budget runs out.
package simhost

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/host"
	"golang.org/x/time/rate"
)

// Options controls the simulated OS budgets.
type Options struct {
	// WindowDuration is how long a background window lasts before expiry is announced.
	WindowDuration time.Duration
	// WindowRate and WindowBurst configure the grant token bucket.
	WindowRate  rate.Limit
	WindowBurst int
	// ProcessingBudget is the execution time a launched processing task gets before expiry.
	ProcessingBudget time.Duration
	// LaunchDelay is added to the earliest-begin date of every submission.
	LaunchDelay time.Duration
	// MaxPending caps the number of distinct pending submissions; 0 means unlimited.
	MaxPending int
}

// DefaultOptions mirrors the budgets of a typical mobile OS.
func DefaultOptions() Options {
	return Options{
		WindowDuration:   30 * time.Second,
		WindowRate:       rate.Every(time.Second),
		WindowBurst:      4,
		ProcessingBudget: 60 * time.Second,
		MaxPending:       10,
	}
}

type window struct {
	name     string
	expiry   *time.Timer
	onExpire func()
}

type submission struct {
	earliest time.Time
	timer    *time.Timer
}

// Completion records a processing task outcome reported through SetCompleted.
type Completion struct {
	Identifier string
	Success    bool
	At         time.Time
}

// Host simulates the OS background-execution subsystem.
type Host struct {
	opts    Options
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu          sync.Mutex
	nextToken   host.Token
	windows     map[host.Token]*window
	handlers    map[string]func(host.ProcessingTask)
	pending     map[string]*submission
	running     map[string]*task
	completions []Completion
	stopped     bool
}

var (
	_ host.BackgroundWindows = (*Host)(nil)
	_ host.ProcessingTasks   = (*Host)(nil)
)

// New creates a simulated host.
func New(opts Options, logger *logrus.Logger) *Host {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WindowBurst <= 0 {
		opts.WindowBurst = 1
	}
	return &Host{
		opts:     opts,
		limiter:  rate.NewLimiter(opts.WindowRate, opts.WindowBurst),
		logger:   logger,
		windows:  make(map[host.Token]*window),
		handlers: make(map[string]func(host.ProcessingTask)),
		pending:  make(map[string]*submission),
		running:  make(map[string]*task),
	}
}

// Begin grants a background window if the token bucket allows it.
func (h *Host) Begin(name string, onExpire func()) (host.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || !h.limiter.Allow() {
		return host.InvalidToken, fmt.Errorf("%w: %q", host.ErrNoWindowAvailable, name)
	}

	h.nextToken++
	token := h.nextToken
	w := &window{name: name, onExpire: onExpire}
	if h.opts.WindowDuration > 0 {
		w.expiry = time.AfterFunc(h.opts.WindowDuration, func() { h.expireWindow(token, w) })
	}
	h.windows[token] = w

	h.logger.WithFields(logrus.Fields{
		"task":  name,
		"token": token,
	}).Debug("Host granted background window")
	return token, nil
}

// End releases a background window.
func (h *Host) End(token host.Token) {
	h.mu.Lock()
	w, ok := h.windows[token]
	if ok {
		delete(h.windows, token)
		if w.expiry != nil {
			w.expiry.Stop()
		}
	}
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(logrus.Fields{
			"task":  w.name,
			"token": token,
		}).Debug("Host released background window")
	}
}

// ExpireWindow announces expiry of a window immediately. Returns false for unknown tokens.
func (h *Host) ExpireWindow(token host.Token) bool {
	h.mu.Lock()
	w, ok := h.windows[token]
	if ok && w.expiry != nil {
		w.expiry.Stop()
	}
	h.mu.Unlock()

	if ok {
		h.expireWindow(token, w)
	}
	return ok
}

func (h *Host) expireWindow(token host.Token, w *window) {
	h.mu.Lock()
	current, ok := h.windows[token]
	h.mu.Unlock()
	if !ok || current != w {
		return
	}

	h.logger.WithFields(logrus.Fields{
		"task":  w.name,
		"token": token,
	}).Info("Host background window expiring")
	if w.onExpire != nil {
		w.onExpire()
	}
}

// ActiveWindows returns the number of windows not yet ended.
func (h *Host) ActiveWindows() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.windows)
}

// Register installs the launch handler for a processing task identifier.
func (h *Host) Register(identifier string, handler func(host.ProcessingTask)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[identifier] = handler
}

// Submit requests a launch of identifier no earlier than earliestBegin.
// A pending submission for the same identifier is replaced.
func (h *Host) Submit(identifier string, earliestBegin time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return fmt.Errorf("%w: host stopped", host.ErrNotPermitted)
	}
	if _, ok := h.handlers[identifier]; !ok {
		return fmt.Errorf("%w: %q", host.ErrNotPermitted, identifier)
	}

	prev, replacing := h.pending[identifier]
	if !replacing && h.opts.MaxPending > 0 && len(h.pending) >= h.opts.MaxPending {
		return fmt.Errorf("%w: %d pending", host.ErrTooManyPending, len(h.pending))
	}
	if replacing {
		prev.timer.Stop()
	}

	delay := time.Until(earliestBegin)
	if delay < 0 {
		delay = 0
	}
	delay += h.opts.LaunchDelay

	s := &submission{earliest: earliestBegin}
	s.timer = time.AfterFunc(delay, func() { h.launch(identifier, s) })
	h.pending[identifier] = s

	h.logger.WithFields(logrus.Fields{
		"task":     identifier,
		"earliest": earliestBegin.Format(time.RFC3339),
		"replaced": replacing,
	}).Debug("Host accepted processing task request")
	return nil
}

// Cancel removes a pending submission.
func (h *Host) Cancel(identifier string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.pending[identifier]; ok {
		s.timer.Stop()
		delete(h.pending, identifier)
	}
}

// CancelAll removes every pending submission.
func (h *Host) CancelAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.pending {
		s.timer.Stop()
		delete(h.pending, id)
	}
}

// Pending returns the identifiers with a pending submission, sorted.
func (h *Host) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.pending))
	for id := range h.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LaunchNow launches a pending submission without waiting for its earliest-begin date.
func (h *Host) LaunchNow(identifier string) bool {
	h.mu.Lock()
	s, ok := h.pending[identifier]
	if ok {
		s.timer.Stop()
	}
	h.mu.Unlock()

	if ok {
		h.launch(identifier, s)
	}
	return ok
}

// ExpireTask announces expiry of a running processing task immediately.
func (h *Host) ExpireTask(identifier string) bool {
	h.mu.Lock()
	t, ok := h.running[identifier]
	h.mu.Unlock()

	if ok {
		t.expire()
	}
	return ok
}

// Completions returns the recorded processing task outcomes in report order.
func (h *Host) Completions() []Completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Completion(nil), h.completions...)
}

// Stop refuses further requests and cancels every pending timer.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	for id, s := range h.pending {
		s.timer.Stop()
		delete(h.pending, id)
	}
	for _, w := range h.windows {
		if w.expiry != nil {
			w.expiry.Stop()
		}
	}
	for _, t := range h.running {
		t.stopBudget()
	}
}

func (h *Host) launch(identifier string, s *submission) {
	h.mu.Lock()
	if current, ok := h.pending[identifier]; !ok || current != s {
		h.mu.Unlock()
		return
	}
	delete(h.pending, identifier)
	handler := h.handlers[identifier]

	t := &task{id: identifier, host: h}
	if h.opts.ProcessingBudget > 0 {
		t.budget = time.AfterFunc(h.opts.ProcessingBudget, t.expire)
	}
	h.running[identifier] = t
	h.mu.Unlock()

	h.logger.WithField("task", identifier).Info("Host launching processing task")
	handler(t)
}

func (h *Host) completed(t *task, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.running[t.id]; ok && current == t {
		delete(h.running, t.id)
	}
	h.completions = append(h.completions, Completion{Identifier: t.id, Success: success, At: time.Now()})
}

type task struct {
	id   string
	host *Host

	mu        sync.Mutex
	onExpire  func()
	budget    *time.Timer
	completed bool
}

func (t *task) Identifier() string {
	return t.id
}

func (t *task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

func (t *task) SetCompleted(success bool) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	if t.budget != nil {
		t.budget.Stop()
	}
	t.mu.Unlock()

	t.host.logger.WithFields(logrus.Fields{
		"task":    t.id,
		"success": success,
	}).Debug("Host received processing task completion")
	t.host.completed(t, success)
}

func (t *task) expire() {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	fn := t.onExpire
	t.mu.Unlock()

	t.host.logger.WithField("task", t.id).Info("Host processing task budget exhausted")
	if fn != nil {
		fn()
	}
}

func (t *task) stopBudget() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.budget != nil {
		t.budget.Stop()
	}
}
