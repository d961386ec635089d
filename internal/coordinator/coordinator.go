// Package coordinator owns every registry of the background BLE exchange core and exposes the
// request/response calls and events the application layer uses.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/bgtask"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/exchange"
	"github.com/srg/bgble/internal/groutine"
	"github.com/srg/bgble/internal/host"
	"github.com/srg/bgble/internal/metrics"
	"github.com/srg/bgble/internal/processing"
	"github.com/srg/bgble/internal/restore"
	"github.com/srg/bgble/internal/tick"
	"github.com/srg/bgble/internal/timer"
)

// ErrProcessingExpired is the cancellation cause of a job whose processing task ran out of budget.
var ErrProcessingExpired = errors.New("processing task expired")

// Task names used by the interactive calls.
const (
	DownloadTask = "download"
	DrainTask    = "drain"
)

// AutoRun describes the exchange performed whenever the OS launches the processing task.
type AutoRun struct {
	TaskName string
	Ticks    int
	Idle     time.Duration
	// Reschedule, when positive, submits the task again this long after each run.
	Reschedule time.Duration
}

// Options configures the coordinator.
type Options struct {
	Connection  connection.Options
	Tick        tick.Options
	RestoreIdle time.Duration
	AutoRun     *AutoRun
}

// Coordinator is the explicit context object holding the timer, background window,
// processing and connection registries.
type Coordinator struct {
	bus       *events.Bus
	timers    *timer.Service
	tracker   *bgtask.Tracker
	scheduler *processing.Scheduler
	conn      *connection.Manager
	protocol  *tick.Protocol
	job       *exchange.Job
	restorer  *restore.Handler
	metrics   *metrics.Collector
	logger    *logrus.Logger
	opts      Options

	mu      sync.Mutex
	running map[string]*runningJob
	wg      sync.WaitGroup
}

type runningJob struct {
	cancel context.CancelCauseFunc
}

// New wires the core on top of the host and radio capabilities. collector may be nil.
func New(windows host.BackgroundWindows, tasks host.ProcessingTasks, central device.Central, collector *metrics.Collector, logger *logrus.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}

	bus := events.NewBus(logger)
	timers := timer.NewService(bus, logger)
	tracker := bgtask.NewTracker(windows, bus, logger)
	conn := connection.NewManager(central, timers, logger, opts.Connection)
	protocol := tick.NewProtocol(timers, bus, logger, opts.Tick)
	job := exchange.NewJob(tracker, conn, protocol, bus, collector, logger)

	return &Coordinator{
		bus:       bus,
		timers:    timers,
		tracker:   tracker,
		scheduler: processing.NewScheduler(tasks, bus, logger),
		conn:      conn,
		protocol:  protocol,
		job:       job,
		restorer:  restore.NewHandler(conn, job, opts.RestoreIdle, logger),
		metrics:   collector,
		logger:    logger,
		opts:      opts,
		running:   make(map[string]*runningJob),
	}
}

// Events returns the bus carrying TimerFired, BackgroundTaskExpired, ProcessingExecuting,
// ProcessingExpired, TickReceived and SessionFinished.
func (c *Coordinator) Events() *events.Bus {
	return c.bus
}

// StartTimer starts an application timer that publishes TimerFired{id}.
func (c *Coordinator) StartTimer(id string, delay time.Duration) {
	c.timers.Start(id, delay, nil)
}

func (c *Coordinator) CancelTimer(id string) bool {
	return c.timers.Cancel(id)
}

func (c *Coordinator) BeginBackgroundTask(name string) (*bgtask.Handle, error) {
	h, err := c.tracker.Begin(name)
	if err != nil {
		c.metrics.RecordWindow("denied")
		return nil, err
	}
	c.metrics.RecordWindow("granted")
	return h, nil
}

func (c *Coordinator) EndBackgroundTask(name string) bool {
	return c.tracker.End(name)
}

func (c *Coordinator) ScheduleProcessing(name string, minDelay time.Duration) (string, error) {
	id, err := c.scheduler.Schedule(name, minDelay)
	if err != nil {
		c.metrics.RecordProcessing("rejected")
		return "", err
	}
	c.metrics.RecordProcessing("scheduled")
	return id, nil
}

func (c *Coordinator) CompleteProcessing(name string, success bool) bool {
	ok := c.scheduler.Complete(name, success)
	if ok {
		c.metrics.RecordProcessing("completed")
	}
	return ok
}

func (c *Coordinator) CancelProcessing(name string) bool {
	return c.scheduler.Cancel(name)
}

func (c *Coordinator) CancelAllProcessing() int {
	return c.scheduler.CancelAll()
}

// ProcessingState returns the lifecycle state of a processing task name.
func (c *Coordinator) ProcessingState(name string) processing.State {
	return c.scheduler.State(name)
}

// Download runs a bounded exchange inside the "download" background window.
func (c *Coordinator) Download(ctx context.Context, ticks int, onTick func(received, total int, value uint32)) (tick.Session, error) {
	return c.job.Run(ctx, exchange.Request{
		TaskName: DownloadTask,
		Ticks:    ticks,
		OnTick:   onTick,
	})
}

// Drain runs an idle drain inside the "drain" background window.
func (c *Coordinator) Drain(ctx context.Context, idle time.Duration, onTick func(received int, value uint32)) (tick.Session, error) {
	return c.job.Run(ctx, exchange.Request{
		TaskName: DrainTask,
		Idle:     idle,
		OnTick: func(received, _ int, value uint32) {
			if onTick != nil {
				onTick(received, value)
			}
		},
	})
}

// Disconnect cancels every connection to the target service.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	return c.conn.CancelAll(ctx)
}

// Restore drains a peripheral left connected by a previous process.
func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	return c.restorer.Restore(ctx)
}

// Run observes processing task launches and executes the AutoRun exchange for them until ctx
// is done. Without AutoRun it only feeds the metrics collector. Running jobs are cancelled and
// awaited before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	groutine.Go(ctx, c.logger, "metrics-observer", func(ctx context.Context) {
		c.metrics.Observe(ctx, c.bus)
	})

	if c.opts.AutoRun == nil {
		<-ctx.Done()
		return nil
	}

	sub := c.bus.Subscribe(events.ProcessingExecuting, events.ProcessingExpired)
	defer sub.Close()

	auto := *c.opts.AutoRun
	c.logger.WithFields(logrus.Fields{
		"task":  auto.TaskName,
		"ticks": auto.Ticks,
	}).Info("Processing task auto-run enabled")

	for {
		select {
		case <-ctx.Done():
			c.cancelRunning(context.Cause(ctx))
			c.wg.Wait()
			return nil

		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch e.Type {
			case events.ProcessingExecuting:
				c.metrics.RecordProcessing("executing")
				if e.Name != auto.TaskName {
					c.logger.WithField("task", e.Name).Warn("No job for processing task, completing")
					c.CompleteProcessing(e.Name, true)
					continue
				}
				c.launch(ctx, auto)

			case events.ProcessingExpired:
				c.metrics.RecordProcessing("expired")
				c.mu.Lock()
				rj, ok := c.running[e.Name]
				c.mu.Unlock()
				if ok {
					rj.cancel(ErrProcessingExpired)
				} else {
					c.CompleteProcessing(e.Name, false)
				}
			}
		}
	}
}

func (c *Coordinator) launch(parent context.Context, auto AutoRun) {
	ctx, cancel := context.WithCancelCause(parent)
	rj := &runningJob{cancel: cancel}

	c.mu.Lock()
	if prev, ok := c.running[auto.TaskName]; ok {
		prev.cancel(context.Canceled)
	}
	c.running[auto.TaskName] = rj
	c.mu.Unlock()

	c.wg.Add(1)
	groutine.Go(ctx, c.logger, "processing-job", func(ctx context.Context) {
		defer c.wg.Done()
		defer cancel(nil)

		session, err := c.job.Run(ctx, exchange.Request{
			TaskName: auto.TaskName,
			Ticks:    auto.Ticks,
			Idle:     auto.Idle,
		})

		c.mu.Lock()
		if c.running[auto.TaskName] == rj {
			delete(c.running, auto.TaskName)
		}
		c.mu.Unlock()

		log := c.logger.WithFields(logrus.Fields{
			"task":     auto.TaskName,
			"session":  session.ID,
			"received": session.Received,
		})
		if err != nil {
			log.WithError(err).Warn("Processing job failed")
		} else {
			log.Info("Processing job finished")
		}
		c.CompleteProcessing(auto.TaskName, err == nil)

		if auto.Reschedule > 0 && parent.Err() == nil {
			if _, err := c.ScheduleProcessing(auto.TaskName, auto.Reschedule); err != nil {
				log.WithError(err).Warn("Failed to reschedule processing task")
			}
		}
	})
}

func (c *Coordinator) cancelRunning(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rj := range c.running {
		rj.cancel(cause)
	}
}

// Close stops timers, ends held background windows and removes disconnect observers.
func (c *Coordinator) Close() {
	c.timers.Stop()
	c.tracker.EndAll()
	c.conn.Close()
}
