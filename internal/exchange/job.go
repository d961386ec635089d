// Package exchange runs one complete tick exchange inside a background window.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/bgtask"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/groutine"
	"github.com/srg/bgble/internal/metrics"
	"github.com/srg/bgble/internal/tick"
)

// ErrWindowExpired is the cancellation cause when the OS revokes the job's background window.
var ErrWindowExpired = errors.New("background window expired")

// Request describes one exchange. Ticks > 0 downloads that many ticks; Ticks == 0 drains
// until the peripheral has been quiet for Idle.
type Request struct {
	TaskName string
	Ticks    int
	Idle     time.Duration
	OnTick   func(received, total int, value uint32)
}

// Job wires the background window, connection and tick protocol together.
type Job struct {
	tracker  *bgtask.Tracker
	conn     *connection.Manager
	protocol *tick.Protocol
	bus      *events.Bus
	metrics  *metrics.Collector
	logger   *logrus.Logger
}

// NewJob creates an exchange job. collector may be nil.
func NewJob(tracker *bgtask.Tracker, conn *connection.Manager, protocol *tick.Protocol, bus *events.Bus, collector *metrics.Collector, logger *logrus.Logger) *Job {
	if logger == nil {
		logger = logrus.New()
	}
	return &Job{
		tracker:  tracker,
		conn:     conn,
		protocol: protocol,
		bus:      bus,
		metrics:  collector,
		logger:   logger,
	}
}

// Run executes req. The background window is released and connections are cancelled on every path.
func (j *Job) Run(ctx context.Context, req Request) (tick.Session, error) {
	if req.Ticks > 0 {
		if _, err := tick.EncodeRequest(req.Ticks); err != nil {
			return tick.Session{}, err
		}
	} else if req.Ticks < 0 || req.Idle <= 0 {
		return tick.Session{}, fmt.Errorf("%w: drain needs a positive idle timeout", tick.ErrInvalidArgument)
	}

	log := j.logger.WithFields(logrus.Fields{
		"task":  req.TaskName,
		"ticks": req.Ticks,
	})

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Observe expiry before the window exists so the tracker never auto-ends it under us.
	expiry := j.bus.Subscribe(events.BackgroundTaskExpired)
	defer expiry.Close()

	if _, err := j.tracker.Begin(req.TaskName); err != nil {
		j.metrics.RecordWindow("denied")
		return tick.Session{}, err
	}
	j.metrics.RecordWindow("granted")
	defer j.tracker.End(req.TaskName)

	groutine.Go(ctx, j.logger, "window-expiry", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-expiry.C():
				if !ok {
					return
				}
				if e.Name == req.TaskName {
					j.metrics.RecordWindow("expired")
					log.Warn("Background window expiring, aborting exchange")
					cancel(ErrWindowExpired)
					return
				}
			}
		}
	})

	dev, err := j.conn.Establish(ctx, func(p device.Peripheral) {
		log.WithField("device", p.ID()).Debug("Exchange peripheral disconnected")
	})
	j.metrics.RecordEstablish(err)
	if err != nil {
		return tick.Session{}, j.cause(ctx, err)
	}
	defer func() {
		if err := j.conn.CancelAll(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to cancel connections after exchange")
		}
	}()

	var session tick.Session
	if req.Ticks > 0 {
		session, err = j.protocol.Download(ctx, dev, req.Ticks, req.OnTick)
	} else {
		received := 0
		session, err = j.protocol.Drain(ctx, dev, req.Idle, func(v uint32) {
			received++
			if req.OnTick != nil {
				req.OnTick(received, 0, v)
			}
		})
	}
	return session, j.cause(ctx, err)
}

// cause prefers the window-expiry cause over the generic cancellation error it produced.
func (j *Job) cause(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrWindowExpired) {
		return cause
	}
	return err
}
