// Package tick implements the tick exchange over a control characteristic and a notification
// characteristic: a bounded download of N ticks, and an idle drain that consumes whatever the
// peripheral streams until it goes quiet.
package tick

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/timer"
)

// ErrResponseTimeout is returned when the peripheral stops responding during a download.
var ErrResponseTimeout = errors.New("response timeout")

// TransportError is a write, subscribe or notification failure during a session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Mode distinguishes bounded downloads from idle drains.
type Mode string

const (
	ModeDownload Mode = "download"
	ModeDrain    Mode = "drain"
)

// Session describes one exchange. The peripheral is borrowed for its duration only.
type Session struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Mode         Mode      `json:"mode"`
	Expected     int       `json:"expected,omitempty"`
	Received     int       `json:"received"`
	Started      time.Time `json:"started"`
	LastActivity time.Time `json:"last_activity"`
	Finished     time.Time `json:"finished"`
	Error        string    `json:"error,omitempty"`
}

// Received is the payload of a TickReceived event.
type Received struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
	Total     int    `json:"total,omitempty"`
	Value     uint32 `json:"value"`
}

// Options names the tick service characteristics.
type Options struct {
	ServiceUUID string
	RequestChar string
	NotifyChar  string

	// ResponseTimeout bounds the silence between download frames; zero disables it.
	ResponseTimeout time.Duration
}

// Protocol runs tick sessions.
type Protocol struct {
	timers *timer.Service
	bus    *events.Bus
	logger *logrus.Logger
	opts   Options
}

// NewProtocol creates a tick protocol. bus may be nil.
func NewProtocol(timers *timer.Service, bus *events.Bus, logger *logrus.Logger, opts Options) *Protocol {
	if logger == nil {
		logger = logrus.New()
	}
	return &Protocol{
		timers: timers,
		bus:    bus,
		logger: logger,
		opts:   opts,
	}
}

// Download requests total ticks and delivers them to onTick in arrival order.
// total must be within 1..MaxTicks; otherwise ErrInvalidArgument is returned before any I/O.
func (p *Protocol) Download(ctx context.Context, dev device.Peripheral, total int, onTick func(received, total int, value uint32)) (Session, error) {
	req, err := EncodeRequest(total)
	if err != nil {
		return Session{}, err
	}

	s := p.newSession(dev, ModeDownload, total)
	r := p.newRun(&s)
	defer r.stop()

	sub, err := dev.Monitor(p.opts.ServiceUUID, p.opts.NotifyChar)
	if err != nil {
		return p.finish(&s, &TransportError{Op: "subscribe", Err: err})
	}
	defer sub.Remove()

	if err := dev.Write(p.opts.ServiceUUID, p.opts.RequestChar, req); err != nil {
		return p.finish(&s, &TransportError{Op: "write", Err: err})
	}
	p.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"device":  s.DeviceID,
		"total":   total,
	}).Debug("Tick request written")

	if p.opts.ResponseTimeout > 0 {
		r.arm(p.opts.ResponseTimeout)
	}

	for s.Received < total {
		v, quiet, err := r.next(ctx, sub)
		if err != nil {
			return p.finish(&s, err)
		}
		if quiet {
			return p.finish(&s, fmt.Errorf("%w: %d of %d ticks after %s", ErrResponseTimeout, s.Received, total, p.opts.ResponseTimeout))
		}

		s.Received++
		s.LastActivity = time.Now()
		if p.opts.ResponseTimeout > 0 {
			r.arm(p.opts.ResponseTimeout)
		}
		p.deliver(&s, v)
		if onTick != nil {
			onTick(s.Received, total, v)
		}
	}
	return p.finish(&s, nil)
}

// Drain consumes notified ticks until none arrives within idle. Quiescence is success.
func (p *Protocol) Drain(ctx context.Context, dev device.Peripheral, idle time.Duration, onTick func(value uint32)) (Session, error) {
	if idle <= 0 {
		return Session{}, fmt.Errorf("%w: idle timeout must be positive, got %s", ErrInvalidArgument, idle)
	}

	s := p.newSession(dev, ModeDrain, 0)
	r := p.newRun(&s)
	defer r.stop()

	sub, err := dev.Monitor(p.opts.ServiceUUID, p.opts.NotifyChar)
	if err != nil {
		return p.finish(&s, &TransportError{Op: "subscribe", Err: err})
	}
	defer sub.Remove()

	r.arm(idle)
	for {
		v, quiet, err := r.next(ctx, sub)
		if err != nil {
			return p.finish(&s, err)
		}
		if quiet {
			p.logger.WithFields(logrus.Fields{
				"session": s.ID,
				"idle":    idle,
			}).Debug("Peripheral quiet, drain complete")
			return p.finish(&s, nil)
		}

		s.Received++
		s.LastActivity = time.Now()
		r.arm(idle)
		p.deliver(&s, v)
		if onTick != nil {
			onTick(v)
		}
	}
}

func (p *Protocol) newSession(dev device.Peripheral, mode Mode, expected int) Session {
	now := time.Now()
	return Session{
		ID:           uuid.NewString(),
		DeviceID:     dev.ID(),
		Mode:         mode,
		Expected:     expected,
		Started:      now,
		LastActivity: now,
	}
}

func (p *Protocol) deliver(s *Session, v uint32) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type: events.TickReceived,
		Name: s.ID,
		Payload: Received{
			SessionID: s.ID,
			Count:     s.Received,
			Total:     s.Expected,
			Value:     v,
		},
	})
}

func (p *Protocol) finish(s *Session, err error) (Session, error) {
	s.Finished = time.Now()
	log := p.logger.WithFields(logrus.Fields{
		"session":  s.ID,
		"mode":     s.Mode,
		"device":   s.DeviceID,
		"received": s.Received,
		"duration": s.Finished.Sub(s.Started).String(),
	})
	if err != nil {
		s.Error = err.Error()
		log.WithError(err).Warn("Tick session failed")
	} else {
		log.Info("Tick session finished")
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.SessionFinished, Name: s.ID, Payload: *s})
	}
	return *s, err
}

// run is the per-session timer state. Each arm bumps the generation, so a timer that
// fired just before being restarted is recognized as stale.
type run struct {
	timers  *timer.Service
	timerID string
	gen     uint64
	quiet   chan uint64
	done    chan struct{}
}

func (p *Protocol) newRun(s *Session) *run {
	return &run{
		timers:  p.timers,
		timerID: fmt.Sprintf("tick/%s/%s", s.ID, s.Mode),
		quiet:   make(chan uint64),
		done:    make(chan struct{}),
	}
}

func (r *run) arm(d time.Duration) {
	r.gen++
	gen := r.gen
	r.timers.Start(r.timerID, d, func() {
		select {
		case r.quiet <- gen:
		case <-r.done:
		}
	}, timer.Silent())
}

func (r *run) stop() {
	r.timers.Cancel(r.timerID)
	close(r.done)
}

// next waits for the next tick. quiet is true when the armed timer elapsed first.
func (r *run) next(ctx context.Context, sub device.Subscription) (value uint32, quiet bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return 0, false, context.Cause(ctx)

		case gen := <-r.quiet:
			if gen != r.gen {
				continue
			}
			return 0, true, nil

		case n, ok := <-sub.C():
			if !ok {
				return 0, false, &TransportError{Op: "notify", Err: device.ErrNotConnected}
			}
			if n.Err != nil {
				return 0, false, &TransportError{Op: "notify", Err: n.Err}
			}
			v, err := DecodeTick(n.Data)
			if err != nil {
				return 0, false, err
			}
			return v, false, nil
		}
	}
}
