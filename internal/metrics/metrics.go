// Package metrics exposes Prometheus counters for background windows, processing tasks,
// connection setup and tick sessions.
//
// Tick and session counters are fed from the event bus. Window and processing counters are
// recorded by the coordinator directly: subscribing to expiry events would register an
// observer and change how expiries are handled.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/tick"
)

const namespace = "bgble"

// Collector holds the metric vectors. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	windows         *prometheus.CounterVec
	processing      *prometheus.CounterVec
	establish       *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	ticks           prometheus.Counter
	timersFired     prometheus.Counter
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_windows_total",
			Help:      "Background window requests by result (granted, denied, expired)",
		}, []string{"result"}),
		processing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_tasks_total",
			Help:      "Processing task lifecycle transitions",
		}, []string{"event"}),
		establish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "establish_total",
			Help:      "Connection establish attempts by result",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_sessions_total",
			Help:      "Finished tick sessions by mode and result",
		}, []string{"mode", "result"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_session_duration_seconds",
			Help:      "Tick session duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_received_total",
			Help:      "Total number of tick values received",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Total number of software timers that fired",
		}),
	}

	c.registry.MustRegister(
		c.windows,
		c.processing,
		c.establish,
		c.sessions,
		c.sessionDuration,
		c.ticks,
		c.timersFired,
	)
	return c
}

// Registry returns the registry the collector registers with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordWindow counts a background window outcome.
func (c *Collector) RecordWindow(result string) {
	if c == nil {
		return
	}
	c.windows.WithLabelValues(result).Inc()
}

// RecordProcessing counts a processing task transition.
func (c *Collector) RecordProcessing(event string) {
	if c == nil {
		return
	}
	c.processing.WithLabelValues(event).Inc()
}

// RecordEstablish counts a connection establish outcome.
func (c *Collector) RecordEstablish(err error) {
	if c == nil {
		return
	}
	c.establish.WithLabelValues(result(err)).Inc()
}

// RecordSession counts a finished tick session.
func (c *Collector) RecordSession(s tick.Session) {
	if c == nil {
		return
	}
	res := "ok"
	if s.Error != "" {
		res = "error"
	}
	c.sessions.WithLabelValues(string(s.Mode), res).Inc()
	if !s.Finished.IsZero() {
		c.sessionDuration.WithLabelValues(string(s.Mode)).Observe(s.Finished.Sub(s.Started).Seconds())
	}
}

// Observe consumes tick, session and timer events from bus until ctx is done.
func (c *Collector) Observe(ctx context.Context, bus *events.Bus) {
	if c == nil {
		return
	}
	sub := bus.Subscribe(events.TickReceived, events.SessionFinished, events.TimerFired)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			switch e.Type {
			case events.TickReceived:
				c.ticks.Inc()
			case events.SessionFinished:
				if s, ok := e.Payload.(tick.Session); ok {
					c.RecordSession(s)
				}
			case events.TimerFired:
				c.timersFired.Inc()
			}
		}
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

