package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/tick"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordWindow("granted")
		c.RecordProcessing("scheduled")
		c.RecordEstablish(nil)
		c.RecordSession(tick.Session{})
		c.Observe(context.Background(), nil)
	})
}

func TestRecordCounters(t *testing.T) {
	c := NewCollector()

	c.RecordWindow("granted")
	c.RecordWindow("granted")
	c.RecordWindow("denied")
	c.RecordProcessing("executing")
	c.RecordEstablish(nil)
	c.RecordEstablish(errors.New("scan timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.windows.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.windows.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.processing.WithLabelValues("executing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.establish.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.establish.WithLabelValues("error")))
}

func TestRecordSession(t *testing.T) {
	c := NewCollector()
	start := time.Now()

	c.RecordSession(tick.Session{Mode: tick.ModeDownload, Started: start, Finished: start.Add(time.Second)})
	c.RecordSession(tick.Session{Mode: tick.ModeDrain, Started: start, Finished: start.Add(time.Second), Error: "link lost"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("download", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues("drain", "error")))
}

func TestObserveConsumesBusEvents(t *testing.T) {
	bus := events.NewBus(logrus.New())
	c := NewCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Observe(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool { return bus.Listeners(events.TickReceived) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, bus.Listeners(events.BackgroundTaskExpired), "metrics MUST NOT observe expiry events")

	bus.Publish(events.Event{Type: events.TickReceived})
	bus.Publish(events.Event{Type: events.TickReceived})
	bus.Publish(events.Event{Type: events.TimerFired, Name: "idle"})
	bus.Publish(events.Event{Type: events.SessionFinished, Payload: tick.Session{Mode: tick.ModeDrain}})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.ticks) == 2 &&
			testutil.ToFloat64(c.timersFired) == 1 &&
			testutil.ToFloat64(c.sessions.WithLabelValues("drain", "ok")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Zero(t, bus.Listeners(events.TickReceived), "Observe MUST unsubscribe on exit")
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordWindow("expired")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `bgble_background_windows_total{result="expired"} 1`)
}
