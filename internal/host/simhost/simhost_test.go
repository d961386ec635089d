package simhost

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newHost(opts Options) *Host {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return New(opts, logger)
}

func TestHost_GrantBudget(t *testing.T) {
	h := newHost(Options{WindowRate: 0, WindowBurst: 2})
	defer h.Stop()

	a, err := h.Begin("a", nil)
	require.NoError(t, err)
	b, err := h.Begin("b", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "tokens MUST be unique")

	_, err = h.Begin("c", nil)
	assert.ErrorIs(t, err, host.ErrNoWindowAvailable, "exhausted bucket MUST refuse a window")

	h.End(a)
	h.End(a)
	assert.Equal(t, 1, h.ActiveWindows())
}

func TestHost_WindowExpiry(t *testing.T) {
	h := newHost(Options{WindowRate: rate.Inf, WindowDuration: 10 * time.Millisecond})
	defer h.Stop()

	var expired atomic.Int32
	_, err := h.Begin("sync", func() { expired.Add(1) })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestHost_EndedWindowNeverExpires(t *testing.T) {
	h := newHost(Options{WindowRate: rate.Inf, WindowDuration: 10 * time.Millisecond})
	defer h.Stop()

	var expired atomic.Int32
	token, err := h.Begin("sync", func() { expired.Add(1) })
	require.NoError(t, err)
	h.End(token)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, expired.Load())
	assert.False(t, h.ExpireWindow(token))
}

func TestHost_SubmitRequiresHandler(t *testing.T) {
	h := newHost(DefaultOptions())
	defer h.Stop()

	err := h.Submit("unknown", time.Now())
	assert.ErrorIs(t, err, host.ErrNotPermitted)
}

func TestHost_SubmitReplacesPending(t *testing.T) {
	h := newHost(Options{ProcessingBudget: time.Second})
	defer h.Stop()

	launched := make(chan host.ProcessingTask, 2)
	h.Register("refresh", func(pt host.ProcessingTask) { launched <- pt })

	require.NoError(t, h.Submit("refresh", time.Now().Add(time.Hour)))
	require.NoError(t, h.Submit("refresh", time.Now().Add(10*time.Millisecond)))
	assert.Equal(t, []string{"refresh"}, h.Pending(), "identifier MUST occupy a single slot")

	select {
	case pt := <-launched:
		assert.Equal(t, "refresh", pt.Identifier())
		pt.SetCompleted(true)
	case <-time.After(time.Second):
		t.Fatal("replacement submission MUST launch")
	}

	assert.Empty(t, h.Pending())
	require.Len(t, h.Completions(), 1)
	assert.True(t, h.Completions()[0].Success)
}

func TestHost_MaxPending(t *testing.T) {
	h := newHost(Options{MaxPending: 1})
	defer h.Stop()
	h.Register("a", func(host.ProcessingTask) {})
	h.Register("b", func(host.ProcessingTask) {})

	require.NoError(t, h.Submit("a", time.Now().Add(time.Hour)))
	require.NoError(t, h.Submit("a", time.Now().Add(time.Hour)), "replacing MUST NOT count against the budget")
	assert.ErrorIs(t, h.Submit("b", time.Now().Add(time.Hour)), host.ErrTooManyPending)

	h.CancelAll()
	assert.NoError(t, h.Submit("b", time.Now().Add(time.Hour)))
}

func TestHost_ProcessingBudgetExpiry(t *testing.T) {
	h := newHost(Options{ProcessingBudget: 10 * time.Millisecond})
	defer h.Stop()

	var expired atomic.Int32
	h.Register("refresh", func(pt host.ProcessingTask) {
		pt.SetExpirationHandler(func() { expired.Add(1) })
	})
	require.NoError(t, h.Submit("refresh", time.Now().Add(time.Hour)))
	require.True(t, h.LaunchNow("refresh"))

	assert.Eventually(t, func() bool { return expired.Load() == 1 }, time.Second, 2*time.Millisecond)
}

func TestHost_CompletedTaskNeverExpires(t *testing.T) {
	h := newHost(Options{ProcessingBudget: time.Hour})
	defer h.Stop()

	var expired atomic.Int32
	h.Register("refresh", func(pt host.ProcessingTask) {
		pt.SetExpirationHandler(func() { expired.Add(1) })
		pt.SetCompleted(false)
		pt.SetCompleted(true)
	})
	require.NoError(t, h.Submit("refresh", time.Now()))
	require.True(t, h.LaunchNow("refresh"))

	assert.False(t, h.ExpireTask("refresh"), "completed task MUST leave the running table")
	assert.Zero(t, expired.Load())
	require.Len(t, h.Completions(), 1, "only the first completion MUST be recorded")
	assert.False(t, h.Completions()[0].Success)
}

func TestHost_CancelPreventsLaunch(t *testing.T) {
	h := newHost(Options{})
	defer h.Stop()

	var launched atomic.Int32
	h.Register("refresh", func(host.ProcessingTask) { launched.Add(1) })
	require.NoError(t, h.Submit("refresh", time.Now().Add(10*time.Millisecond)))
	h.Cancel("refresh")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, launched.Load())
	assert.False(t, h.LaunchNow("refresh"))
}
