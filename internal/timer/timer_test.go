package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/stretchr/testify/suite"
)

type TimerTestSuite struct {
	suite.Suite

	bus     *events.Bus
	service *Service
}

func (s *TimerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.bus = events.NewBus(logger)
	s.service = NewService(s.bus, logger)
}

func (s *TimerTestSuite) TearDownTest() {
	s.service.Stop()
}

func (s *TimerTestSuite) TestFireRunsWorkOnce() {
	// GOAL: Verify a timer runs its work exactly once and leaves the registry
	//
	// TEST SCENARIO: Start 20ms timer → wait past the delay → work ran once → id no longer pending

	var runs atomic.Int32
	fired := s.bus.Subscribe(events.TimerFired)
	defer fired.Close()

	s.service.Start("once", 20*time.Millisecond, func() { runs.Add(1) })
	s.Require().True(s.service.Pending("once"), "timer MUST be pending after Start")

	s.Require().Eventually(func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	s.Assert().EqualValues(1, runs.Load(), "work MUST run exactly once")
	s.Assert().False(s.service.Pending("once"), "fired timer MUST be removed")

	select {
	case e := <-fired.C():
		s.Assert().Equal("once", e.Name, "TimerFired MUST carry the timer id")
	case <-time.After(time.Second):
		s.Fail("TimerFired MUST be published")
	}
}

func (s *TimerTestSuite) TestCancelBeforeFire() {
	// GOAL: Verify cancelling a pending timer guarantees its work never executes
	//
	// TEST SCENARIO: Start 30ms timer → cancel → wait past delay → work never ran

	var runs atomic.Int32
	s.service.Start("cancel-me", 30*time.Millisecond, func() { runs.Add(1) })

	s.Assert().True(s.service.Cancel("cancel-me"), "cancel of pending timer MUST report true")
	time.Sleep(60 * time.Millisecond)

	s.Assert().Zero(runs.Load(), "cancelled work MUST NOT run")
	s.Assert().Zero(s.service.Len())
}

func (s *TimerTestSuite) TestCancelAfterFireIsNoop() {
	// GOAL: Verify cancelling an already fired or unknown timer is a no-op
	//
	// TEST SCENARIO: Timer fires → Cancel returns false → unknown id Cancel returns false

	done := make(chan struct{})
	s.service.Start("fired", time.Millisecond, func() { close(done) })
	<-done

	s.Assert().False(s.service.Cancel("fired"), "cancel after fire MUST be a no-op")
	s.Assert().False(s.service.Cancel("never-started"), "cancel of unknown id MUST be a no-op")
}

func (s *TimerTestSuite) TestRestartSupersedesPendingTimer() {
	// GOAL: Verify re-registering a pending id cancels the earlier timer
	//
	// TEST SCENARIO: Start id with work A → restart id with work B → only B runs → one pending timer at a time

	var a, b atomic.Int32
	s.service.Start("idle", 20*time.Millisecond, func() { a.Add(1) })
	s.service.Start("idle", 40*time.Millisecond, func() { b.Add(1) })

	s.Assert().Equal(1, s.service.Len(), "MUST keep at most one pending timer per id")

	s.Require().Eventually(func() bool { return b.Load() == 1 }, time.Second, 5*time.Millisecond)
	s.Assert().Zero(a.Load(), "superseded work MUST NOT run")
}

func (s *TimerTestSuite) TestWorkMayRestartSameID() {
	// GOAL: Verify the entry is removed before work runs so work can re-register the id
	//
	// TEST SCENARIO: Work restarts itself twice → three runs observed → registry empty at the end

	var runs atomic.Int32
	var work func()
	work = func() {
		if runs.Add(1) < 3 {
			s.service.Start("loop", 5*time.Millisecond, work)
		}
	}
	s.service.Start("loop", 5*time.Millisecond, work)

	s.Require().Eventually(func() bool { return runs.Load() == 3 }, time.Second, 5*time.Millisecond)
	s.Require().Eventually(func() bool { return s.service.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *TimerTestSuite) TestStopCancelsAll() {
	var runs atomic.Int32
	for _, id := range []string{"a", "b", "c"} {
		s.service.Start(id, 20*time.Millisecond, func() { runs.Add(1) })
	}

	s.service.Stop()
	time.Sleep(40 * time.Millisecond)

	s.Assert().Zero(runs.Load(), "stopped timers MUST NOT run")
	s.Assert().Zero(s.service.Len())
}

func (s *TimerTestSuite) TestNilWorkPublishesEvent() {
	fired := s.bus.Subscribe(events.TimerFired)
	defer fired.Close()

	s.service.Start("ui", time.Millisecond, nil)

	select {
	case e := <-fired.C():
		s.Assert().Equal("ui", e.Name)
	case <-time.After(time.Second):
		s.Fail("TimerFired MUST be published for timers without work")
	}
}

func (s *TimerTestSuite) TestSilentTimerStaysOffBus() {
	// GOAL: Verify a silent timer runs its work without publishing TimerFired
	//
	// TEST SCENARIO: Subscribe TimerFired → start silent timer → work runs → no event delivered

	fired := s.bus.Subscribe(events.TimerFired)
	defer fired.Close()

	done := make(chan struct{})
	s.service.Start("establish/1/scan", time.Millisecond, func() { close(done) }, Silent())

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("silent timer work MUST run")
	}
	time.Sleep(20 * time.Millisecond)
	s.Assert().Empty(fired.C(), "silent timer MUST NOT publish TimerFired")
}

func TestTimerTestSuite(t *testing.T) {
	suite.Run(t, new(TimerTestSuite))
}
