package bgtask

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/host/simhost"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"
)

type TrackerTestSuite struct {
	suite.Suite

	host    *simhost.Host
	bus     *events.Bus
	tracker *Tracker
}

func (s *TrackerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.host = simhost.New(simhost.Options{WindowRate: rate.Inf, WindowDuration: time.Hour}, logger)
	s.bus = events.NewBus(logger)
	s.tracker = NewTracker(s.host, s.bus, logger)
}

func (s *TrackerTestSuite) TearDownTest() {
	s.host.Stop()
}

func (s *TrackerTestSuite) TestBeginEndLeavesNoResidue() {
	// GOAL: Verify begin followed by end leaves no handle and the name can be reused
	//
	// TEST SCENARIO: Begin → End → no handle, no OS window → Begin again succeeds with a new token

	first, err := s.tracker.Begin("sync")
	s.Require().NoError(err)
	s.Assert().Equal(Active, first.State())

	s.Assert().True(s.tracker.End("sync"))
	s.Assert().Equal(Ended, first.State())
	s.Assert().False(s.tracker.Active("sync"), "ended task MUST NOT leave a handle")
	s.Assert().Zero(s.host.ActiveWindows(), "ended task MUST release the OS window")

	second, err := s.tracker.Begin("sync")
	s.Require().NoError(err, "begin after end MUST succeed")
	s.Assert().NotEqual(first.Token, second.Token)
}

func (s *TrackerTestSuite) TestEndUnknownIsNoop() {
	s.Assert().False(s.tracker.End("never-started"))
	s.Assert().Zero(s.tracker.Len())
}

func (s *TrackerTestSuite) TestBeginActiveNameReplacesWindow() {
	// GOAL: Verify a second begin for an active name ends the previous OS window first
	//
	// TEST SCENARIO: Begin twice with same name → one handle, one OS window

	first, err := s.tracker.Begin("sync")
	s.Require().NoError(err)
	_, err = s.tracker.Begin("sync")
	s.Require().NoError(err)

	s.Assert().Equal(Ended, first.State(), "previous handle MUST be ended")
	s.Assert().Equal(1, s.tracker.Len())
	s.Assert().Equal(1, s.host.ActiveWindows(), "previous OS window MUST be released")
}

func (s *TrackerTestSuite) TestGrantDenied() {
	logger := logrus.New()
	denying := simhost.New(simhost.Options{WindowRate: 0, WindowBurst: 1}, logger)
	defer denying.Stop()
	tracker := NewTracker(denying, s.bus, logger)

	_, err := tracker.Begin("first")
	s.Require().NoError(err)

	_, err = tracker.Begin("second")
	s.Assert().ErrorIs(err, ErrGrantDenied, "refused window MUST surface ErrGrantDenied")
	s.Assert().False(tracker.Active("second"))
}

func (s *TrackerTestSuite) TestExpiryWithObserverKeepsHandle() {
	// GOAL: Verify expiry with a registered observer publishes an event and never auto-releases
	//
	// TEST SCENARIO: Subscribe → Begin → OS expires window → event received → handle Expired, window held → End releases

	sub := s.bus.Subscribe(events.BackgroundTaskExpired)
	defer sub.Close()

	h, err := s.tracker.Begin("sync")
	s.Require().NoError(err)
	s.Require().True(s.host.ExpireWindow(h.Token))

	select {
	case e := <-sub.C():
		s.Assert().Equal("sync", e.Name, "event MUST carry the task name")
	case <-time.After(time.Second):
		s.Fail("BackgroundTaskExpired MUST be published")
	}

	s.Assert().Equal(Expired, h.State())
	s.Assert().True(s.tracker.Active("sync"), "observed expiry MUST leave the handle for the caller")
	s.Assert().Equal(1, s.host.ActiveWindows(), "observed expiry MUST NOT release the window")

	s.Assert().True(s.tracker.End("sync"))
	s.Assert().Zero(s.host.ActiveWindows())
}

func (s *TrackerTestSuite) TestExpiryWithoutObserverAutoEnds() {
	// GOAL: Verify expiry with no observer releases the OS window immediately
	//
	// TEST SCENARIO: Begin → OS expires window → handle Ended and window released → later End is a no-op

	h, err := s.tracker.Begin("sync")
	s.Require().NoError(err)
	s.Require().True(s.host.ExpireWindow(h.Token))

	s.Assert().Equal(Ended, h.State())
	s.Assert().False(s.tracker.Active("sync"))
	s.Assert().Zero(s.host.ActiveWindows(), "unobserved expiry MUST release the window")
	s.Assert().False(s.tracker.End("sync"))
}

func (s *TrackerTestSuite) TestStaleExpiryIgnored() {
	// GOAL: Verify an expiry for a replaced handle does not touch the current one
	//
	// TEST SCENARIO: Begin → capture token → Begin again → expire old token via callback path → current handle untouched

	old, err := s.tracker.Begin("sync")
	s.Require().NoError(err)
	current, err := s.tracker.Begin("sync")
	s.Require().NoError(err)

	s.tracker.expired(old)

	s.Assert().Equal(Active, current.State())
	s.Assert().True(s.tracker.Active("sync"))
}

func (s *TrackerTestSuite) TestEndAll() {
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.tracker.Begin(name)
		s.Require().NoError(err)
	}

	s.tracker.EndAll()

	s.Assert().Zero(s.tracker.Len())
	s.Assert().Zero(s.host.ActiveWindows())
}

func TestTrackerTestSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}
