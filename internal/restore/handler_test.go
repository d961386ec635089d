package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/bgble/internal/bgtask"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/exchange"
	"github.com/srg/bgble/internal/host/simhost"
	"github.com/srg/bgble/internal/testutils"
	"github.com/srg/bgble/internal/tick"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"
)

type HandlerTestSuite struct {
	testutils.FakeBLESuite

	host    *simhost.Host
	handler *Handler
}

func (s *HandlerTestSuite) SetupTest() {
	s.WithPeripheral().Connected()
	s.FakeBLESuite.SetupTest()
	s.host = simhost.New(simhost.Options{WindowRate: rate.Inf, WindowDuration: time.Hour}, s.Logger)
	s.handler = s.newHandler()
}

func (s *HandlerTestSuite) newHandler() *Handler {
	conn := connection.NewManager(s.Central, s.Timers, s.Logger, connection.DefaultOptions(testutils.TickService))
	protocol := tick.NewProtocol(s.Timers, s.Bus, s.Logger, tick.Options{
		ServiceUUID: testutils.TickService,
		RequestChar: testutils.TickRequestChar,
		NotifyChar:  testutils.TickNotifyChar,
	})
	tracker := bgtask.NewTracker(s.host, s.Bus, s.Logger)
	job := exchange.NewJob(tracker, conn, protocol, s.Bus, nil, s.Logger)
	return NewHandler(conn, job, 50*time.Millisecond, s.Logger)
}

func (s *HandlerTestSuite) TearDownTest() {
	s.host.Stop()
	s.FakeBLESuite.TearDownTest()
}

func (s *HandlerTestSuite) TestRestoreDrainsAndDisconnects() {
	// GOAL: Verify a connected peripheral is drained and disconnected under the restoration window
	//
	// TEST SCENARIO: Peripheral connected at start → Restore → no scan → buffered ticks drained → peripheral disconnected → window released

	ticks := s.Bus.Subscribe(events.TickReceived)
	defer ticks.Close()

	go func() {
		deadline := time.Now().Add(time.Second)
		for s.Peripheral.ActiveSubscriptions() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		s.Peripheral.Emit(7, 8, 9)
	}()

	restored, err := s.handler.Restore(context.Background())
	s.Require().NoError(err)
	s.Assert().True(restored)

	s.Assert().Zero(s.Central.ScanCalls(), "restoration MUST reuse the existing connection")
	s.Assert().Empty(s.Peripheral.Writes(), "restoration MUST NOT request ticks")
	s.Assert().False(s.Peripheral.IsConnected(), "restoration MUST disconnect when done")
	s.Assert().Zero(s.host.ActiveWindows())
	s.Assert().Len(ticks.C(), 3)
}

func (s *HandlerTestSuite) TestNothingToRestore() {
	s.Peripheral.Disconnect()

	restored, err := s.handler.Restore(context.Background())

	s.Require().NoError(err)
	s.Assert().False(restored)
	s.Assert().Zero(s.host.ActiveWindows())
	s.Assert().Zero(s.Central.ScanCalls())
}

func (s *HandlerTestSuite) TestRestoreFailure() {
	s.Peripheral.MonitorErr = errors.New("notifications not supported")

	restored, err := s.handler.Restore(context.Background())

	s.Assert().True(restored)
	s.Assert().Error(err)
	s.Assert().Zero(s.host.ActiveWindows(), "failed restoration MUST release its window")
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}
