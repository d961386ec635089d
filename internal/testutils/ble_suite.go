package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bgble/internal/events"
	"github.com/srg/bgble/internal/timer"
	"github.com/stretchr/testify/suite"
)

// FakeBLESuite provides a reusable test suite with a fake central and one tick peripheral.
//
// Basic usage (automatic setup with a disconnected tick peripheral that answers requests):
//
//	type ExchangeSuite struct {
//	    testutils.FakeBLESuite
//	}
//
//	func TestExchangeSuite(t *testing.T) {
//	    suite.Run(t, new(ExchangeSuite))
//	}
//
// Custom peripheral usage:
//
//	func (s *ExchangeSuite) SetupTest() {
//	    s.WithPeripheral().Connected()
//	    s.FakeBLESuite.SetupTest() // Call parent last to apply configuration
//	}
type FakeBLESuite struct {
	suite.Suite

	Logger     *logrus.Logger
	Bus        *events.Bus
	Timers     *timer.Service
	Central    *FakeCentral
	Peripheral *FakePeripheral

	builder *PeripheralBuilder
}

// WithPeripheral returns the builder used by SetupTest, creating the default one if needed.
func (s *FakeBLESuite) WithPeripheral() *PeripheralBuilder {
	if s.builder == nil {
		s.builder = TickPeripheral().WithTickResponder(1)
	}
	return s.builder
}

func (s *FakeBLESuite) SetupTest() {
	s.Logger = NewLogger()
	s.Bus = events.NewBus(s.Logger)
	s.Timers = timer.NewService(s.Bus, s.Logger)

	s.Peripheral = s.WithPeripheral().Build()
	s.Central = NewFakeCentral(s.Peripheral)
}

func (s *FakeBLESuite) TearDownTest() {
	if s.Timers != nil {
		s.Timers.Stop()
	}
	s.builder = nil
}
