package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// Tick service profile used across package tests.
const (
	TickService     = "6e3e0001-5c4a-4e3b-9a2f-5b1e0a7c1d00"
	TickRequestChar = "6e3e0002-5c4a-4e3b-9a2f-5b1e0a7c1d00"
	TickNotifyChar  = "6e3e0003-5c4a-4e3b-9a2f-5b1e0a7c1d00"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewLogger(),
	}
}

// NewLogger returns a logger with debug logs enabled to track execution flow.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// TickPeripheral returns a builder preconfigured with the tick service profile.
func TickPeripheral() *PeripheralBuilder {
	return NewPeripheralBuilder().
		WithName("ticker").
		WithService(TickService).
		WithCharacteristic(TickRequestChar, "write").
		WithCharacteristic(TickNotifyChar, "notify")
}
