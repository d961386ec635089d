package main

import (
	"errors"
	"fmt"

	"github.com/srg/bgble/internal/bgtask"
	"github.com/srg/bgble/internal/connection"
	"github.com/srg/bgble/internal/device"
	"github.com/srg/bgble/internal/exchange"
	"github.com/srg/bgble/internal/tick"
	"github.com/srg/bgble/pkg/config"
)

// FormatUserError turns core errors into a one-line hint. Unknown errors keep their message.
func FormatUserError(err error) string {
	var connErr *connection.ConnectError
	var transportErr *tick.TransportError

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("BLE is not supported on this platform (%v)", err)
	case errors.Is(err, bgtask.ErrGrantDenied):
		return "the OS refused a background window; try again later"
	case errors.Is(err, exchange.ErrWindowExpired):
		return "the background window expired before the exchange finished"
	case errors.Is(err, connection.ErrScanTimeout):
		return "no peripheral advertising the tick service was found; is it powered and in range?"
	case errors.As(err, &connErr):
		return fmt.Sprintf("could not connect to %s: %v", connErr.DeviceID, connErr.Err)
	case errors.Is(err, tick.ErrInvalidArgument):
		return err.Error()
	case errors.Is(err, tick.ErrResponseTimeout):
		return fmt.Sprintf("peripheral stopped responding: %v", err)
	case errors.As(err, &transportErr):
		return fmt.Sprintf("BLE %s failed: %v", transportErr.Op, transportErr.Err)
	case errors.Is(err, config.ErrInvalidConfig):
		return err.Error()
	default:
		return err.Error()
	}
}
