package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Central is the radio-side capability: power state, connected peripherals and scanning.
type Central interface {
	// WaitPoweredOn blocks until the radio reports powered-on or ctx is done.
	WaitPoweredOn(ctx context.Context) error

	// Connected returns peripherals that are already connected and expose any of the services.
	Connected(ctx context.Context, services []string) ([]Peripheral, error)

	// Scan reports peripherals advertising any of the services until ctx is done.
	// A nil error is returned when the scan was stopped through ctx.
	Scan(ctx context.Context, services []string, handler func(Peripheral)) error
}

// Peripheral is a remote device. The core borrows it for the duration of an exchange.
type Peripheral interface {
	ID() string
	Name() string

	Connect(ctx context.Context) error
	DiscoverAll(ctx context.Context) error
	IsConnected() bool

	// Disconnected is closed when the link drops or the connection is cancelled.
	Disconnected() <-chan struct{}

	Write(service, characteristic string, data []byte) error
	Monitor(service, characteristic string) (Subscription, error)

	CancelConnection() error
}

// Notification is a single characteristic value or a terminal transport error.
type Notification struct {
	Data []byte
	Err  error
}

// Subscription delivers notifications in arrival order.
// C is closed after Remove or after a terminal error notification.
type Subscription interface {
	C() <-chan Notification
	Remove()
}
