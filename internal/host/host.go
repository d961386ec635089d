// Package host declares the OS background-execution capabilities the core depends on.
package host

import (
	"errors"
	"time"
)

// Token is an OS-assigned background window identifier.
type Token uint64

// InvalidToken is never returned for a granted window.
const InvalidToken Token = 0

var (
	// ErrNoWindowAvailable is returned by BackgroundWindows.Begin when the OS refuses a window.
	ErrNoWindowAvailable = errors.New("no background window available")

	// ErrNotPermitted is returned by ProcessingTasks.Submit for an identifier without a registered handler.
	ErrNotPermitted = errors.New("processing task identifier not permitted")

	// ErrTooManyPending is returned by ProcessingTasks.Submit when the OS pending budget is exhausted.
	ErrTooManyPending = errors.New("too many pending processing task requests")
)

// BackgroundWindows grants time-limited execution while the app is not in the foreground.
type BackgroundWindows interface {
	// Begin requests a window. onExpire is invoked by the OS, on an arbitrary goroutine,
	// shortly before the window is revoked.
	Begin(name string, onExpire func()) (Token, error)

	// End releases a window. Ending an unknown or already ended token is a no-op.
	End(token Token)
}

// ProcessingTask is an OS-delivered deferred task instance.
type ProcessingTask interface {
	Identifier() string
	SetExpirationHandler(fn func())
	SetCompleted(success bool)
}

// ProcessingTasks is the OS scheduler for deferred processing tasks.
// Identifiers are singleton slots: a new submission replaces a pending one.
type ProcessingTasks interface {
	Register(identifier string, handler func(ProcessingTask))
	Submit(identifier string, earliestBegin time.Time) error
	Cancel(identifier string)
	CancelAll()

	// Pending returns the identifiers whose submission has not been launched yet.
	Pending() []string
}
