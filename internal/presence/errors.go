package presence

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleAttempt is returned by Supervisor.Connect when a newer
	// connection attempt started while this one was in flight.
	ErrStaleAttempt = errors.New("stale connection attempt")

	// ErrUnknownEntity is returned when a MAC is not a tracked device.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrNotConnected is returned by operations needing a live controller
	// session while the supervisor is disconnected.
	ErrNotConnected = errors.New("not connected to controller")
)

// ConfigurationError describes controller settings that cannot be used to
// connect, e.g. a missing host or credentials.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid controller configuration: %s", e.Reason)
}
