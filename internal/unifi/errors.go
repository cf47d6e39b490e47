package unifi

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the controller rejects the session
	// or the login credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionClosed is returned by requests made on a closed Session.
	ErrSessionClosed = errors.New("session closed")
)

// TransportError is returned by every controller call that fails, whether
// from the network, a timeout, an HTTP error status, a controller error
// response, or an open circuit breaker.
type TransportError struct {
	Op         string // e.g. "login", "stat/sta"
	StatusCode int    // 0 when no HTTP response was received.
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("unifi %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("unifi %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether any error in err's chain is a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
