package connect

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the package.
var (
	// ErrNoHost is returned when the destination URL has no host. It is a
	// configuration error; no connection attempt is made.
	ErrNoHost = errors.New("connect: no host in url")

	// ErrHTTPSNotSupported is returned for an https destination when the
	// connector was built without a TLS handshaker.
	ErrHTTPSNotSupported = errors.New("connect: https destination requires a TLS handshaker")
)

// TimeoutError reports that a whole connect sequence exceeded its deadline.
// The partially-built connection is discarded, never returned.
type TimeoutError struct {
	// Dest is the destination the connect was for.
	Dest string

	// Duration is the configured limit.
	Duration time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connect: %s timed out after %s", e.Dest, e.Duration)
}

// Timeout reports true, matching the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// Is implements error matching for TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}
