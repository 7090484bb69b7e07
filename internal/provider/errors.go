package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is returned by every adapter. Transient errors (timeouts, rate
// limits, 5xx) may be retried; anything else is permanent.
type Error struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: %s error (%d): %v", e.Provider, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %s error: %v", e.Provider, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient *Error.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// classify wraps a transport-level failure. Caller cancellation is
// permanent; deadlines and network timeouts are transient.
func classify(provider string, err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Err: err}
	}
	transient := errors.Is(err, context.DeadlineExceeded)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		transient = true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		transient = true
	}
	return &Error{Provider: provider, Transient: transient, Err: err}
}
