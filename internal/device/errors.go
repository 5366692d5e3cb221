package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected       ConnectionState = "not_connected"
	AlreadyConnected   ConnectionState = "already_connected"
	AdapterUnavailable ConnectionState = "adapter_unavailable"
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
	ErrNotConnected       = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected   = &ConnectionError{State: AlreadyConnected}
	ErrAdapterUnavailable = &ConnectionError{State: AdapterUnavailable}
)

// Operation errors
var (
	ErrIO          = errors.New("i/o failure")
	ErrUnsupported = errors.New("unsupported")
	ErrClosed      = errors.New("closed")
)

// FailureReason classifies why a handshake did not produce an open stream.
type FailureReason int

const (
	ReasonRefused FailureReason = iota
	ReasonTimeout
	ReasonResourceUnavailable
)

func (r FailureReason) String() string {
	switch r {
	case ReasonRefused:
		return "refused"
	case ReasonTimeout:
		return "timeout"
	case ReasonResourceUnavailable:
		return "resource_unavailable"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ConnectFailedError reports a failed handshake.
type ConnectFailedError struct {
	Address string
	Reason  FailureReason
	Err     error
}

func (e *ConnectFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect to %s failed: %s", e.Address, e.Reason)
	}
	return fmt.Sprintf("connect to %s failed: %s: %v", e.Address, e.Reason, e.Err)
}

func (e *ConnectFailedError) Unwrap() error { return e.Err }

// Is matches another *ConnectFailedError by Reason, so
// errors.Is(err, &ConnectFailedError{Reason: ReasonTimeout}) works.
func (e *ConnectFailedError) Is(target error) bool {
	t, ok := target.(*ConnectFailedError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// ClassifyConnectError maps a dialer error to a FailureReason.
func ClassifyConnectError(err error) FailureReason {
	switch {
	case err == nil:
		return ReasonRefused
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrAdapterUnavailable):
		return ReasonResourceUnavailable
	}

	msg := err.Error()
	switch {
	case ContainsIgnoreCase(msg, "timed out"), ContainsIgnoreCase(msg, "timeout"):
		return ReasonTimeout
	case ContainsIgnoreCase(msg, "busy"),
		ContainsIgnoreCase(msg, "in progress"),
		ContainsIgnoreCase(msg, "no resources"),
		ContainsIgnoreCase(msg, "not ready"),
		ContainsIgnoreCase(msg, "powered off"):
		return ReasonResourceUnavailable
	default:
		return ReasonRefused
	}
}

// ContainsIgnoreCase checks substring case-insensitively. Backends use it in
// their NormalizeError implementations.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
