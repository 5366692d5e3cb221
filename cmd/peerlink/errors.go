package main

import (
	"errors"
	"fmt"

	"github.com/srg/peerlink/internal/device"
	"github.com/srg/peerlink/internal/lua"
	"github.com/srg/peerlink/internal/store"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the peer link ended while the command still
	// needed it. This is distinct from device.ErrNotConnected, which is
	// returned when using a peer that was never connected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a one-line message with a hint
// where the fix is obvious.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var cf *device.ConnectFailedError
	if errors.As(err, &cf) {
		msg := fmt.Sprintf("could not connect to %s: %s", cf.Address, describeReason(cf.Reason))
		if cf.Err != nil {
			msg += fmt.Sprintf(" (%v)", cf.Err)
		}
		return msg
	}

	var luaErr *lua.LuaError
	if errors.As(err, &luaErr) {
		return luaErr.Error()
	}

	switch {
	case errors.Is(err, device.ErrAdapterUnavailable):
		return fmt.Sprintf("%v\n  Bluetooth adapter is unavailable. Is Bluetooth turned on? Try 'peerlink adapter on'", err)
	case errors.Is(err, device.ErrAlreadyConnected):
		return fmt.Sprintf("%v\n  A connection to this peer is already active", err)
	case errors.Is(err, device.ErrNotConnected):
		return fmt.Sprintf("%v\n  The peer is not connected", err)
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%v\n  The selected backend does not support this operation; see --backend", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection to the peer was lost"
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("%v\n  Use 'peerlink devices --known' to list remembered peers", err)
	}
	return err.Error()
}

func describeReason(r device.FailureReason) string {
	switch r {
	case device.ReasonTimeout:
		return "the peer did not answer in time"
	case device.ReasonResourceUnavailable:
		return "the adapter is busy or powered off"
	case device.ReasonRefused:
		return "the peer refused the connection"
	default:
		return r.String()
	}
}
