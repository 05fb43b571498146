package agent

import (
	"errors"
	"fmt"
)

// Dispatch errors.
var (
	// ErrAgentUnavailable is returned when the host has no attache or is
	// not UP or ALERT.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrOperationTimedOut is returned when a command was not answered
	// before its deadline.
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrConnectionClosed is returned for commands pending when the
	// connection went away.
	ErrConnectionClosed = errors.New("connection closed")
)

// Registry and handshake errors.
var (
	ErrAttacheExists       = errors.New("attache already registered")
	ErrHandshakeInProgress = errors.New("handshake already in progress")
	ErrHostNotAccepting    = errors.New("host does not accept connections")
	ErrNoCommands          = errors.New("no commands given")
)

// HostError carries the host and the first sequence number of a failed
// dispatch.
type HostError struct {
	HostID   string
	Sequence uint64
	Err      error
}

func (e *HostError) Error() string {
	if e.Sequence == 0 {
		return fmt.Sprintf("host %s: %v", e.HostID, e.Err)
	}
	return fmt.Sprintf("host %s seq %d: %v", e.HostID, e.Sequence, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

func hostErr(hostID string, seq uint64, err error) error {
	return &HostError{HostID: hostID, Sequence: seq, Err: err}
}
