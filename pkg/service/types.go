package service

import (
	"errors"
	"time"
)

// Service errors.
var (
	ErrNotStarted     = errors.New("service not started")
	ErrAlreadyStarted = errors.New("service already started")
	ErrRejected       = errors.New("handshake rejected")
	ErrNoManager      = errors.New("no manager address")
	ErrNotConnected   = errors.New("agent not connected")
)

// ServiceState is the lifecycle state of a service. A service moves
// forward only: IDLE, STARTING, RUNNING, STOPPING, STOPPED. A failed
// Start goes straight to STOPPED.
type ServiceState uint8

const (
	StateIdle ServiceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// stopTimeout bounds how long worker pools drain on shutdown.
const stopTimeout = 5 * time.Second
