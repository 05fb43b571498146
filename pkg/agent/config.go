package agent

import (
	"errors"
	"time"
)

// Dispatcher defaults.
const (
	DefaultCommandTimeout   = 30 * time.Second
	DefaultSweepInterval    = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	// DefaultTimeout applies to calls whose commands carry no timeout override.
	DefaultTimeout time.Duration

	// SweepInterval is how often expired waiters are collected.
	SweepInterval time.Duration

	// HandshakeTimeout bounds the wait for an agent's first frame.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   DefaultCommandTimeout,
		SweepInterval:    DefaultSweepInterval,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("default timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	return nil
}
