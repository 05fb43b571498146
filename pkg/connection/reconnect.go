package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultAttemptTimeout bounds a single connect attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Manager errors.
var (
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrAlreadyConnected = errors.New("already connected")
)

// State is the connection state seen by the agent.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc dials the manager and completes the handshake.
type ConnectFunc func(ctx context.Context) error

// Config configures a Manager.
type Config struct {
	Backoff BackoffConfig

	// AttemptTimeout bounds each connect attempt.
	AttemptTimeout time.Duration

	// Reconnect enables retrying after a failed first connect or a lost
	// connection.
	Reconnect bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Backoff:        DefaultBackoffConfig(),
		AttemptTimeout: DefaultAttemptTimeout,
		Reconnect:      true,
	}
}

// Manager drives a ConnectFunc through connect, loss and reconnect.
type Manager struct {
	connect ConnectFunc
	config  Config
	backoff *Backoff
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	ctx     context.Context
	cancel  context.CancelFunc
	retryCh chan struct{}
	wg      sync.WaitGroup

	onStateChange func(from, to State)
	onRetry       func(attempt int, delay time.Duration, err error)
}

// NewManager creates a manager. A nil logger disables logging.
func NewManager(connect ConnectFunc, config Config, logger *slog.Logger) *Manager {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		connect: connect,
		config:  config,
		backoff: NewBackoff(config.Backoff),
		logger:  logger,
		state:   StateDisconnected,
		retryCh: make(chan struct{}, 1),
	}
}

// OnStateChange sets the state change callback. It runs outside the lock.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnRetry sets the callback invoked before each backoff wait. err is the
// failure that caused the retry.
func (m *Manager) OnRetry(fn func(attempt int, delay time.Duration, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRetry = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of retries since the last success.
func (m *Manager) Attempts() int {
	return m.backoff.Attempts()
}

// setStateLocked switches state and returns the notification to run once
// the lock is released.
func (m *Manager) setStateLocked(to State) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	fn := m.onStateChange
	return func() {
		m.logger.Debug("connection state", "from", from, "to", to)
		if fn != nil {
			fn(from, to)
		}
	}
}

// Start makes the first connect attempt and starts the retry loop. With
// reconnect enabled a failed first attempt is retried in the background
// and Start returns nil; otherwise the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrManagerClosed
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(ctx)
		m.wg.Add(1)
		go m.loop()
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	err := m.attempt()
	if err == nil {
		return nil
	}
	if m.config.Reconnect {
		m.logger.Warn("initial connect failed, retrying", "error", err)
		m.retry()
		return nil
	}
	m.mu.Lock()
	notify = m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
	return err
}

// attempt runs the connect function once with the attempt timeout.
func (m *Manager) attempt() error {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, m.config.AttemptTimeout)
	err := m.connect(actx)
	cancel()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.backoff.Reset()
	notify()
	return nil
}

// ConnectionLost reports that the live connection dropped.
func (m *Manager) ConnectionLost(cause error) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("connection lost", "error", cause)
	if m.config.Reconnect {
		m.retry()
		return
	}
	m.mu.Lock()
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()
}

func (m *Manager) retry() {
	m.mu.Lock()
	notify := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()
	notify()

	select {
	case m.retryCh <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.retryCh:
			m.reconnect()
		}
	}
}

func (m *Manager) reconnect() {
	var lastErr error
	for {
		m.mu.Lock()
		state := m.state
		onRetry := m.onRetry
		m.mu.Unlock()
		if state != StateReconnecting {
			return
		}

		delay := m.backoff.Next()
		attempt := m.backoff.Attempts()
		if onRetry != nil {
			onRetry(attempt, delay, lastErr)
		}
		m.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if lastErr = m.attempt(); lastErr == nil {
			m.logger.Info("reconnected", "attempts", attempt)
			return
		}
	}
}

// Close stops reconnecting and waits for the retry loop to exit. It does
// not close the underlying connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(StateClosed)
	cancel := m.cancel
	m.mu.Unlock()
	notify()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
