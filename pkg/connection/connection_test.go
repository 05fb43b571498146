package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsToCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2})

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, time.Minute, time.Minute,
	}
	for i, exp := range want {
		base := b.Current()
		b.Next()
		if base != exp {
			t.Errorf("attempt %d: base = %v, want %v", i, base, exp)
		}
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, time.Second, b.Current())
	assert.Zero(t, b.Attempts())
}

func TestBackoffJitterRange(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())
	upper := time.Duration(float64(time.Second) * (1 + DefaultJitter))

	seen := make(map[time.Duration]bool)
	for range 20 {
		b.Reset()
		d := b.Next()
		if d < time.Second || d > upper {
			t.Fatalf("delay %v outside [1s, %v]", d, upper)
		}
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary")
}

func TestBackoffConfigNormalized(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: -1, Max: 0, Multiplier: 0.5, Jitter: -3})
	assert.Equal(t, DefaultInitialBackoff, b.Current())
	assert.Equal(t, DefaultInitialBackoff, b.Next())
	assert.Equal(t, 2*DefaultInitialBackoff, b.Current())
}

func TestSchedule(t *testing.T) {
	got := Schedule(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3})
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond, time.Second,
	}, got)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateClosed:       "CLOSED",
		State(99):         "UNKNOWN",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func fastConfig() Config {
	return Config{
		Backoff:   BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Jitter: 0},
		Reconnect: true,
	}
}

// stateLog records state transitions.
type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(_, to State) {
	l.mu.Lock()
	l.states = append(l.states, to)
	l.mu.Unlock()
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func TestManagerConnects(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		calls.Add(1)
		return nil
	}, fastConfig(), nil)
	log := &stateLog{}
	m.OnStateChange(log.record)

	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []State{StateConnecting, StateConnected}, log.get())
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyConnected)
}

func TestManagerRetriesFailedStart(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	}, fastConfig(), nil)

	var retries atomic.Int32
	m.OnRetry(func(int, time.Duration, error) { retries.Add(1) })

	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), retries.Load())
	assert.Zero(t, m.Attempts())
}

func TestManagerWithoutReconnectReturnsError(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect = false
	m := NewManager(func(context.Context) error { return errors.New("refused") }, cfg, nil)
	defer m.Close()

	assert.Error(t, m.Start(context.Background()))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerReconnectsAfterLoss(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		calls.Add(1)
		return nil
	}, fastConfig(), nil)
	log := &stateLog{}
	m.OnStateChange(log.record)

	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	m.ConnectionLost(errors.New("reset by peer"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)

	assert.Equal(t, []State{StateConnecting, StateConnected, StateReconnecting, StateConnected}, log.get())
}

func TestManagerLossIgnoredWhenNotConnected(t *testing.T) {
	m := NewManager(func(context.Context) error { return nil }, fastConfig(), nil)
	m.ConnectionLost(errors.New("spurious"))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManagerCloseStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(func(context.Context) error {
		calls.Add(1)
		return errors.New("refused")
	}, fastConfig(), nil)

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)

	m.Close()
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerClosed)
}

func TestManagerAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect = false
	cfg.AttemptTimeout = 10 * time.Millisecond
	m := NewManager(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, cfg, nil)
	defer m.Close()

	assert.ErrorIs(t, m.Start(context.Background()), context.DeadlineExceeded)
}
