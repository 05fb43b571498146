package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/wire"
)

type mockListener struct {
	mock.Mock
}

func (m *mockListener) ProcessConnect(ctx context.Context, hostID string, hs *wire.Handshake) error {
	return m.Called(hostID, hs).Error(0)
}

func (m *mockListener) ProcessDisconnect(hostID string, reason string) {
	m.Called(hostID, reason)
}

func (m *mockListener) ProcessCommand(hostID string, cmd *wire.Command) {
	m.Called(hostID, cmd)
}

func (m *mockListener) ProcessAnswer(hostID string, ans *wire.Answer) {
	m.Called(hostID, ans)
}

func (m *mockListener) ProcessTimeout(hostID string, seqs []uint64) {
	m.Called(hostID, seqs)
}

// orderRecorder appends its name to a shared slice on connect.
type orderRecorder struct {
	name string
	mu   *sync.Mutex
	seen *[]string
	veto error
}

func (o *orderRecorder) ProcessConnect(context.Context, string, *wire.Handshake) error {
	o.mu.Lock()
	*o.seen = append(*o.seen, o.name)
	o.mu.Unlock()
	return o.veto
}

func (o *orderRecorder) ProcessDisconnect(string, string) {
	o.mu.Lock()
	*o.seen = append(*o.seen, o.name)
	o.mu.Unlock()
}

func newRecorders(names ...string) ([]*orderRecorder, *[]string) {
	var mu sync.Mutex
	seen := &[]string{}
	out := make([]*orderRecorder, len(names))
	for i, n := range names {
		out[i] = &orderRecorder{name: n, mu: &mu, seen: seen}
	}
	return out, seen
}

func TestRegisterCapabilityCheck(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)

	_, err := r.Register(nil, Options{Interest: InterestConnection})
	assert.ErrorIs(t, err, ErrNilListener)

	_, err = r.Register(CommandFuncs{}, Options{Interest: InterestConnection})
	assert.ErrorIs(t, err, ErrMissingCapability)

	_, err = r.Register(ConnectionFuncs{}, Options{Interest: InterestConnection | InterestCommand})
	assert.ErrorIs(t, err, ErrMissingCapability)

	_, err = r.Register(ConnectionFuncs{}, Options{Interest: InterestPriority})
	assert.ErrorIs(t, err, ErrNoInterest)

	id, err := r.Register(&mockListener{}, Options{Interest: InterestConnection | InterestCommand})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 1, r.Len())
}

func TestConnectOrderByPriority(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	recs, seen := newRecorders("plain", "p3", "p1", "p2")

	_, _ = r.Register(recs[0], Options{Name: "plain", Interest: InterestConnection, Recurring: true})
	_, _ = r.Register(recs[1], Options{Name: "p3", Priority: 3, Interest: InterestConnection | InterestPriority, Recurring: true})
	_, _ = r.Register(recs[2], Options{Name: "p1", Priority: 1, Interest: InterestConnection | InterestPriority, Recurring: true})
	_, _ = r.Register(recs[3], Options{Name: "p2", Priority: 2, Interest: InterestConnection | InterestPriority, Recurring: true})

	require.NoError(t, r.NotifyConnect(context.Background(), "h", &wire.Handshake{HostID: "h"}))
	assert.Equal(t, []string{"p1", "p2", "p3", "plain"}, *seen)
}

func TestConnectVetoShortCircuits(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	recs, seen := newRecorders("a", "b", "c")
	denied := errors.New("host quarantined")
	recs[1].veto = denied

	for i, rec := range recs {
		_, _ = r.Register(rec, Options{Name: rec.name, Priority: i, Interest: InterestConnection | InterestPriority, Recurring: true})
	}

	err := r.NotifyConnect(context.Background(), "h", &wire.Handshake{HostID: "h"})
	assert.ErrorIs(t, err, ErrConnectRejected)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, []string{"a", "b"}, *seen, "listener after the veto must not run")
}

func TestConnectPanicAndTimeoutAreVetoes(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		r := NewRegistry(DefaultConfig(), nil)
		_, _ = r.Register(ConnectionFuncs{Connect: func(context.Context, string, *wire.Handshake) error {
			panic("boom")
		}}, Options{Name: "panicky", Interest: InterestConnection, Recurring: true})

		err := r.NotifyConnect(context.Background(), "h", nil)
		assert.ErrorIs(t, err, ErrConnectRejected)
		assert.ErrorIs(t, err, ErrListenerPanic)
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewRegistry(DefaultConfig(), nil)
		release := make(chan struct{})
		defer close(release)
		_, _ = r.Register(ConnectionFuncs{Connect: func(context.Context, string, *wire.Handshake) error {
			<-release
			return nil
		}}, Options{Name: "slow", Interest: InterestConnection, Recurring: true, Timeout: 20 * time.Millisecond})

		start := time.Now()
		err := r.NotifyConnect(context.Background(), "h", nil)
		assert.ErrorIs(t, err, ErrListenerTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestNotifyBestEffort(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	var after []string

	_, _ = r.Register(ConnectionFuncs{Disconnect: func(string, string) { panic("first fails") }},
		Options{Name: "bad", Priority: 1, Interest: InterestConnection | InterestPriority, Recurring: true})
	_, _ = r.Register(ConnectionFuncs{Disconnect: func(hostID, reason string) {
		after = append(after, hostID+":"+reason)
	}}, Options{Name: "good", Priority: 2, Interest: InterestConnection | InterestPriority, Recurring: true})

	r.NotifyDisconnect("h1", "eof")
	assert.Equal(t, []string{"h1:eof"}, after, "a failing listener must not stop lower priorities")
}

func TestCommandNotifications(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	m := &mockListener{}
	cmd := wire.NewCommand([]byte("x"))
	ans := wire.NewAnswer(4, true, nil)

	m.On("ProcessCommand", "h", cmd).Once()
	m.On("ProcessAnswer", "h", ans).Once()
	m.On("ProcessTimeout", "h", []uint64{5, 6}).Once()

	_, err := r.Register(m, Options{Name: "mock", Interest: InterestCommand, Recurring: true})
	require.NoError(t, err)

	r.NotifyCommand("h", cmd)
	r.NotifyAnswer("h", ans)
	r.NotifyTimeout("h", []uint64{5, 6})
	// Connection events are not delivered to command-only listeners.
	r.NotifyDisconnect("h", "bye")

	m.AssertExpectations(t)
	m.AssertNotCalled(t, "ProcessDisconnect", mock.Anything, mock.Anything)
}

func TestNonRecurringRunsOnce(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	m := &mockListener{}
	m.On("ProcessDisconnect", "h", "first").Once()

	_, err := r.Register(m, Options{Name: "once", Interest: InterestConnection})
	require.NoError(t, err)

	r.NotifyDisconnect("h", "first")
	r.NotifyDisconnect("h", "second")

	m.AssertExpectations(t)
	assert.Zero(t, r.Len(), "one-shot registration should be removed")
}

func TestUnregisterDuringDispatch(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	var calls []string
	var secondID ID

	_, _ = r.Register(ConnectionFuncs{Disconnect: func(string, string) {
		calls = append(calls, "first")
		r.Unregister(secondID)
	}}, Options{Name: "first", Interest: InterestConnection, Recurring: true})
	secondID, _ = r.Register(ConnectionFuncs{Disconnect: func(string, string) {
		calls = append(calls, "second")
	}}, Options{Name: "second", Interest: InterestConnection, Recurring: true})

	// The running dispatch works on the snapshot it started with.
	r.NotifyDisconnect("h", "x")
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	r.NotifyDisconnect("h", "y")
	assert.Equal(t, []string{"first"}, calls)

	assert.False(t, r.Unregister(secondID))
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "NONE", Interest(0).String())
	assert.Equal(t, "CONNECTION|PRIORITY", (InterestConnection | InterestPriority).String())
}
