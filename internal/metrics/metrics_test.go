package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

func TestObserverCounters(t *testing.T) {
	m := New()
	m.CommandsSent("h1", 3)
	m.AnswerReceived("h1", 5*time.Millisecond, true)
	m.AnswerReceived("h1", 7*time.Millisecond, false)
	m.LateAnswer("h1")
	m.CommandsTimedOut("h1", 2)
	m.CommandsFailed("h1", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.commandsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.answers.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.answers.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lateAnswers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.commandsTimedOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsFailed))
	assert.Equal(t, 1, testutil.CollectAndCount(m.answerLatency))
}

func TestTrackHosts(t *testing.T) {
	m := New()
	machine := hoststate.NewMachine(hoststate.DefaultConfig(), nil)
	require.NoError(t, m.TrackHosts(machine))

	machine.Track("h1")
	machine.Track("h2")
	_, err := machine.Fire("h1", hoststate.EventHandshakeCompleted)
	require.NoError(t, err)

	expected := `
# HELP fleetwire_hosts Tracked hosts by status.
# TYPE fleetwire_hosts gauge
fleetwire_hosts{status="ALERT"} 0
fleetwire_hosts{status="CONNECTING"} 1
fleetwire_hosts{status="DISCONNECTED"} 0
fleetwire_hosts{status="DOWN"} 0
fleetwire_hosts{status="REMOVED"} 0
fleetwire_hosts{status="UP"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "fleetwire_hosts"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("HANDSHAKE_COMPLETED", "UP")))

	// A second machine cannot register the same gauge.
	assert.Error(t, m.TrackHosts(hoststate.NewMachine(hoststate.DefaultConfig(), nil)))
}

func TestTrafficListener(t *testing.T) {
	m := New()
	tl, err := m.NewTrafficListener()
	require.NoError(t, err)

	reg := listener.NewRegistry(listener.DefaultConfig(), nil)
	_, err = tl.Install(reg)
	require.NoError(t, err)

	require.NoError(t, reg.NotifyConnect(context.Background(), "h1", &wire.Handshake{HostID: "h1"}))
	reg.NotifyCommand("h1", &wire.Command{Sequence: 1})
	reg.NotifyAnswer("h1", &wire.Answer{Sequence: 1})
	reg.NotifyTimeout("h1", []uint64{2, 3})
	reg.NotifyDisconnect("h1", "connection closed")

	assert.Equal(t, 1.0, testutil.ToFloat64(tl.connects))
	assert.Equal(t, 1.0, testutil.ToFloat64(tl.agentCommands))
	assert.Equal(t, 1.0, testutil.ToFloat64(tl.answers))
	assert.Equal(t, 2.0, testutil.ToFloat64(tl.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(tl.disconnects.WithLabelValues("connection closed")))

	_, err = m.NewTrafficListener()
	assert.Error(t, err, "counters are registered once")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServe(t *testing.T) {
	m := New()
	m.CommandsSent("h1", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped atomic.Bool
	addr := freeAddr(t)
	m.Serve(ctx, addr, func() error {
		if stopped.Load() {
			return errors.New("dispatcher stopped")
		}
		return nil
	}, nil)

	require.Eventually(t, func() bool {
		code, _ := get(t, "http://"+addr+"/health")
		return code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	code, body := get(t, "http://"+addr+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "fleetwire_commands_sent_total 4")

	stopped.Store(true)
	code, body = get(t, "http://"+addr+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "dispatcher stopped")
}
