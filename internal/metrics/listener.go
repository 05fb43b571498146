package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// TrafficListener counts connection and command events seen by the
// listener registry.
type TrafficListener struct {
	connects      prometheus.Counter
	disconnects   *prometheus.CounterVec
	agentCommands prometheus.Counter
	answers       prometheus.Counter
	timeouts      prometheus.Counter
}

// NewTrafficListener creates the listener and registers its counters.
func (m *Metrics) NewTrafficListener() (*TrafficListener, error) {
	l := &TrafficListener{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "connects_total",
			Help:      "Handshakes offered to connection listeners.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "disconnects_total",
			Help:      "Host disconnects by reason.",
		}, []string{"reason"}),
		agentCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "agent_commands_total",
			Help:      "Commands originated by agents.",
		}),
		answers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "answers_total",
			Help:      "Answers delivered to waiters.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "listener",
			Name:      "timeouts_total",
			Help:      "Commands reported as timed out.",
		}),
	}
	for _, c := range []prometheus.Collector{l.connects, l.disconnects, l.agentCommands, l.answers, l.timeouts} {
		if err := m.Registry.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// ProcessConnect never vetoes.
func (l *TrafficListener) ProcessConnect(context.Context, string, *wire.Handshake) error {
	l.connects.Inc()
	return nil
}

func (l *TrafficListener) ProcessDisconnect(_ string, reason string) {
	l.disconnects.WithLabelValues(reason).Inc()
}

func (l *TrafficListener) ProcessCommand(string, *wire.Command) {
	l.agentCommands.Inc()
}

func (l *TrafficListener) ProcessAnswer(string, *wire.Answer) {
	l.answers.Inc()
}

func (l *TrafficListener) ProcessTimeout(_ string, seqs []uint64) {
	l.timeouts.Add(float64(len(seqs)))
}

// Install registers l for connection and command events.
func (l *TrafficListener) Install(reg *listener.Registry) (listener.ID, error) {
	return reg.Register(l, listener.Options{
		Name:      "metrics",
		Interest:  listener.InterestConnection | listener.InterestCommand,
		Recurring: true,
	})
}

var (
	_ listener.ConnectionListener = (*TrafficListener)(nil)
	_ listener.CommandListener    = (*TrafficListener)(nil)
)
