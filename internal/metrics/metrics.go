// Package metrics exposes dispatch, listener and host state metrics to
// Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwire/fleetwire/pkg/agent"
	"github.com/fleetwire/fleetwire/pkg/hoststate"
)

// Namespace prefixes every metric name.
const Namespace = "fleetwire"

// Metrics holds the registry and the dispatch meters.
type Metrics struct {
	Registry *prometheus.Registry

	commandsSent     prometheus.Counter
	answers          *prometheus.CounterVec
	answerLatency    prometheus.Histogram
	lateAnswers      prometheus.Counter
	commandsTimedOut prometheus.Counter
	commandsFailed   prometheus.Counter

	transitions *prometheus.CounterVec
}

// New creates a registry with Go runtime collectors and the dispatch
// meters registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_sent_total",
			Help:      "Commands written to agents.",
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "answers_total",
			Help:      "Answers correlated to a waiting command.",
		}, []string{"result"}),
		answerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "answer_latency_seconds",
			Help:      "Time from send to answer.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		lateAnswers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "late_answers_total",
			Help:      "Answers that arrived after their command expired or completed.",
		}),
		commandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_timed_out_total",
			Help:      "Commands that expired without an answer.",
		}),
		commandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_failed_total",
			Help:      "Commands failed by a write error or disconnect.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "host_transitions_total",
			Help:      "Host status changes by event.",
		}, []string{"event", "to"}),
	}
	reg.MustRegister(
		m.commandsSent, m.answers, m.answerLatency, m.lateAnswers,
		m.commandsTimedOut, m.commandsFailed, m.transitions,
	)
	return m
}

// CommandsSent implements agent.Observer.
func (m *Metrics) CommandsSent(_ string, n int) {
	m.commandsSent.Add(float64(n))
}

// AnswerReceived implements agent.Observer.
func (m *Metrics) AnswerReceived(_ string, latency time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.answers.WithLabelValues(result).Inc()
	m.answerLatency.Observe(latency.Seconds())
}

// LateAnswer implements agent.Observer.
func (m *Metrics) LateAnswer(string) {
	m.lateAnswers.Inc()
}

// CommandsTimedOut implements agent.Observer.
func (m *Metrics) CommandsTimedOut(_ string, n int) {
	m.commandsTimedOut.Add(float64(n))
}

// CommandsFailed implements agent.Observer.
func (m *Metrics) CommandsFailed(_ string, n int) {
	m.commandsFailed.Add(float64(n))
}

// hostCollector reports the host count per status at scrape time.
type hostCollector struct {
	machine *hoststate.Machine
	desc    *prometheus.Desc
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	counts := make(map[hoststate.Status]int)
	for _, h := range c.machine.Hosts() {
		counts[h.Status]++
	}
	for s := hoststate.StatusConnecting; s <= hoststate.StatusRemoved; s++ {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
}

// TrackHosts registers the host status gauge for machine and counts its
// transitions.
func (m *Metrics) TrackHosts(machine *hoststate.Machine) error {
	err := m.Registry.Register(&hostCollector{
		machine: machine,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", "hosts"),
			"Tracked hosts by status.",
			[]string{"status"}, nil,
		),
	})
	if err != nil {
		return err
	}
	machine.OnTransition(func(tr hoststate.Transition) {
		if tr.Changed() {
			m.transitions.WithLabelValues(tr.Event.String(), tr.To.String()).Inc()
		}
	})
	return nil
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve starts the HTTP server for /metrics and /health. The server shuts
// down when ctx is done. health reports readiness; nil means always ready.
func (m *Metrics) Serve(ctx context.Context, addr string, health func() error, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}

var _ agent.Observer = (*Metrics)(nil)
