package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithProtocolLogger captures command and answer envelopes.
func WithProtocolLogger(proto log.Logger) Option {
	return func(d *Dispatcher) { d.proto = proto }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithExecutor sets where AnswerHandler callbacks run. The default runs
// each callback on its own goroutine.
func WithExecutor(exec func(task func())) Option {
	return func(d *Dispatcher) { d.exec = exec }
}

// Dispatcher sends commands to host agents and correlates their answers.
type Dispatcher struct {
	config    Config
	machine   *hoststate.Machine
	listeners *listener.Registry
	registry  *Registry
	logger    *slog.Logger
	proto     log.Logger
	observer  Observer
	exec      func(task func())

	rr atomic.Uint64

	sweepMu sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDispatcher creates a dispatcher over machine and listeners. Zero
// config fields take their defaults.
func NewDispatcher(config Config, machine *hoststate.Machine, listeners *listener.Registry, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = def.DefaultTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}

	d := &Dispatcher{
		config:    config,
		machine:   machine,
		listeners: listeners,
		observer:  NopObserver{},
		exec:      func(task func()) { go task() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	d.registry = NewRegistry(d.logger, d.proto)
	if d.proto != nil {
		machine.OnTransition(d.logTransition)
	}
	return d
}

// Config returns the active configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Registry returns the attache registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Machine returns the host state machine.
func (d *Dispatcher) Machine() *hoststate.Machine {
	return d.machine
}

// available returns the attache of hostID if commands may be sent to it.
func (d *Dispatcher) available(hostID string) (*Attache, error) {
	a, ok := d.registry.Lookup(hostID)
	if !ok {
		return nil, hostErr(hostID, 0, ErrAgentUnavailable)
	}
	status, _ := d.machine.Status(hostID)
	if !status.IsUp() {
		return nil, hostErr(hostID, 0, fmt.Errorf("%w: status %s", ErrAgentUnavailable, status))
	}
	return a, nil
}

// deadline is the largest per-command override, or the default timeout.
func (d *Dispatcher) deadline(cmds []*wire.Command) (time.Duration, error) {
	if len(cmds) == 0 {
		return 0, ErrNoCommands
	}
	var longest time.Duration
	for i, cmd := range cmds {
		if cmd == nil {
			return 0, fmt.Errorf("command %d is nil", i)
		}
		if cmd.Timeout < 0 {
			return 0, fmt.Errorf("command %d: %w", i, wire.ErrNegativeTimeout)
		}
		if cmd.Timeout > longest {
			longest = cmd.Timeout
		}
	}
	if longest == 0 {
		longest = d.config.DefaultTimeout
	}
	return longest, nil
}

// finisher wraps a caller completion with timeout notifications and metrics.
func (d *Dispatcher) finisher(hostID string, done func(answers []*wire.Answer, err error)) completion {
	return func(answers []*wire.Answer, err error, unanswered []uint64) {
		switch {
		case err == nil:
		case errors.Is(err, ErrOperationTimedOut):
			d.observer.CommandsTimedOut(hostID, len(unanswered))
			if len(unanswered) > 0 {
				d.listeners.NotifyTimeout(hostID, unanswered)
			}
			d.logger.Debug("commands timed out", "host_id", hostID, "seqs", unanswered)
		default:
			d.observer.CommandsFailed(hostID, len(unanswered))
		}
		done(answers, err)
	}
}

type outcome struct {
	answers []*wire.Answer
	err     error
}

// Send writes cmds to hostID and blocks until every command is answered,
// the call's deadline passes or ctx is done. Answers are returned in
// command order. Failures are *HostError values wrapping
// ErrAgentUnavailable, ErrOperationTimedOut or ErrConnectionClosed.
func (d *Dispatcher) Send(ctx context.Context, hostID string, cmds ...*wire.Command) ([]*wire.Answer, error) {
	timeout, err := d.deadline(cmds)
	if err != nil {
		return nil, hostErr(hostID, 0, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, hostErr(hostID, 0, fmt.Errorf("%w: %w", ErrOperationTimedOut, err))
	}
	a, err := d.available(hostID)
	if err != nil {
		return nil, err
	}

	result := make(chan outcome, 1)
	w := &waiter{
		deadline: time.Now().Add(timeout),
		complete: d.finisher(hostID, func(answers []*wire.Answer, err error) {
			result <- outcome{answers, err}
		}),
	}

	first, err := a.submit(cmds, w)
	if err != nil {
		return nil, hostErr(hostID, 0, err)
	}
	d.observer.CommandsSent(hostID, len(cmds))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-result:
		return r.answers, r.err
	case <-timer.C:
		a.cancel(w, ErrOperationTimedOut)
	case <-ctx.Done():
		a.cancel(w, fmt.Errorf("%w: %w", ErrOperationTimedOut, ctx.Err()))
	}

	// Either the cancel above won or an answer resolved the waiter first.
	r := <-result
	if r.err != nil {
		d.logger.Debug("send failed", "host_id", hostID, "seq", first, "error", r.err)
	}
	return r.answers, r.err
}

// SendAsync writes cmds to hostID and returns the first sequence number.
// The outcome is reported to handler through the dispatcher's executor.
// Deadlines are enforced by the sweeper.
func (d *Dispatcher) SendAsync(hostID string, handler AnswerHandler, cmds ...*wire.Command) (uint64, error) {
	if handler == nil {
		return 0, hostErr(hostID, 0, errors.New("answer handler is nil"))
	}
	timeout, err := d.deadline(cmds)
	if err != nil {
		return 0, hostErr(hostID, 0, err)
	}
	a, err := d.available(hostID)
	if err != nil {
		return 0, err
	}

	w := &waiter{deadline: time.Now().Add(timeout)}
	w.complete = d.finisher(hostID, func(answers []*wire.Answer, err error) {
		seq := w.first
		d.exec(func() {
			if err != nil {
				handler.ProcessTimeout(hostID, seq, err)
				return
			}
			handler.ProcessAnswers(hostID, seq, answers)
		})
	})

	first, err := a.submit(cmds, w)
	if err != nil {
		return 0, hostErr(hostID, 0, err)
	}
	d.observer.CommandsSent(hostID, len(cmds))
	return first, nil
}

// SendToAny sends cmd to one UP or ALERT host matching the data center and
// hypervisor filters, rotating between eligible hosts. Empty filters match
// everything.
func (d *Dispatcher) SendToAny(ctx context.Context, dataCenterID, hypervisorType string, cmd *wire.Command) (*wire.Answer, error) {
	var eligible []*Attache
	for _, a := range d.registry.Attaches() {
		info := a.Info()
		if dataCenterID != "" && info.DataCenterID != dataCenterID {
			continue
		}
		if hypervisorType != "" && info.HypervisorType != hypervisorType {
			continue
		}
		if status, _ := d.machine.Status(info.HostID); !status.IsUp() {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, hostErr("*", 0, fmt.Errorf("%w: no host in dc=%q hypervisor=%q",
			ErrAgentUnavailable, dataCenterID, hypervisorType))
	}

	pick := eligible[(d.rr.Add(1)-1)%uint64(len(eligible))]
	answers, err := d.Send(ctx, pick.HostID(), cmd)
	if err != nil {
		return nil, err
	}
	return answers[0], nil
}

// HostInfo joins a host's state with its attache, if connected.
type HostInfo struct {
	hoststate.Host
	Connected bool
	Info      Info
	Pending   int
}

// Hosts lists every tracked host.
func (d *Dispatcher) Hosts() []HostInfo {
	hosts := d.machine.Hosts()
	out := make([]HostInfo, 0, len(hosts))
	for _, h := range hosts {
		hi := HostInfo{Host: h}
		if a, ok := d.registry.Lookup(h.ID); ok {
			hi.Connected = true
			hi.Info = a.Info()
			hi.Pending = a.Pending()
		}
		out = append(out, hi)
	}
	return out
}

// Disable takes hostID out of service and drops its connection.
func (d *Dispatcher) Disable(hostID string) error {
	if _, err := d.machine.Fire(hostID, hoststate.EventAdminDisable); err != nil {
		return err
	}
	if a, ok := d.registry.Lookup(hostID); ok {
		d.detach(a, "disabled by administrator")
	}
	return nil
}

// Enable lets a disabled host connect again.
func (d *Dispatcher) Enable(hostID string) error {
	_, err := d.machine.Fire(hostID, hoststate.EventAdminEnable)
	return err
}

// RemoveHost retires hostID. The record stays queryable as REMOVED.
func (d *Dispatcher) RemoveHost(hostID string) error {
	if _, err := d.machine.Fire(hostID, hoststate.EventRemove); err != nil {
		return err
	}
	if a, ok := d.registry.Lookup(hostID); ok {
		d.detach(a, "removed by administrator")
	}
	return nil
}

// Start runs the sweeper until Stop or ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.stopCh != nil {
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.sweepLoop(ctx, d.stopCh, d.doneCh)
}

// Stop stops the sweeper and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.sweepMu.Lock()
	stopCh, doneCh := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.sweepMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (d *Dispatcher) sweepLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

// Sweep expires every waiter whose deadline is not after now and returns
// the number expired.
func (d *Dispatcher) Sweep(now time.Time) int {
	total := 0
	for _, a := range d.registry.Attaches() {
		total += a.expire(now)
	}
	if total > 0 {
		d.logger.Debug("sweeper expired waiters", "count", total)
	}
	return total
}
