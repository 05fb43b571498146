package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetwire/fleetwire/pkg/hoststate"
	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// ackDetails is the answer detail for acknowledged agent commands.
const ackDetails = "ack"

// Acceptor is implemented by links that confirm an accepted handshake to
// the agent. Accept runs after the listeners approved and before the host
// is marked UP, so no command can overtake the confirmation.
type Acceptor interface {
	Accept() error
}

// Connect admits an agent after a valid handshake. Connection listeners
// run before the attache is registered; a veto marks the host down and is
// returned. A stale attache for the same host is torn down first.
func (d *Dispatcher) Connect(ctx context.Context, link Link, hs *wire.Handshake) (*Attache, error) {
	if err := hs.Validate(); err != nil {
		return nil, err
	}
	hostID := hs.HostID

	if !d.registry.BeginLoading(hostID) {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeInProgress, hostID)
	}
	defer d.registry.EndLoading(hostID)

	d.machine.Track(hostID)

	if stale, ok := d.registry.Lookup(hostID); ok {
		d.logger.Info("replacing stale connection", "host_id", hostID)
		d.detach(stale, "replaced by new connection")
	}

	if !d.machine.Can(hostID, hoststate.EventHandshakeCompleted) {
		status, _ := d.machine.Status(hostID)
		return nil, fmt.Errorf("%w: %s is %s", ErrHostNotAccepting, hostID, status)
	}

	if err := d.listeners.NotifyConnect(ctx, hostID, hs); err != nil {
		d.rejectConnect(hostID)
		return nil, err
	}
	if acc, ok := link.(Acceptor); ok {
		if err := acc.Accept(); err != nil {
			d.rejectConnect(hostID)
			return nil, fmt.Errorf("accept handshake: %w", err)
		}
	}

	a, err := d.registry.Register(InfoFromHandshake(hs), link)
	if err != nil {
		return nil, err
	}
	if _, err := d.machine.Fire(hostID, hoststate.EventHandshakeCompleted); err != nil {
		d.registry.RemoveAttache(a, err)
		return nil, err
	}

	d.logger.Info("agent connected",
		"host_id", hostID, "dc_id", hs.DataCenterID, "hypervisor", hs.HypervisorType, "version", hs.Version)
	return a, nil
}

func (d *Dispatcher) rejectConnect(hostID string) {
	if d.machine.Can(hostID, hoststate.EventAgentDisconnected) {
		_, _ = d.machine.Fire(hostID, hoststate.EventAgentDisconnected)
	}
}

// Disconnect tears down the connection of hostID. Pending waiters fail
// before the state machine and listeners hear about it.
func (d *Dispatcher) Disconnect(hostID string, reason string) bool {
	a, ok := d.registry.Lookup(hostID)
	if !ok {
		return false
	}
	return d.detach(a, reason)
}

// Detach is Disconnect for a specific attache; it is a no-op if a was
// already replaced or removed.
func (d *Dispatcher) Detach(a *Attache, reason string) bool {
	return d.detach(a, reason)
}

func (d *Dispatcher) detach(a *Attache, reason string) bool {
	if !d.registry.RemoveAttache(a, errors.New(reason)) {
		return false
	}
	hostID := a.HostID()

	if d.machine.Can(hostID, hoststate.EventAgentDisconnected) {
		_, _ = d.machine.Fire(hostID, hoststate.EventAgentDisconnected)
	}
	if err := a.Link().Close(); err != nil {
		d.logger.Debug("link close failed", "host_id", hostID, "error", err)
	}
	d.listeners.NotifyDisconnect(hostID, reason)

	d.logger.Info("agent disconnected", "host_id", hostID, "reason", reason)
	return true
}

// HandleFrame processes one frame received from hostID after the
// handshake. Frames that cannot be matched are logged and dropped.
func (d *Dispatcher) HandleFrame(hostID string, data []byte) error {
	a, ok := d.registry.Lookup(hostID)
	if !ok {
		d.logger.Debug("frame for unknown host dropped", "host_id", hostID)
		return hostErr(hostID, 0, ErrAgentUnavailable)
	}
	return d.HandleFrameFrom(a, data)
}

// HandleFrameFrom is HandleFrame for the connection behind a. Frames from
// a replaced or removed attache are dropped.
func (d *Dispatcher) HandleFrameFrom(a *Attache, data []byte) error {
	hostID := a.HostID()
	if a.Closed() {
		d.logger.Debug("frame from detached connection dropped", "host_id", hostID)
		return hostErr(hostID, 0, ErrConnectionClosed)
	}

	kind, err := wire.PeekKind(data)
	if err != nil {
		d.logDecodeError(a, "peek kind", err)
		return hostErr(hostID, 0, err)
	}

	switch kind {
	case wire.KindAnswer:
		ans, err := wire.DecodeAnswer(data)
		if err != nil {
			d.logDecodeError(a, "decode answer", err)
			return hostErr(hostID, 0, err)
		}
		d.handleAnswer(a, ans)

	case wire.KindCommand:
		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			d.logDecodeError(a, "decode command", err)
			return hostErr(hostID, 0, err)
		}
		d.handleAgentCommand(a, cmd)

	case wire.KindPing, wire.KindPong, wire.KindClose:
		// Control traffic is handled by the transport.

	default:
		d.logger.Warn("unexpected frame dropped", "host_id", hostID, "kind", kind)
	}
	return nil
}

func (d *Dispatcher) handleAnswer(a *Attache, ans *wire.Answer) {
	hostID := a.HostID()
	latency, matched := a.answer(ans)

	msg := log.NewAnswerMessage(ans)
	if matched {
		msg.Latency = &latency
		d.observer.AnswerReceived(hostID, latency, ans.Success)
		d.listeners.NotifyAnswer(hostID, ans)
	} else {
		msg.Late = true
		d.observer.LateAnswer(hostID)
		d.logger.Debug("late or unknown answer discarded", "host_id", hostID, "seq", ans.Sequence)
	}
	d.logMessage(a, log.DirectionIn, msg)
}

func (d *Dispatcher) handleAgentCommand(a *Attache, cmd *wire.Command) {
	hostID := a.HostID()
	d.logMessage(a, log.DirectionIn, log.NewCommandMessage(cmd))
	d.listeners.NotifyCommand(hostID, cmd)

	ack := wire.NewAnswer(cmd.Sequence, true, nil)
	ack.Details = ackDetails
	data, err := wire.EncodeAnswer(ack)
	if err == nil {
		err = a.Link().Send(data)
	}
	if err != nil {
		d.logger.Warn("failed to acknowledge agent command", "host_id", hostID, "seq", cmd.Sequence, "error", err)
		return
	}
	d.logMessage(a, log.DirectionOut, log.NewAnswerMessage(ack))
}

// PingReceived records a keep-alive pong from hostID.
func (d *Dispatcher) PingReceived(hostID string) {
	if _, err := d.machine.Fire(hostID, hoststate.EventPingReceived); err != nil {
		d.logger.Debug("ping result ignored", "host_id", hostID, "error", err)
	}
}

// PingMissed records a missed keep-alive pong. A miss that takes the host
// down drops its connection.
func (d *Dispatcher) PingMissed(hostID string) {
	tr, err := d.machine.Fire(hostID, hoststate.EventPingMissed)
	if err != nil {
		d.logger.Debug("ping miss ignored", "host_id", hostID, "error", err)
		return
	}
	if tr.Changed() && tr.To == hoststate.StatusDown {
		if a, ok := d.registry.Lookup(hostID); ok {
			d.detach(a, "keep-alive timeout")
		}
	}
}

func (d *Dispatcher) logMessage(a *Attache, dir log.Direction, msg *log.MessageEvent) {
	if d.proto == nil {
		return
	}
	info := a.Info()
	log.Emit(d.proto, log.Event{
		Timestamp:    time.Now(),
		Direction:    dir,
		Layer:        log.LayerDispatch,
		Category:     log.CategoryMessage,
		HostID:       info.HostID,
		DataCenterID: info.DataCenterID,
		Message:      msg,
	})
}

func (d *Dispatcher) logDecodeError(a *Attache, step string, err error) {
	if d.proto == nil {
		return
	}
	info := a.Info()
	log.Emit(d.proto, log.Event{
		Direction:    log.DirectionIn,
		Layer:        log.LayerDispatch,
		Category:     log.CategoryError,
		HostID:       info.HostID,
		DataCenterID: info.DataCenterID,
		Error:        &log.ErrorEventData{Layer: log.LayerDispatch, Message: err.Error(), Context: step},
	})
}

// logTransition records host status changes. Events that leave the status
// unchanged, such as a ping on an UP host, are not traced.
func (d *Dispatcher) logTransition(tr hoststate.Transition) {
	if !tr.Changed() {
		return
	}
	event := log.Event{
		Timestamp: tr.At,
		Layer:     log.LayerDispatch,
		Category:  log.CategoryState,
		HostID:    tr.HostID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityHost,
			OldState: tr.From.String(),
			NewState: tr.To.String(),
			Reason:   tr.Event.String(),
		},
	}
	if a, ok := d.registry.Lookup(tr.HostID); ok {
		event.DataCenterID = a.Info().DataCenterID
	}
	log.Emit(d.proto, event)
}
