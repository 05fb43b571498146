package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwire/fleetwire/internal/config"
	"github.com/fleetwire/fleetwire/internal/logging"
	"github.com/fleetwire/fleetwire/pkg/connection"
	"github.com/fleetwire/fleetwire/pkg/discovery"
	"github.com/fleetwire/fleetwire/pkg/handshake"
	"github.com/fleetwire/fleetwire/pkg/transport"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// defaultAckTimeout bounds the wait for a handshake ack when the connect
// attempt carries no deadline.
const defaultAckTimeout = 10 * time.Second

var errClosedByManager = errors.New("connection closed by manager")

// CommandHandler executes one command. The returned answer's sequence is
// overwritten with the command's.
type CommandHandler func(ctx context.Context, cmd *wire.Command) *wire.Answer

// EchoHandler answers every command successfully with "done:" and the
// command payload after delay.
func EchoHandler(delay time.Duration) CommandHandler {
	return func(ctx context.Context, cmd *wire.Command) *wire.Answer {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return wire.NewAnswer(cmd.Sequence, false, []byte(ctx.Err().Error()))
			}
		}
		return wire.NewAnswer(cmd.Sequence, true, append([]byte("done:"), cmd.Payload...))
	}
}

// AgentOption configures an AgentService.
type AgentOption func(*AgentService)

// WithCommandHandler replaces the default echo handler.
func WithCommandHandler(h CommandHandler) AgentOption {
	return func(s *AgentService) { s.handler = h }
}

// WithBrowser sets the browser used to find a manager when no address is
// configured.
func WithBrowser(b discovery.Browser) AgentOption {
	return func(s *AgentService) { s.browser = b }
}

// AgentService is a host agent connected to one manager.
type AgentService struct {
	config  config.AgentConfig
	logger  *slog.Logger
	key     []byte
	client  *transport.Client
	browser discovery.Browser
	handler CommandHandler
	conns   *connection.Manager

	mu     sync.Mutex
	state  ServiceState
	ctx    context.Context
	cancel context.CancelFunc
	conn   *transport.ClientConn

	wg      sync.WaitGroup
	nextSeq atomic.Uint64
	handled atomic.Int64
}

// NewAgentService creates an agent. A nil logger disables logging.
func NewAgentService(cfg config.AgentConfig, logger *slog.Logger, opts ...AgentOption) (*AgentService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &AgentService{
		config:  cfg,
		logger:  logger,
		handler: EchoHandler(cfg.AnswerDelay),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.ClusterKey != "" {
		key, err := handshake.ParseClusterKey(cfg.ClusterKey)
		if err != nil {
			return nil, err
		}
		s.key = key
	}

	clientCfg := transport.ClientConfig{ConnectTimeout: cfg.Reconnect.AttemptTimeout}
	if cfg.TLS.Enabled() {
		tlsCfg, err := transport.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, false)
		if err != nil {
			return nil, err
		}
		clientCfg.TLSConfig = tlsCfg
	}
	client, err := transport.NewClient(clientCfg)
	if err != nil {
		return nil, err
	}
	s.client = client

	if s.browser == nil && cfg.Discovery.Enabled {
		s.browser = discovery.NewMDNSBrowser(discovery.BrowserConfig{Interface: cfg.Discovery.Interface})
	}

	s.conns = connection.NewManager(s.connect, connection.Config{
		Backoff: connection.BackoffConfig{
			Initial:    cfg.Reconnect.Initial,
			Max:        cfg.Reconnect.Max,
			Multiplier: cfg.Reconnect.Multiplier,
			Jitter:     cfg.Reconnect.Jitter,
		},
		AttemptTimeout: cfg.Reconnect.AttemptTimeout,
		Reconnect:      cfg.Reconnect.Enabled,
	}, logging.Component(logger, "connection"))
	s.conns.OnStateChange(func(from, to connection.State) {
		s.logger.Debug("connection state", "from", from, "to", to)
		if to == connection.StateConnected {
			s.serveCurrent()
		}
	})
	s.conns.OnRetry(func(attempt int, delay time.Duration, err error) {
		s.logger.Info("reconnecting", "attempt", attempt, "delay", delay, "error", err)
	})
	return s, nil
}

// resolve returns the configured manager address, or browses for one.
func (s *AgentService) resolve(ctx context.Context) (string, error) {
	if s.config.ManagerAddr != "" {
		return s.config.ManagerAddr, nil
	}
	if s.browser == nil {
		return "", ErrNoManager
	}
	svc, err := s.browser.Find(ctx, s.config.DataCenterID)
	if err != nil {
		return "", fmt.Errorf("find manager: %w", err)
	}
	s.logger.Info("found manager", "manager_id", svc.ManagerID, "addr", svc.Dial())
	return svc.Dial(), nil
}

// connect dials the manager and completes the handshake. It is the
// connection manager's ConnectFunc.
func (s *AgentService) connect(ctx context.Context) error {
	addr, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	conn, err := s.client.Connect(ctx, addr)
	if err != nil {
		return err
	}
	if err := s.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("connected", "addr", addr, "host_id", s.config.HostID)
	return nil
}

func (s *AgentService) handshake(ctx context.Context, conn *transport.ClientConn) error {
	hs := &wire.Handshake{
		Kind:           wire.KindHandshake,
		HostID:         s.config.HostID,
		DataCenterID:   s.config.DataCenterID,
		HypervisorType: s.config.HypervisorType,
		Version:        wire.ProtocolVersion,
	}
	if s.key != nil {
		if err := handshake.Sign(hs, s.key); err != nil {
			return err
		}
	}
	data, err := wire.EncodeHandshake(hs)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		return err
	}

	timeout := defaultAckTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	reply, err := conn.Receive(timeout)
	if err != nil {
		return fmt.Errorf("await handshake ack: %w", err)
	}
	ack, err := wire.DecodeHandshakeAck(reply)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	return nil
}

func (s *AgentService) serveCurrent() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.wg.Add(1)
	go s.serve(conn)
}

// serve reads frames until conn fails, answering pings and running
// commands on their own goroutines.
func (s *AgentService) serve(conn *transport.ClientConn) {
	defer s.wg.Done()
	for {
		data, err := conn.Receive(0)
		if err != nil {
			s.lost(conn, err)
			return
		}
		kind, err := wire.PeekKind(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch kind {
		case wire.KindPing:
			msg, err := wire.DecodeControlMessage(data)
			if err != nil {
				continue
			}
			if err := conn.SendPong(msg.Sequence); err != nil {
				s.lost(conn, err)
				return
			}
		case wire.KindClose:
			s.lost(conn, errClosedByManager)
			return
		case wire.KindCommand:
			cmd, err := wire.DecodeCommand(data)
			if err != nil {
				s.logger.Warn("dropping bad command", "error", err)
				continue
			}
			s.wg.Add(1)
			go s.execute(conn, cmd)
		case wire.KindAnswer:
			if ans, err := wire.DecodeAnswer(data); err == nil {
				s.logger.Debug("manager answered", "seq", ans.Sequence, "success", ans.Success)
			}
		default:
			s.logger.Debug("ignoring frame", "kind", kind)
		}
	}
}

func (s *AgentService) execute(conn *transport.ClientConn, cmd *wire.Command) {
	defer s.wg.Done()

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ans := s.handler(ctx, cmd)
	if ans == nil {
		ans = wire.NewAnswer(cmd.Sequence, false, nil)
	}
	ans.Sequence = cmd.Sequence
	data, err := wire.EncodeAnswer(ans)
	if err != nil {
		s.logger.Error("encode answer", "seq", cmd.Sequence, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		s.logger.Debug("answer not sent", "seq", cmd.Sequence, "error", err)
		return
	}
	s.handled.Add(1)
}

// lost closes conn and, unless the agent is stopping, hands the failure
// to the connection manager.
func (s *AgentService) lost(conn *transport.ClientConn, cause error) {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	stopping := s.state != StateRunning && s.state != StateStarting
	s.mu.Unlock()

	conn.Close()
	if current && !stopping {
		s.conns.ConnectionLost(cause)
	}
}

// Start connects to the manager. With reconnect enabled a failed first
// attempt is retried in the background and Start returns nil.
func (s *AgentService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.ctx, s.cancel = context.WithCancel(ctx)
	ctx = s.ctx
	s.mu.Unlock()

	if err := s.conns.Start(ctx); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.cancel()
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

// Stop closes the connection, stops reconnecting and waits for running
// commands to finish.
func (s *AgentService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.conns.Close()
	if conn != nil {
		_ = conn.SendClose()
		conn.Close()
	}
	s.cancel()
	if s.browser != nil {
		s.browser.Stop()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// Notify sends an agent-originated command to the manager. The manager
// acknowledges it with an answer.
func (s *AgentService) Notify(payload []byte) (uint64, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, ErrNotConnected
	}

	seq := s.nextSeq.Add(1)
	data, err := wire.EncodeCommand(&wire.Command{
		Kind:     wire.KindCommand,
		Sequence: seq,
		Payload:  payload,
	})
	if err != nil {
		return 0, err
	}
	return seq, conn.Send(data)
}

// Connected reports whether the agent holds an accepted connection.
func (s *AgentService) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// ConnectionState returns the connection manager state.
func (s *AgentService) ConnectionState() connection.State {
	return s.conns.State()
}

// Handled returns how many answers the agent has sent.
func (s *AgentService) Handled() int64 {
	return s.handled.Load()
}

// State returns the lifecycle state.
func (s *AgentService) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
