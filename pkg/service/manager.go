package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/fleetwire/fleetwire/internal/config"
	"github.com/fleetwire/fleetwire/internal/logging"
	"github.com/fleetwire/fleetwire/internal/metrics"
	"github.com/fleetwire/fleetwire/pkg/agent"
	"github.com/fleetwire/fleetwire/pkg/callback"
	"github.com/fleetwire/fleetwire/pkg/discovery"
	"github.com/fleetwire/fleetwire/pkg/handshake"
	"github.com/fleetwire/fleetwire/pkg/hoststate"
	"github.com/fleetwire/fleetwire/pkg/listener"
	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/persistence"
	"github.com/fleetwire/fleetwire/pkg/transport"
	"github.com/fleetwire/fleetwire/pkg/wire"
	"github.com/fleetwire/fleetwire/pkg/worker"
)

// ManagerService runs the orchestrator side of fleetwire.
type ManagerService struct {
	config config.ManagerConfig
	logger *slog.Logger

	machine    *hoststate.Machine
	listeners  *listener.Registry
	metrics    *metrics.Metrics
	exec       *worker.Executor
	callbacks  *callback.Framework
	dispatcher *agent.Dispatcher
	gateway    *agent.Gateway
	server     *transport.Server

	trace      *log.FileLogger
	store      persistence.Store
	mirror     *persistence.Mirror
	advertiser discovery.Advertiser

	mu         sync.RWMutex
	state      ServiceState
	cancel     context.CancelFunc
	metricsSrv *http.Server
}

// NewManagerService builds every component from cfg. Nothing listens until
// Start. A nil logger disables logging.
func NewManagerService(cfg config.ManagerConfig, logger *slog.Logger) (*ManagerService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &ManagerService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	proto, err := s.protocolLogger()
	if err != nil {
		return nil, err
	}

	s.machine = hoststate.NewMachine(hoststate.Config{
		AlertAfterMisses: cfg.Hosts.AlertAfterMisses,
		DownAfterMisses:  cfg.Hosts.DownAfterMisses,
	}, logging.Component(logger, "hoststate"))
	if err := s.metrics.TrackHosts(s.machine); err != nil {
		return nil, s.fail(err)
	}

	s.listeners = listener.NewRegistry(listener.Config{DefaultTimeout: cfg.Dispatch.ListenerTimeout}, logging.Component(logger, "listener"))
	if err := s.installListeners(); err != nil {
		return nil, s.fail(err)
	}

	s.exec = worker.NewExecutor(cfg.Callbacks.Workers, cfg.Callbacks.QueueSize,
		worker.WithLogger[func()](logging.Component(logger, "dispatch-pool")),
		worker.WithMetrics[func()](s.metrics.Registry, metrics.Namespace, "dispatch_pool"),
	)
	s.callbacks = callback.New(callback.Config{
		Workers:   cfg.Callbacks.Workers,
		QueueSize: cfg.Callbacks.QueueSize,
	}, callback.WithLogger(logging.Component(logger, "callback")), callback.WithMetrics(s.metrics.Registry))

	s.dispatcher = agent.NewDispatcher(agent.Config{
		DefaultTimeout:   cfg.Dispatch.DefaultTimeout,
		SweepInterval:    cfg.Dispatch.SweepInterval,
		HandshakeTimeout: cfg.Dispatch.HandshakeTimeout,
	}, s.machine, s.listeners,
		agent.WithLogger(logging.Component(logger, "dispatcher")),
		agent.WithProtocolLogger(proto),
		agent.WithObserver(s.metrics),
		agent.WithExecutor(s.exec.Run),
	)
	s.gateway = agent.NewGateway(s.dispatcher, logging.Component(logger, "gateway"))

	serverCfg := transport.ServerConfig{
		Address: cfg.ListenAddr,
		KeepAlive: transport.KeepAliveConfig{
			PingInterval:   cfg.KeepAlive.PingInterval,
			PongTimeout:    cfg.KeepAlive.PongTimeout,
			MaxMissedPongs: cfg.KeepAlive.MaxMissedPongs,
		},
		Logger: proto,
	}
	if cfg.TLS.Enabled() {
		serverCfg.TLSConfig, err = transport.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, true)
		if err != nil {
			return nil, s.fail(err)
		}
	}
	s.gateway.Bind(&serverCfg)
	if s.server, err = transport.NewServer(serverCfg); err != nil {
		return nil, s.fail(err)
	}

	if err := s.openStore(); err != nil {
		return nil, s.fail(err)
	}
	if cfg.Discovery.Enabled {
		adCfg := discovery.DefaultAdvertiserConfig()
		adCfg.Interface = cfg.Discovery.Interface
		s.advertiser = discovery.NewMDNSAdvertiser(adCfg, logging.Component(logger, "discovery"))
	}
	return s, nil
}

// protocolLogger routes protocol events to slog at debug level and, when
// a trace file is configured, to the trace file.
func (s *ManagerService) protocolLogger() (log.Logger, error) {
	adapter := log.NewSlogAdapter(logging.Component(s.logger, "protocol"))
	if s.config.Observability.TraceFile == "" {
		return adapter, nil
	}
	trace, err := log.NewFileLogger(s.config.Observability.TraceFile)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	s.trace = trace
	return log.NewMultiLogger(trace, adapter), nil
}

func (s *ManagerService) installListeners() error {
	if s.config.ClusterKey != "" {
		key, err := handshake.ParseClusterKey(s.config.ClusterKey)
		if err != nil {
			return err
		}
		verifier, err := handshake.NewVerifier(key, s.config.ReplayWindow, logging.Component(s.logger, "verifier"))
		if err != nil {
			return err
		}
		if _, err := verifier.Install(s.listeners); err != nil {
			return err
		}
	}
	traffic, err := s.metrics.NewTrafficListener()
	if err != nil {
		return err
	}
	_, err = traffic.Install(s.listeners)
	return err
}

func (s *ManagerService) openStore() error {
	switch s.config.Persistence.Backend {
	case config.BackendFile:
		s.store = persistence.NewFileStore(s.config.Persistence.Path)
	case config.BackendSQLite:
		store, err := persistence.OpenSQLite(s.config.Persistence.Path)
		if err != nil {
			return err
		}
		s.store = store
	default:
		return nil
	}
	s.mirror = persistence.NewMirror(s.store, s.machine, logging.Component(s.logger, "persistence"))
	return nil
}

// fail releases what NewManagerService opened before returning err.
func (s *ManagerService) fail(err error) error {
	if s.trace != nil {
		s.trace.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	return err
}

// Start restores saved hosts, then starts the pools, the sweeper, the
// listener, the advertisement and the metrics endpoint.
func (s *ManagerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.start(ctx); err != nil {
		_ = s.shutdown()
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.logger.Info("manager started", "addr", s.Addr(), "manager_id", s.config.ManagerID)
	return nil
}

func (s *ManagerService) start(ctx context.Context) error {
	if s.mirror != nil {
		n, err := s.mirror.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore hosts: %w", err)
		}
		s.logger.Info("restored hosts", "count", n)
		s.mirror.Install()
		if err := s.mirror.Start(ctx); err != nil {
			return err
		}
	}

	if err := s.exec.Start(ctx); err != nil {
		return err
	}
	if err := s.callbacks.Start(ctx); err != nil {
		return err
	}
	s.dispatcher.Start(ctx)
	if err := s.server.Start(ctx); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	if s.advertiser != nil {
		if err := s.advertiser.Advertise(s.managerInfo()); err != nil {
			return fmt.Errorf("advertise: %w", err)
		}
	}
	if addr := s.config.Observability.MetricsAddr; addr != "" {
		s.metricsSrv = s.metrics.Serve(ctx, addr, s.Health, logging.Component(s.logger, "metrics"))
	}
	return nil
}

func (s *ManagerService) managerInfo() *discovery.ManagerInfo {
	info := &discovery.ManagerInfo{
		InstanceName: s.config.ManagerID,
		ManagerID:    s.config.ManagerID,
		Version:      wire.ProtocolVersion,
		DataCenters:  s.config.DataCenters,
		AuthRequired: s.config.ClusterKey != "",
		Port:         discovery.DefaultPort,
	}
	if addr := s.Addr(); addr != nil {
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			if p, err := strconv.ParseUint(port, 10, 16); err == nil {
				info.Port = uint16(p)
			}
		}
	}
	return info
}

// Stop shuts every component down in reverse start order. Pending calls
// fail as their connections close.
func (s *ManagerService) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopping
	s.mu.Unlock()

	err := s.shutdown()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("manager stopped")
	return err
}

func (s *ManagerService) shutdown() error {
	var errs []error
	if s.advertiser != nil {
		s.advertiser.Stop()
	}
	if err := s.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop listener: %w", err))
	}
	s.dispatcher.Stop()
	if err := s.callbacks.Stop(stopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop callbacks: %w", err))
	}
	if err := s.exec.Stop(stopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop dispatch pool: %w", err))
	}
	if s.mirror != nil {
		s.mirror.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.trace != nil {
		if err := s.trace.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trace: %w", err))
		}
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (s *ManagerService) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Health reports nil while the service is running.
func (s *ManagerService) Health() error {
	if state := s.State(); state != StateRunning {
		return fmt.Errorf("manager %s", state)
	}
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *ManagerService) Addr() net.Addr {
	return s.server.Addr()
}

// Dispatcher returns the command dispatcher.
func (s *ManagerService) Dispatcher() *agent.Dispatcher {
	return s.dispatcher
}

// Machine returns the host state machine.
func (s *ManagerService) Machine() *hoststate.Machine {
	return s.machine
}

// Listeners returns the listener registry.
func (s *ManagerService) Listeners() *listener.Registry {
	return s.listeners
}

// Callbacks returns the callback framework.
func (s *ManagerService) Callbacks() *callback.Framework {
	return s.callbacks
}

// Metrics returns the metrics registry holder.
func (s *ManagerService) Metrics() *metrics.Metrics {
	return s.metrics
}

// Gateway returns the transport gateway.
func (s *ManagerService) Gateway() *agent.Gateway {
	return s.gateway
}

// History returns the recorded transitions of hostID, newest first. Only
// the SQLite backend keeps a journal.
func (s *ManagerService) History(ctx context.Context, hostID string, limit int) ([]persistence.JournalEntry, error) {
	sq, ok := s.store.(*persistence.SQLiteStore)
	if !ok {
		return nil, fmt.Errorf("persistence backend %q keeps no history", s.config.Persistence.Backend)
	}
	return sq.History(ctx, hostID, limit)
}
