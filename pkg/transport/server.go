package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwire/fleetwire/pkg/log"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Transport errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrServerRunning    = errors.New("server already running")
)

// ServerConfig configures the manager-side listener.
type ServerConfig struct {
	// Address to listen on (e.g. ":7400").
	Address string

	// TLSConfig enables TLS 1.3 when set. Nil means plain TCP.
	TLSConfig *TLSConfig

	// MaxMessageSize is the maximum frame payload (default 1 MB).
	MaxMessageSize uint32

	// KeepAlive configures the per-connection ping loop started by
	// ServerConn.StartKeepAlive.
	KeepAlive KeepAliveConfig

	// Logger captures frames, control traffic and connection state (optional).
	Logger log.Logger

	// OnConnect is called when a connection is accepted.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called after a connection's read loop exits.
	OnDisconnect func(conn *ServerConn)

	// OnMessage is called for every non-control frame.
	OnMessage func(conn *ServerConn, msg []byte)

	// OnError is called for accept, TLS and read errors. conn may be nil.
	OnError func(conn *ServerConn, err error)

	// OnPong is called when an agent answers a keep-alive ping.
	OnPong func(conn *ServerConn)

	// OnPingMissed is called for every missed pong with the running count.
	OnPingMissed func(conn *ServerConn, missed int)
}

// Server accepts agent connections.
type Server struct {
	config   ServerConfig
	tlsConf  *tls.Config
	listener net.Listener

	conns   map[*ServerConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. It does not listen until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}

	s := &Server{
		config: config,
		conns:  make(map[*ServerConn]struct{}),
	}

	if config.TLSConfig != nil {
		tlsConf, err := NewServerTLSConfig(config.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		s.tlsConf = tlsConf
	}
	return s, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrServerRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.RLock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.RUnlock()

	s.wg.Wait()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if s.running.Load() && s.config.OnError != nil {
				s.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) reportError(conn *ServerConn, err error) {
	if s.config.OnError != nil {
		s.config.OnError(conn, err)
	}
}

// secure runs the TLS handshake when TLS is enabled.
func (s *Server) secure(conn net.Conn) (net.Conn, tls.ConnectionState, error) {
	if s.tlsConf == nil {
		return conn, tls.ConnectionState{}, nil
	}

	tlsConn := tls.Server(conn, s.tlsConf)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return nil, tls.ConnectionState{}, fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()
	if err := VerifyConnection(state); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	return tlsConn, state, nil
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()

	conn, state, err := s.secure(raw)
	if err != nil {
		raw.Close()
		s.reportError(nil, err)
		return
	}

	connID := uuid.New().String()
	framer := NewFramerWithMaxSize(conn, s.config.MaxMessageSize)
	framer.SetLogger(s.config.Logger, connID)

	sconn := &ServerConn{
		conn:       conn,
		framer:     framer,
		tlsState:   state,
		server:     s,
		closeCh:    make(chan struct{}),
		remoteAddr: raw.RemoteAddr(),
		connID:     connID,
	}

	s.connsMu.Lock()
	s.conns[sconn] = struct{}{}
	s.connsMu.Unlock()

	// A Stop racing the registration above would miss this connection.
	if !s.running.Load() {
		sconn.Close()
	}

	sconn.logState("", "CONNECTED")
	if s.config.OnConnect != nil {
		s.config.OnConnect(sconn)
	}

	sconn.readLoop()
	sconn.Close()

	s.connsMu.Lock()
	delete(s.conns, sconn)
	s.connsMu.Unlock()

	sconn.logState("CONNECTED", "DISCONNECTED")
	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sconn)
	}
}

// ServerConn is the manager's end of one agent connection.
type ServerConn struct {
	conn       net.Conn
	framer     *Framer
	tlsState   tls.ConnectionState
	server     *Server
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	connID     string
	hostID     atomic.Pointer[string]

	kaMu      sync.Mutex
	keepAlive *KeepAlive
}

// RemoteAddr returns the agent's address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the unique connection identifier.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// TLSState returns the TLS connection state. It is zero for plain TCP.
func (c *ServerConn) TLSState() tls.ConnectionState {
	return c.tlsState
}

// SetHostID records the host the agent identified as.
func (c *ServerConn) SetHostID(hostID string) {
	c.hostID.Store(&hostID)
	c.framer.SetHostID(hostID)
}

// HostID returns the host id recorded by SetHostID, or "".
func (c *ServerConn) HostID() string {
	if h := c.hostID.Load(); h != nil {
		return *h
	}
	return ""
}

// Send writes one frame.
func (c *ServerConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	return c.framer.WriteFrame(data)
}

// SendPing sends a keep-alive ping.
func (c *ServerConn) SendPing(seq uint32) error {
	return c.sendControl(wire.KindPing, seq)
}

// StartKeepAlive begins pinging the agent. Misses and pongs are reported
// through the server's OnPingMissed and OnPong callbacks. Calling it twice
// is a no-op.
func (c *ServerConn) StartKeepAlive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.keepAlive != nil {
		return
	}
	select {
	case <-c.closeCh:
		return
	default:
	}

	cfg := c.server.config
	ka := NewKeepAlive(cfg.KeepAlive, c.SendPing, nil)
	ka.SetMissCallback(func(missed int) {
		if cfg.OnPingMissed != nil {
			cfg.OnPingMissed(c, missed)
		}
	})
	ka.SetPongReceivedCallback(func(uint32, time.Duration) {
		if cfg.OnPong != nil {
			cfg.OnPong(c)
		}
	})
	c.keepAlive = ka
	ka.Start(c.server.ctx)
}

// Close closes the connection and stops its keep-alive.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.kaMu.Lock()
		if c.keepAlive != nil {
			c.keepAlive.Stop()
		}
		c.kaMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *ServerConn) readLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.server.ctx.Done():
			return
		default:
		}

		data, err := c.framer.ReadFrame()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				if c.server.running.Load() {
					c.server.reportError(c, err)
				}
			}
			return
		}

		if kind, err := wire.PeekKind(data); err == nil && kind.IsControl() {
			if msg, err := wire.DecodeControlMessage(data); err == nil {
				c.handleControl(msg)
				continue
			}
		}

		if c.server.config.OnMessage != nil {
			c.server.config.OnMessage(c, data)
		}
	}
}

func (c *ServerConn) handleControl(msg *wire.ControlMessage) {
	c.logControl(msg.Kind, msg.Sequence, log.DirectionIn)

	switch msg.Kind {
	case wire.KindPing:
		if err := c.sendControl(wire.KindPong, msg.Sequence); err != nil {
			c.server.reportError(c, err)
		}

	case wire.KindPong:
		c.kaMu.Lock()
		ka := c.keepAlive
		c.kaMu.Unlock()
		if ka != nil {
			ka.PongReceived(msg.Sequence)
		}

	case wire.KindClose:
		_ = c.sendControl(wire.KindClose, 0)
		c.Close()
	}
}

func (c *ServerConn) sendControl(kind wire.Kind, seq uint32) error {
	data, err := encodeControl(kind, seq)
	if err != nil {
		return err
	}
	if err := c.Send(data); err != nil {
		return err
	}
	c.logControl(kind, seq, log.DirectionOut)
	return nil
}

func (c *ServerConn) logControl(kind wire.Kind, seq uint32, direction log.Direction) {
	if c.server.config.Logger == nil {
		return
	}
	ctrlType, ok := controlMsgType(kind)
	if !ok {
		return
	}
	log.Emit(c.server.config.Logger, log.Event{
		ConnectionID: c.connID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		RemoteAddr:   c.remoteAddr.String(),
		HostID:       c.HostID(),
		ControlMsg:   &log.ControlMsgEvent{Type: ctrlType, Sequence: seq},
	})
}

func (c *ServerConn) logState(oldState, newState string) {
	if c.server.config.Logger == nil {
		return
	}
	log.Emit(c.server.config.Logger, log.Event{
		ConnectionID: c.connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.remoteAddr.String(),
		HostID:       c.HostID(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

func controlMsgType(kind wire.Kind) (log.ControlMsgType, bool) {
	switch kind {
	case wire.KindPing:
		return log.ControlMsgPing, true
	case wire.KindPong:
		return log.ControlMsgPong, true
	case wire.KindClose:
		return log.ControlMsgClose, true
	}
	return 0, false
}

func encodeControl(kind wire.Kind, seq uint32) ([]byte, error) {
	return wire.EncodeControlMessage(&wire.ControlMessage{Kind: kind, Sequence: seq})
}

// EncodePing encodes a ping control message.
func EncodePing(seq uint32) ([]byte, error) {
	return encodeControl(wire.KindPing, seq)
}

// EncodePong encodes a pong control message.
func EncodePong(seq uint32) ([]byte, error) {
	return encodeControl(wire.KindPong, seq)
}

// EncodeClose encodes a close control message.
func EncodeClose() ([]byte, error) {
	return encodeControl(wire.KindClose, 0)
}
