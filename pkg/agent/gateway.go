package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwire/fleetwire/pkg/transport"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

// Gateway connects a transport.Server to a Dispatcher. The first frame on
// every connection must be a handshake, received within the dispatcher's
// HandshakeTimeout; later frames are routed to the connection's attache.
type Gateway struct {
	d      *Dispatcher
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*transport.ServerConn]*gatewayConn
}

type gatewayConn struct {
	timer   *time.Timer
	attache *Attache
}

// gatewayLink adapts a server connection to Link and Acceptor.
type gatewayLink struct {
	conn *transport.ServerConn
}

func (l gatewayLink) Send(data []byte) error {
	return l.conn.Send(data)
}

func (l gatewayLink) Close() error {
	return l.conn.Close()
}

func (l gatewayLink) Accept() error {
	return sendAck(l.conn, true, "")
}

var (
	_ Link     = gatewayLink{}
	_ Acceptor = gatewayLink{}
)

// NewGateway creates a gateway for d. A nil logger disables logging.
func NewGateway(d *Dispatcher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		d:      d,
		logger: logger,
		conns:  make(map[*transport.ServerConn]*gatewayConn),
	}
}

// Bind installs the gateway's callbacks on cfg. Call it before
// transport.NewServer.
func (g *Gateway) Bind(cfg *transport.ServerConfig) {
	cfg.OnConnect = g.onConnect
	cfg.OnMessage = g.onMessage
	cfg.OnDisconnect = g.onDisconnect
	cfg.OnPong = g.onPong
	cfg.OnPingMissed = g.onPingMissed
	cfg.OnError = g.onError
}

// Pending returns the number of connections still waiting for a handshake.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, st := range g.conns {
		if st.attache == nil {
			n++
		}
	}
	return n
}

func (g *Gateway) state(conn *transport.ServerConn) (*gatewayConn, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.conns[conn]
	return st, ok
}

func (g *Gateway) onConnect(conn *transport.ServerConn) {
	st := &gatewayConn{}
	st.timer = time.AfterFunc(g.d.config.HandshakeTimeout, func() {
		g.mu.Lock()
		waiting := st.attache == nil
		g.mu.Unlock()
		if waiting {
			g.logger.Warn("handshake timeout", "conn_id", conn.ConnID(), "remote", conn.RemoteAddr())
			conn.Close()
		}
	})

	g.mu.Lock()
	g.conns[conn] = st
	g.mu.Unlock()
}

func (g *Gateway) onMessage(conn *transport.ServerConn, data []byte) {
	st, ok := g.state(conn)
	if !ok {
		return
	}

	g.mu.Lock()
	a := st.attache
	g.mu.Unlock()

	if a == nil {
		g.handshake(conn, st, data)
		return
	}
	if err := g.d.HandleFrameFrom(a, data); err != nil {
		g.logger.Debug("frame rejected", "host_id", a.HostID(), "error", err)
	}
}

func (g *Gateway) handshake(conn *transport.ServerConn, st *gatewayConn, data []byte) {
	hs, err := wire.DecodeHandshake(data)
	if err != nil {
		g.logger.Warn("invalid handshake", "conn_id", conn.ConnID(), "error", err)
		_ = sendAck(conn, false, err.Error())
		conn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.d.config.HandshakeTimeout)
	defer cancel()

	conn.SetHostID(hs.HostID)
	a, err := g.d.Connect(ctx, gatewayLink{conn: conn}, hs)
	if err != nil {
		g.logger.Warn("handshake rejected", "host_id", hs.HostID, "error", err)
		_ = sendAck(conn, false, err.Error())
		conn.Close()
		return
	}

	g.mu.Lock()
	st.attache = a
	g.mu.Unlock()
	st.timer.Stop()

	conn.StartKeepAlive()
}

func (g *Gateway) onDisconnect(conn *transport.ServerConn) {
	g.mu.Lock()
	st, ok := g.conns[conn]
	delete(g.conns, conn)
	g.mu.Unlock()
	if !ok {
		return
	}

	st.timer.Stop()
	if st.attache != nil {
		g.d.Detach(st.attache, "connection closed")
	}
}

func (g *Gateway) attached(conn *transport.ServerConn) (*Attache, bool) {
	st, ok := g.state(conn)
	if !ok {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if st.attache == nil || st.attache.Closed() {
		return nil, false
	}
	return st.attache, true
}

func (g *Gateway) onPong(conn *transport.ServerConn) {
	if a, ok := g.attached(conn); ok {
		g.d.PingReceived(a.HostID())
	}
}

func (g *Gateway) onPingMissed(conn *transport.ServerConn, missed int) {
	if a, ok := g.attached(conn); ok {
		g.logger.Debug("ping missed", "host_id", a.HostID(), "missed", missed)
		g.d.PingMissed(a.HostID())
	}
}

func (g *Gateway) onError(conn *transport.ServerConn, err error) {
	if conn == nil {
		g.logger.Warn("transport error", "error", err)
		return
	}
	g.logger.Debug("connection error", "conn_id", conn.ConnID(), "host_id", conn.HostID(), "error", err)
}

func sendAck(conn *transport.ServerConn, accepted bool, reason string) error {
	data, err := wire.EncodeHandshakeAck(&wire.HandshakeAck{Accepted: accepted, Reason: reason})
	if err != nil {
		return err
	}
	return conn.Send(data)
}
