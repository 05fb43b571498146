package transport_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetwire/fleetwire/pkg/transport"
	"github.com/fleetwire/fleetwire/pkg/wire"
)

func startServer(t *testing.T, config transport.ServerConfig) *transport.Server {
	t.Helper()
	config.Address = "127.0.0.1:0"

	server, err := transport.NewServer(config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, server *transport.Server, tlsConfig *transport.TLSConfig) *transport.ClientConn {
	t.Helper()
	client, err := transport.NewClient(transport.ClientConfig{TLSConfig: tlsConfig})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, server.Addr().String())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerEchoPlainTCP(t *testing.T) {
	connected := make(chan *transport.ServerConn, 1)

	server := startServer(t, transport.ServerConfig{
		OnConnect: func(conn *transport.ServerConn) { connected <- conn },
		OnMessage: func(conn *transport.ServerConn, msg []byte) {
			conn.Send(append([]byte("echo:"), msg...))
		},
	})

	conn := dial(t, server, nil)

	select {
	case sc := <-connected:
		if sc.ConnID() == "" {
			t.Error("ConnID should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("OnConnect not called")
	}

	if err := conn.Send([]byte("hi")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	resp, err := conn.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(resp) != "echo:hi" {
		t.Errorf("response = %q", resp)
	}
	if server.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount = %d, want 1", server.ConnectionCount())
	}
}

func TestServerAnswersAgentPing(t *testing.T) {
	var messages atomic.Int32
	server := startServer(t, transport.ServerConfig{
		OnMessage: func(*transport.ServerConn, []byte) { messages.Add(1) },
	})
	conn := dial(t, server, nil)

	if err := conn.SendPing(42); err != nil {
		t.Fatalf("SendPing failed: %v", err)
	}
	data, err := conn.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	msg, err := wire.DecodeControlMessage(data)
	if err != nil {
		t.Fatalf("DecodeControlMessage failed: %v", err)
	}
	if msg.Kind != wire.KindPong || msg.Sequence != 42 {
		t.Errorf("reply = %s/%d, want PONG/42", msg.Kind, msg.Sequence)
	}
	if messages.Load() != 0 {
		t.Error("control frames must not reach OnMessage")
	}
}

func TestServerKeepAliveCallbacks(t *testing.T) {
	pongs := make(chan string, 4)
	var missMu sync.Mutex
	var misses []int

	server := startServer(t, transport.ServerConfig{
		KeepAlive: transport.KeepAliveConfig{
			PingInterval: 20 * time.Millisecond,
			PongTimeout:  10 * time.Millisecond,
		},
		OnConnect: func(conn *transport.ServerConn) {
			conn.SetHostID("host-1")
			conn.StartKeepAlive()
		},
		OnPong: func(conn *transport.ServerConn) { pongs <- conn.HostID() },
		OnPingMissed: func(_ *transport.ServerConn, missed int) {
			missMu.Lock()
			misses = append(misses, missed)
			missMu.Unlock()
		},
	})
	conn := dial(t, server, nil)

	// Answer the first ping, then go silent.
	data, err := conn.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	ping, err := wire.DecodeControlMessage(data)
	if err != nil || ping.Kind != wire.KindPing {
		t.Fatalf("expected ping, got %v / %v", ping, err)
	}
	if err := conn.SendPong(ping.Sequence); err != nil {
		t.Fatal(err)
	}

	select {
	case host := <-pongs:
		if host != "host-1" {
			t.Errorf("OnPong host = %q", host)
		}
	case <-time.After(time.Second):
		t.Fatal("OnPong not called")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		missMu.Lock()
		n := len(misses)
		missMu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	missMu.Lock()
	defer missMu.Unlock()
	if len(misses) < 2 || misses[0] != 1 || misses[1] != 2 {
		t.Errorf("misses = %v, want running count starting at 1", misses)
	}
}

func TestServerDisconnectCallback(t *testing.T) {
	disconnected := make(chan struct{})
	server := startServer(t, transport.ServerConfig{
		OnDisconnect: func(*transport.ServerConn) { close(disconnected) },
	})
	conn := dial(t, server, nil)

	if err := conn.SendClose(); err != nil {
		t.Fatalf("SendClose failed: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called after close")
	}
	if server.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d after disconnect", server.ConnectionCount())
	}
}

func TestServerStartTwice(t *testing.T) {
	server := startServer(t, transport.ServerConfig{})
	if err := server.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestServerTLS(t *testing.T) {
	serverCert, serverKey := generateTestCert(t)
	clientCert, clientKey := generateTestCert(t)

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(parseCert(t, clientCert))
	rootCAs := x509.NewCertPool()
	rootCAs.AddCert(parseCert(t, serverCert))

	server := startServer(t, transport.ServerConfig{
		TLSConfig: &transport.TLSConfig{
			Certificate: loadCert(t, serverCert, serverKey),
			ClientCAs:   clientCAs,
		},
		OnMessage: func(conn *transport.ServerConn, msg []byte) { conn.Send(msg) },
	})

	conn := dial(t, server, &transport.TLSConfig{
		Certificate: loadCert(t, clientCert, clientKey),
		RootCAs:     rootCAs,
		ServerName:  "127.0.0.1",
	})

	state := conn.TLSState()
	if state.Version != tls.VersionTLS13 {
		t.Errorf("TLS version = %x, want TLS 1.3", state.Version)
	}
	if state.NegotiatedProtocol != transport.ALPNProtocol {
		t.Errorf("ALPN = %q", state.NegotiatedProtocol)
	}

	if err := conn.Send([]byte("over tls")); err != nil {
		t.Fatal(err)
	}
	resp, err := conn.Receive(time.Second)
	if err != nil || string(resp) != "over tls" {
		t.Errorf("echo = %q, %v", resp, err)
	}
}

func TestServerTLSRejectsTLS12(t *testing.T) {
	serverCert, serverKey := generateTestCert(t)
	server := startServer(t, transport.ServerConfig{
		TLSConfig: &transport.TLSConfig{Certificate: loadCert(t, serverCert, serverKey)},
	})

	conn, err := tls.Dial("tcp", server.Addr().String(), &tls.Config{
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
	})
	if err == nil {
		conn.Close()
		t.Error("TLS 1.2 connection should have been rejected")
	}
}

func TestNewServerTLSRequiresCertificate(t *testing.T) {
	_, err := transport.NewServer(transport.ServerConfig{TLSConfig: &transport.TLSConfig{}})
	if err == nil {
		t.Error("NewServer should fail without a certificate")
	}
}

func generateTestCert(t *testing.T) ([]byte, []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "fleetwire-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	return certDER, keyDER
}

func loadCert(t *testing.T, certDER, keyDER []byte) tls.Certificate {
	t.Helper()
	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		t.Fatalf("Failed to parse key: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{certDER}, PrivateKey: key}
}

func parseCert(t *testing.T, certDER []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}
