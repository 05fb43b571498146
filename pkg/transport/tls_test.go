package transport_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwire/fleetwire/pkg/transport"
)

// pkiFiles are PEM files for a private CA and two leaf certificates it signed.
type pkiFiles struct {
	caCert     string
	serverCert string
	serverKey  string
	agentCert  string
	agentKey   string
}

func writePKI(t *testing.T) pkiFiles {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetwire-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	leaf := func(name string, serial int64, usage x509.ExtKeyUsage) (string, string) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
		require.NoError(t, err)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)

		certPath := filepath.Join(dir, name+".crt")
		keyPath := filepath.Join(dir, name+".key")
		writePEM(t, certPath, "CERTIFICATE", der)
		writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)
		return certPath, keyPath
	}

	files := pkiFiles{caCert: filepath.Join(dir, "ca.crt")}
	writePEM(t, files.caCert, "CERTIFICATE", caDER)
	files.serverCert, files.serverKey = leaf("manager", 2, x509.ExtKeyUsageServerAuth)
	files.agentCert, files.agentKey = leaf("hv-01", 3, x509.ExtKeyUsageClientAuth)
	return files
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadTLSConfigManagerSide(t *testing.T) {
	pki := writePKI(t)

	cfg, err := transport.LoadTLSConfig(pki.serverCert, pki.serverKey, pki.caCert, true)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Certificate.Certificate)
	assert.NotNil(t, cfg.ClientCAs, "manager verifies agents against the CA")
	assert.Nil(t, cfg.RootCAs)
}

func TestLoadTLSConfigAgentSide(t *testing.T) {
	pki := writePKI(t)

	cfg, err := transport.LoadTLSConfig(pki.agentCert, pki.agentKey, pki.caCert, false)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Certificate.Certificate)
	assert.NotNil(t, cfg.RootCAs, "agent verifies the manager against the CA")
	assert.Nil(t, cfg.ClientCAs)
}

func TestLoadTLSConfigOptionalFiles(t *testing.T) {
	pki := writePKI(t)

	cfg, err := transport.LoadTLSConfig("", "", pki.caCert, false)
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificate.Certificate)
	assert.NotNil(t, cfg.RootCAs)

	cfg, err = transport.LoadTLSConfig(pki.serverCert, pki.serverKey, "", true)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Certificate.Certificate)
	assert.Nil(t, cfg.ClientCAs, "no CA file means no client certificates are requested")
}

func TestLoadTLSConfigErrors(t *testing.T) {
	pki := writePKI(t)
	missing := filepath.Join(t.TempDir(), "absent.pem")
	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	tests := []struct {
		name     string
		cert     string
		key      string
		ca       string
		contains string
	}{
		{"missing key", pki.serverCert, missing, "", "load key pair"},
		{"key does not match", pki.serverCert, pki.agentKey, "", "load key pair"},
		{"missing CA", pki.serverCert, pki.serverKey, missing, "read CA file"},
		{"CA without certificates", pki.serverCert, pki.serverKey, garbage, "no certificates found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.LoadTLSConfig(tt.cert, tt.key, tt.ca, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestMutualTLSFromLoadedFiles(t *testing.T) {
	pki := writePKI(t)

	serverTLS, err := transport.LoadTLSConfig(pki.serverCert, pki.serverKey, pki.caCert, true)
	require.NoError(t, err)
	server := startServer(t, transport.ServerConfig{
		TLSConfig: serverTLS,
		OnMessage: func(conn *transport.ServerConn, msg []byte) { conn.Send(msg) },
	})

	agentTLS, err := transport.LoadTLSConfig(pki.agentCert, pki.agentKey, pki.caCert, false)
	require.NoError(t, err)
	agentTLS.ServerName = "127.0.0.1"
	conn := dial(t, server, agentTLS)

	state := conn.TLSState()
	require.Len(t, state.PeerCertificates, 1)
	assert.Equal(t, "manager", state.PeerCertificates[0].Subject.CommonName)

	require.NoError(t, conn.Send([]byte("mtls")))
	data, err := conn.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "mtls", string(data))
}

func TestMutualTLSRejectsAgentWithoutCertificate(t *testing.T) {
	pki := writePKI(t)

	serverTLS, err := transport.LoadTLSConfig(pki.serverCert, pki.serverKey, pki.caCert, true)
	require.NoError(t, err)
	server := startServer(t, transport.ServerConfig{
		TLSConfig: serverTLS,
		OnMessage: func(conn *transport.ServerConn, msg []byte) { conn.Send(msg) },
	})

	agentTLS, err := transport.LoadTLSConfig("", "", pki.caCert, false)
	require.NoError(t, err)
	agentTLS.ServerName = "127.0.0.1"
	client, err := transport.NewClient(transport.ClientConfig{TLSConfig: agentTLS})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.Connect(ctx, server.Addr().String())
	if err == nil {
		// Under TLS 1.3 the client finishes its handshake before the manager
		// checks the certificate, so the rejection arrives on the first read.
		defer conn.Close()
		_ = conn.Send([]byte("hello"))
		_, err = conn.Receive(time.Second)
	}
	assert.Error(t, err)
}
