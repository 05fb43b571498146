package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

const (
	// ALPNProtocol is the application protocol negotiated over TLS.
	ALPNProtocol = "fleetwire/1"

	// DefaultPort is the default manager listen port.
	DefaultPort = 7400
)

// ErrNoCertificate is returned when a TLS endpoint has no certificate.
var ErrNoCertificate = errors.New("certificate is required")

// TLSConfig holds the material for one TLS endpoint.
type TLSConfig struct {
	// Certificate is this endpoint's certificate.
	Certificate tls.Certificate

	// RootCAs verifies the manager's certificate on the agent side.
	RootCAs *x509.CertPool

	// ClientCAs verifies agent certificates on the manager side. When nil
	// the manager does not request client certificates and relies on the
	// handshake proof for authentication.
	ClientCAs *x509.CertPool

	// ServerName is the expected manager name for agent connections.
	ServerName string

	// InsecureSkipVerify disables certificate verification. Test use only.
	InsecureSkipVerify bool
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
	}
}

// NewServerTLSConfig builds the manager-side TLS configuration.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || len(cfg.Certificate.Certificate) == 0 {
		return nil, fmt.Errorf("server: %w", ErrNoCertificate)
	}

	tlsConfig := baseTLSConfig()
	tlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	if cfg.ClientCAs != nil {
		tlsConfig.ClientCAs = cfg.ClientCAs
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// NewClientTLSConfig builds the agent-side TLS configuration. The client
// certificate is optional.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, errors.New("TLSConfig is required")
	}

	tlsConfig := baseTLSConfig()
	if len(cfg.Certificate.Certificate) > 0 {
		tlsConfig.Certificates = []tls.Certificate{cfg.Certificate}
	}
	tlsConfig.RootCAs = cfg.RootCAs
	tlsConfig.ServerName = cfg.ServerName
	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig, nil
}

// VerifyConnection checks the negotiated TLS version and ALPN protocol.
func VerifyConnection(state tls.ConnectionState) error {
	if state.Version != tls.VersionTLS13 {
		return fmt.Errorf("TLS version %x is not TLS 1.3 (0x0304)", state.Version)
	}
	if state.NegotiatedProtocol != ALPNProtocol {
		return fmt.Errorf("ALPN protocol %q is not %q", state.NegotiatedProtocol, ALPNProtocol)
	}
	return nil
}

// LoadTLSConfig reads PEM files into a TLSConfig. caFile may be empty.
// On the manager the CA pool becomes ClientCAs; on the agent it becomes RootCAs.
func LoadTLSConfig(certFile, keyFile, caFile string, server bool) (*TLSConfig, error) {
	cfg := &TLSConfig{}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cfg.Certificate = cert
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		if server {
			cfg.ClientCAs = pool
		} else {
			cfg.RootCAs = pool
		}
	}

	return cfg, nil
}
