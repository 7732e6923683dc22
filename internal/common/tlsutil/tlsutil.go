// Package tlsutil opens the listener of the idsync HTTP server, with TLS when
// configured.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/openidx/idsync/internal/common/config"
)

// NewTLSConfig builds a *tls.Config from the provided configuration.
// If CAFile is set, client certificates are verified when presented.
func NewTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("TLS enabled but cert_file and key_file are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, nil
}

// Listen opens addr, wrapped in TLS when cfg enables it. Basic auth and
// token headers cross this listener, so production runs should enable TLS.
func Listen(addr string, cfg config.TLSConfig, log *zap.Logger) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return ln, nil
	}

	tlsCfg, err := NewTLSConfig(cfg)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	log.Info("TLS enabled",
		zap.String("cert", cfg.CertFile),
		zap.Bool("client_certs", cfg.CAFile != ""),
	)
	return tls.NewListener(ln, tlsCfg), nil
}
