// Package tlsmanager builds the client-side TLS configuration used to
// reach the IMAP server: trusted roots, an optional client certificate and
// the protocol floor.
package tlsmanager

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/imapsession/config"
	"github.com/migadu/imapsession/logger"
)

// ErrNoCertificates is returned when a CA bundle contains no usable certificate.
var ErrNoCertificates = errors.New("no certificates found")

// expiryWarning is how close to expiry a client certificate must be before
// it is logged as a warning.
const expiryWarning = 14 * 24 * time.Hour

// CertificateInfo holds the parts of a certificate worth logging.
type CertificateInfo struct {
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	Subject      string
}

// Manager holds the TLS configuration for outgoing connections.
type Manager struct {
	config     config.ClientConfig
	tlsConfig  *tls.Config
	clientCert *CertificateInfo
}

// New loads everything cfg refers to. ServerName is left empty; the
// establisher sets it per connection.
func New(cfg config.ClientConfig) (*Manager, error) {
	minVersion, err := cfg.GetTLSMinVersion()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config: cfg,
		tlsConfig: &tls.Config{
			MinVersion:         minVersion,
			InsecureSkipVerify: !cfg.TLSVerify,
			Renegotiation:      tls.RenegotiateNever,
		},
	}

	if cfg.TLSCAFile != "" {
		if err := m.loadRoots(); err != nil {
			return nil, fmt.Errorf("failed to load CA file: %w", err)
		}
	}
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		if err := m.loadClientCertificate(); err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
	}

	if !cfg.TLSVerify {
		logger.Warn("TLS certificate verification is disabled", "host", cfg.Host)
	}
	return m, nil
}

func (m *Manager) loadRoots() error {
	data, err := os.ReadFile(m.config.TLSCAFile)
	if err != nil {
		return err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("%w in %s", ErrNoCertificates, m.config.TLSCAFile)
	}
	m.tlsConfig.RootCAs = pool
	logger.Info("Loaded CA bundle", "file", m.config.TLSCAFile)
	return nil
}

func (m *Manager) loadClientCertificate() error {
	if m.config.TLSCertFile == "" || m.config.TLSKeyFile == "" {
		return fmt.Errorf("tls_cert_file and tls_key_file are both required")
	}
	cert, err := tls.LoadX509KeyPair(m.config.TLSCertFile, m.config.TLSKeyFile)
	if err != nil {
		return err
	}
	m.tlsConfig.Certificates = []tls.Certificate{cert}

	data, err := os.ReadFile(m.config.TLSCertFile)
	if err != nil {
		return err
	}
	info, err := parseCertificate(data)
	if err != nil {
		return err
	}
	m.clientCert = info

	if until := time.Until(info.NotAfter); until < expiryWarning {
		logger.Warn("Client certificate expires soon", "subject", info.Subject, "not_after", info.NotAfter)
	} else {
		logger.Info("Loaded client certificate", "subject", info.Subject, "serial", info.SerialNumber, "not_after", info.NotAfter)
	}
	return nil
}

// GetTLSConfig returns a copy of the configuration, safe to modify.
func (m *Manager) GetTLSConfig() *tls.Config {
	return m.tlsConfig.Clone()
}

// ClientCertificate describes the loaded client certificate, or nil.
func (m *Manager) ClientCertificate() *CertificateInfo {
	return m.clientCert
}

// parseCertificate parses the first certificate in a PEM bundle.
func parseCertificate(certData []byte) (*CertificateInfo, error) {
	var certPEM *pem.Block
	remaining := certData

	for {
		block, rest := pem.Decode(remaining)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certPEM = block
			break
		}
		remaining = rest
	}

	if certPEM == nil {
		return nil, fmt.Errorf("no certificate PEM block found")
	}

	cert, err := x509.ParseCertificate(certPEM.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &CertificateInfo{
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Subject:      cert.Subject.String(),
	}, nil
}
