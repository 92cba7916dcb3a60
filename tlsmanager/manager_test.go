package tlsmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/imapsession/config"
)

// writeTestCertificate creates a self-signed certificate and key and
// returns their paths.
func writeTestCertificate(t *testing.T, notAfter time.Time, serial int64) (certFile, keyFile string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   "probe.example.com",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(config.NewDefaultConfig().Client)
	require.NoError(t, err)

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
	assert.Nil(t, m.ClientCertificate())
}

func TestNew_VerifyDisabledAndTLS13(t *testing.T) {
	c := config.NewDefaultConfig().Client
	c.TLSVerify = false
	c.TLSMinVersion = "1.3"

	m, err := New(c)
	require.NoError(t, err)
	cfg := m.GetTLSConfig()
	assert.True(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestNew_InvalidMinVersion(t *testing.T) {
	c := config.NewDefaultConfig().Client
	c.TLSMinVersion = "1.0"
	_, err := New(c)
	assert.Error(t, err)
}

func TestNew_CABundle(t *testing.T) {
	certFile, _ := writeTestCertificate(t, time.Now().Add(24*time.Hour), 1)

	c := config.NewDefaultConfig().Client
	c.TLSCAFile = certFile
	m, err := New(c)
	require.NoError(t, err)
	assert.NotNil(t, m.GetTLSConfig().RootCAs)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0600))
	c.TLSCAFile = garbage
	_, err = New(c)
	assert.ErrorIs(t, err, ErrNoCertificates)

	c.TLSCAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = New(c)
	assert.Error(t, err)
}

func TestNew_ClientCertificate(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t, time.Now().Add(90*24*time.Hour), 4242)

	c := config.NewDefaultConfig().Client
	c.TLSCertFile = certFile
	c.TLSKeyFile = keyFile
	m, err := New(c)
	require.NoError(t, err)

	assert.Len(t, m.GetTLSConfig().Certificates, 1)
	info := m.ClientCertificate()
	require.NotNil(t, info)
	assert.Equal(t, "4242", info.SerialNumber)
	assert.Contains(t, info.Subject, "probe.example.com")

	c.TLSKeyFile = ""
	_, err = New(c)
	assert.Error(t, err)
}

func TestGetTLSConfig_ReturnsCopy(t *testing.T) {
	m, err := New(config.NewDefaultConfig().Client)
	require.NoError(t, err)

	cfg := m.GetTLSConfig()
	cfg.ServerName = "changed.example.com"
	assert.Empty(t, m.GetTLSConfig().ServerName)
}

func TestParseCertificate(t *testing.T) {
	certFile, _ := writeTestCertificate(t, time.Now().Add(time.Hour), 7)
	data, err := os.ReadFile(certFile)
	require.NoError(t, err)

	// Leading non-certificate blocks are skipped.
	bundle := append(pem.EncodeToMemory(&pem.Block{Type: "COMMENT", Bytes: []byte("x")}), data...)
	info, err := parseCertificate(bundle)
	require.NoError(t, err)
	assert.Equal(t, "7", info.SerialNumber)

	_, err = parseCertificate([]byte("nothing here"))
	assert.Error(t, err)
}
