package testutils

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// ServerConn is the server side of a test IMAP connection.
type ServerConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func NewServerConn(conn net.Conn) *ServerConn {
	return &ServerConn{conn: conn, r: bufio.NewReader(conn)}
}

// Send writes each line followed by CRLF.
func (c *ServerConn) Send(lines ...string) error {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	_, err := c.conn.Write([]byte(b.String()))
	return err
}

// ReadCommand reads one command line and splits off its tag.
func (c *ServerConn) ReadCommand() (tag, command string, err error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	line = strings.TrimRight(line, "\r\n")
	tag, command, _ = strings.Cut(line, " ")
	return tag, command, nil
}

func (c *ServerConn) Close() error {
	return c.conn.Close()
}

// Script answers one command. Returning no lines closes the connection.
type Script func(tag, command string) []string

// Scripted returns a handler that sends greeting and then answers every
// command with script.
func Scripted(greeting string, script Script) func(*ServerConn) {
	return func(c *ServerConn) {
		if err := c.Send(greeting); err != nil {
			return
		}
		for {
			tag, command, err := c.ReadCommand()
			if err != nil {
				return
			}
			lines := script(tag, command)
			if len(lines) == 0 {
				return
			}
			if err := c.Send(lines...); err != nil {
				return
			}
		}
	}
}

// IMAPServer is an implicit-TLS listener on the loopback interface with a
// self-signed certificate for Hostname.
type IMAPServer struct {
	Hostname string
	Port     int
	RootCAs  *x509.CertPool

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
}

// NewIMAPServer starts a server whose connections are served by handler
// once the TLS handshake has completed. The server is stopped when the
// test finishes.
func NewIMAPServer(t testing.TB, hostname string, handler func(*ServerConn)) *IMAPServer {
	t.Helper()

	ln, pool := TLSListener(t, hostname)

	s := &IMAPServer{
		Hostname: hostname,
		Port:     ln.Addr().(*net.TCPAddr).Port,
		RootCAs:  pool,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve(handler)

	t.Cleanup(s.Close)
	return s
}

// TLSListener listens on a loopback port with a fresh self-signed
// certificate for hostname. The returned pool trusts that certificate. The
// caller closes the listener.
func TLSListener(t testing.TB, hostname string) (net.Listener, *x509.CertPool) {
	t.Helper()

	cert, pool, err := generateCertificate(hostname)
	if err != nil {
		t.Fatalf("Failed to generate test certificate: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return ln, pool
}

// TLSConfig trusts the server certificate.
func (s *IMAPServer) TLSConfig() *tls.Config {
	return &tls.Config{RootCAs: s.RootCAs}
}

// Resolver maps the server hostname, and any extra names, to the loopback
// address.
func (s *IMAPServer) Resolver(extra ...string) StaticResolver {
	r := StaticResolver{s.Hostname: {"127.0.0.1"}}
	for _, name := range extra {
		r[name] = []string{"127.0.0.1"}
	}
	return r
}

// Close stops accepting, closes open connections and waits for handlers.
func (s *IMAPServer) Close() {
	s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *IMAPServer) serve(handler func(*ServerConn)) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()

			conn.SetDeadline(time.Now().Add(30 * time.Second))
			if err := conn.(*tls.Conn).Handshake(); err != nil {
				return
			}
			handler(NewServerConn(conn))
		}()
	}
}

// StaticResolver resolves names from a fixed table.
type StaticResolver map[string][]string

func (r StaticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return addrs, nil
}

// generateCertificate creates a self-signed certificate for hostname and a
// pool trusting it.
func generateCertificate(hostname string) (tls.Certificate, *x509.CertPool, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   hostname,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{hostname},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, pool, nil
}
