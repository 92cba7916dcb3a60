package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/migadu/imapsession/logger"
	"github.com/migadu/imapsession/pkg/metrics"
	"github.com/migadu/imapsession/proto"
)

// DefaultPort is the implicit-TLS IMAP port.
const DefaultPort = 993

// Resolver resolves a hostname to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ContextDialer opens transport connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stage is a step of connection establishment.
type Stage int

const (
	StageResolving Stage = iota
	StageConnecting
	StageHandshaking
	StageGreeting
	StageReady
)

func (s Stage) String() string {
	switch s {
	case StageResolving:
		return "resolve"
	case StageConnecting:
		return "connect"
	case StageHandshaking:
		return "handshake"
	case StageGreeting:
		return "greeting"
	case StageReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Establisher turns a hostname into a ready Session. The zero value
// connects to port 993 with the system resolver and root CAs.
type Establisher struct {
	Port      int
	Resolver  Resolver
	Dialer    ContextDialer
	TLSConfig *tls.Config
	Limits    proto.Limits
	Logger    *slog.Logger

	// OnStage, if set, is called each time the machine enters a stage,
	// including StageReady.
	OnStage func(Stage)
}

// Establish connects with a zero Establisher.
func Establish(ctx context.Context, hostname string) (*Session, *proto.Response, error) {
	var e Establisher
	return e.Establish(ctx, hostname)
}

// Establish resolves hostname, connects, performs the TLS handshake
// (verifying the certificate against hostname) and reads the server
// greeting. On failure every resource opened so far is released and no
// Session is returned. Deadlines come from ctx only.
func (e *Establisher) Establish(ctx context.Context, hostname string) (*Session, *proto.Response, error) {
	m := &connectMachine{
		e:     e,
		host:  hostname,
		log:   e.logger().With("host", hostname),
		stage: StageResolving,
	}
	e.notify(StageResolving)

	for m.stage != StageReady {
		if err := m.advance(ctx); err != nil {
			m.discard()
			metrics.ConnectsTotal.WithLabelValues(connectResult(err)).Inc()
			m.log.Warn("Connection establishment failed", "stage", m.stage.String(), "error", err)
			return nil, nil, err
		}
	}

	metrics.ConnectsTotal.WithLabelValues("success").Inc()

	c := newConn(m.transport, NewState(), m.log)
	c.log.Info("Connected", "addr", m.addr, "remote", m.transport.RemoteAddr().String(), "greeting", m.greeting.String())
	return newSession(c), m.greeting, nil
}

func (e *Establisher) port() int {
	if e.Port > 0 {
		return e.Port
	}
	return DefaultPort
}

func (e *Establisher) resolver() Resolver {
	if e.Resolver != nil {
		return e.Resolver
	}
	return net.DefaultResolver
}

func (e *Establisher) dialer() ContextDialer {
	if e.Dialer != nil {
		return e.Dialer
	}
	return &net.Dialer{}
}

func (e *Establisher) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logger.Get()
}

func (e *Establisher) tlsConfig(hostname string) *tls.Config {
	var cfg *tls.Config
	if e.TLSConfig != nil {
		cfg = e.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = hostname
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

func (e *Establisher) notify(s Stage) {
	if e.OnStage != nil {
		e.OnStage(s)
	}
}

// connectMachine holds the state of one establishment. stage names the
// step currently in progress; the fields filled by earlier stages are valid
// and the ones belonging to later stages are not. advance runs the current
// step and moves to the next stage only once the step has succeeded.
type connectMachine struct {
	e    *Establisher
	host string
	log  *slog.Logger

	stage Stage

	addr      string
	raw       net.Conn
	secure    *tls.Conn
	transport *proto.Transport
	greeting  *proto.Response
}

func (m *connectMachine) advance(ctx context.Context) error {
	began := time.Now()

	var (
		next Stage
		err  error
	)
	switch m.stage {
	case StageResolving:
		next, err = m.resolve(ctx)
	case StageConnecting:
		next, err = m.connect(ctx)
	case StageHandshaking:
		next, err = m.handshake(ctx)
	case StageGreeting:
		next, err = m.readGreeting(ctx)
	default:
		return fmt.Errorf("%w: connect machine advanced from stage %s", ErrProtocol, m.stage)
	}
	if err != nil {
		return err
	}

	metrics.ConnectStageDuration.WithLabelValues(m.stage.String()).Observe(time.Since(began).Seconds())
	m.log.Debug("Connect stage complete", "stage", m.stage.String(), "duration", time.Since(began))
	m.stage = next
	m.e.notify(next)
	return nil
}

func (m *connectMachine) resolve(ctx context.Context) (Stage, error) {
	addrs, err := m.e.resolver().LookupHost(ctx, m.host)
	if err != nil {
		return m.stage, fmt.Errorf("%w: %s: %w", ErrAddressResolution, m.host, err)
	}
	if len(addrs) == 0 {
		return m.stage, fmt.Errorf("%w: no addresses found for %s", ErrAddressResolution, m.host)
	}
	m.addr = net.JoinHostPort(addrs[0], strconv.Itoa(m.e.port()))
	return StageConnecting, nil
}

func (m *connectMachine) connect(ctx context.Context) (Stage, error) {
	raw, err := m.e.dialer().DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return m.stage, fmt.Errorf("%w: %s: %w", ErrConnect, m.addr, err)
	}
	m.raw = raw
	return StageHandshaking, nil
}

func (m *connectMachine) handshake(ctx context.Context) (Stage, error) {
	secure := tls.Client(m.raw, m.e.tlsConfig(m.host))
	if err := secure.HandshakeContext(ctx); err != nil {
		return m.stage, fmt.Errorf("%w: %s: %w", ErrTLS, m.host, err)
	}
	m.secure = secure
	return StageGreeting, nil
}

func (m *connectMachine) readGreeting(ctx context.Context) (Stage, error) {
	transport := proto.NewTransport(m.secure, m.e.Limits)
	greeting, err := transport.Receive(ctx)
	if err != nil {
		return m.stage, fmt.Errorf("%w: reading greeting: %w", ErrProtocol, err)
	}
	if greeting.Kind != proto.KindUntagged {
		return m.stage, fmt.Errorf("%w: unexpected greeting %q", ErrProtocol, greeting.String())
	}
	m.transport = transport
	m.greeting = greeting
	return StageReady, nil
}

// discard releases whatever the completed stages opened.
func (m *connectMachine) discard() {
	switch {
	case m.secure != nil:
		m.secure.Close()
	case m.raw != nil:
		m.raw.Close()
	}
}

func connectResult(err error) string {
	switch {
	case errors.Is(err, ErrAddressResolution):
		return "resolve_error"
	case errors.Is(err, ErrConnect):
		return "connect_error"
	case errors.Is(err, ErrTLS):
		return "tls_error"
	default:
		return "protocol_error"
	}
}
