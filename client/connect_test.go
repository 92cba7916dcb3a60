package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/imapsession/command"
	"github.com/migadu/imapsession/pkg/metrics"
	"github.com/migadu/imapsession/testutils"
)

const testHost = "imap.example.test"

func establisherFor(srv *testutils.IMAPServer) *Establisher {
	return &Establisher{
		Port:      srv.Port,
		Resolver:  srv.Resolver("wrong.example.test"),
		TLSConfig: srv.TLSConfig(),
		Logger:    discardLogger,
	}
}

func TestEstablish_LoginScenario(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, testutils.Scripted("* OK Service Ready", func(tag, cmd string) []string {
		return []string{"* OK", tag + " OK LOGIN completed"}
	}))
	ctx := context.Background()

	sess, greeting, err := establisherFor(srv).Establish(ctx, testHost)
	require.NoError(t, err)
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	assert.Equal(t, "* OK Service Ready", greeting.String())
	phase, err := sess.Phase()
	require.NoError(t, err)
	assert.Equal(t, imap.ConnStateNotAuthenticated, phase)

	login, err := command.Login("user", "pass")
	require.NoError(t, err)
	rs, err := sess.Dispatch(login)
	require.NoError(t, err)
	assert.Equal(t, "A0001", rs.Tag())

	ev, err := rs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventNext, ev.Kind)
	assert.Equal(t, "* OK", ev.Frame.String())

	ev, err = rs.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventNext, ev.Kind)
	assert.Equal(t, "A0001 OK LOGIN completed", ev.Frame.String())

	ev, err = rs.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, EventDone, ev.Kind)
	sess = ev.Session

	phase, err = sess.Phase()
	require.NoError(t, err)
	assert.Equal(t, imap.ConnStateAuthenticated, phase)
}

func TestEstablish_StagesInOrder(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, testutils.Scripted("* OK hi", nil))

	var mu sync.Mutex
	var stages []Stage
	est := establisherFor(srv)
	est.OnStage = func(s Stage) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, s)
	}

	sess, _, err := est.Establish(context.Background(), testHost)
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, []Stage{StageResolving, StageConnecting, StageHandshaking, StageGreeting, StageReady}, stages)
}

func TestEstablish_GreetingCapabilities(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, testutils.Scripted("* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] ready", nil))

	sess, greeting, err := establisherFor(srv).Establish(context.Background(), testHost)
	require.NoError(t, err)
	defer sess.Close()

	caps, ok := greeting.Capabilities()
	require.True(t, ok)
	assert.True(t, caps.Has(imap.CapSASLIR))
}

func TestEstablish_AddressResolutionError(t *testing.T) {
	failures := testutil.ToFloat64(metrics.ConnectsTotal.WithLabelValues("resolve_error"))

	est := &Establisher{Resolver: testutils.StaticResolver{"empty.example.test": nil}, Logger: discardLogger}

	_, _, err := est.Establish(context.Background(), "missing.example.test")
	assert.ErrorIs(t, err, ErrAddressResolution)
	var dnsErr *net.DNSError
	assert.True(t, errors.As(err, &dnsErr), "the resolver error is wrapped")

	_, _, err = est.Establish(context.Background(), "empty.example.test")
	assert.ErrorIs(t, err, ErrAddressResolution)

	assert.Equal(t, failures+2, testutil.ToFloat64(metrics.ConnectsTotal.WithLabelValues("resolve_error")))
}

func TestEstablish_ConnectError(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	est := &Establisher{
		Port:     port,
		Resolver: testutils.StaticResolver{testHost: {"127.0.0.1"}},
		Logger:   discardLogger,
	}
	_, _, err = est.Establish(context.Background(), testHost)
	assert.ErrorIs(t, err, ErrConnect)
}

func TestEstablish_VerifiesHostnameNotAddress(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, testutils.Scripted("* OK hi", nil))

	// Same server and address, different name: the certificate does not match.
	_, _, err := establisherFor(srv).Establish(context.Background(), "wrong.example.test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTLS)
	var hostErr x509.HostnameError
	assert.True(t, errors.As(err, &hostErr), "cause is preserved: %v", err)
}

func TestEstablish_UntrustedCertificate(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, testutils.Scripted("* OK hi", nil))

	est := establisherFor(srv)
	est.TLSConfig = &tls.Config{}
	_, _, err := est.Establish(context.Background(), testHost)
	assert.ErrorIs(t, err, ErrTLS)
}

func TestEstablish_NoGreeting(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, func(c *testutils.ServerConn) {
		c.Close()
	})

	_, _, err := establisherFor(srv).Establish(context.Background(), testHost)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEstablish_TaggedGreetingRejected(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, func(c *testutils.ServerConn) {
		c.Send("A0001 OK too early")
		c.ReadCommand()
	})

	_, _, err := establisherFor(srv).Establish(context.Background(), testHost)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestEstablish_GreetingTimeout(t *testing.T) {
	srv := testutils.NewIMAPServer(t, testHost, func(c *testutils.ServerConn) {
		// Complete the handshake but stay silent until the client leaves.
		c.ReadCommand()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err := establisherFor(srv).Establish(ctx, testHost)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEstablisher_Defaults(t *testing.T) {
	var e Establisher
	assert.Equal(t, DefaultPort, e.port())
	assert.Equal(t, 993, e.port())

	cfg := e.tlsConfig(testHost)
	assert.Equal(t, testHost, cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	custom := &tls.Config{ServerName: "ignored", MinVersion: tls.VersionTLS13}
	e.TLSConfig = custom
	cfg = e.tlsConfig(testHost)
	assert.Equal(t, testHost, cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, "ignored", custom.ServerName, "the caller's config is not modified")
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "resolve", StageResolving.String())
	assert.Equal(t, "greeting", StageGreeting.String())
	assert.Equal(t, "unknown", Stage(42).String())
}
