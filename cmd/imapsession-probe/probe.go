package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/imapsession/client"
	"github.com/migadu/imapsession/command"
	"github.com/migadu/imapsession/config"
	"github.com/migadu/imapsession/proto"
	"github.com/migadu/imapsession/tlsmanager"
)

// errRejected is returned when the server completes a command with NO or BAD.
var errRejected = errors.New("command rejected")

// exchangeError names the command that failed so main can map it to an
// exit code.
type exchangeError struct {
	command string
	err     error
}

func (e *exchangeError) Error() string { return e.command + ": " + e.err.Error() }
func (e *exchangeError) Unwrap() error { return e.err }

// report is what the probe prints once it is done.
type report struct {
	Host          string
	Greeting      string
	Capabilities  []string
	Mechanism     string
	Authenticated bool
	Phase         client.Phase
	Elapsed       time.Duration
}

func (r *report) write(w io.Writer) {
	fmt.Fprintf(w, "host:          %s\n", r.Host)
	fmt.Fprintf(w, "greeting:      %s\n", r.Greeting)
	fmt.Fprintf(w, "capabilities:  %s\n", strings.Join(r.Capabilities, " "))
	if r.Authenticated {
		fmt.Fprintf(w, "authenticated: yes (%s)\n", r.Mechanism)
	} else {
		fmt.Fprintf(w, "authenticated: no\n")
	}
	fmt.Fprintf(w, "final phase:   %s\n", phaseName(r.Phase))
	fmt.Fprintf(w, "elapsed:       %s\n", r.Elapsed.Round(time.Millisecond))
}

func phaseName(p client.Phase) string {
	switch p {
	case imap.ConnStateNotAuthenticated:
		return "not authenticated"
	case imap.ConnStateAuthenticated:
		return "authenticated"
	case imap.ConnStateSelected:
		return "selected"
	case imap.ConnStateLogout:
		return "logout"
	default:
		return "unknown"
	}
}

func newEstablisher(cfg config.ClientConfig, log *slog.Logger) (*client.Establisher, error) {
	tm, err := tlsmanager.New(cfg)
	if err != nil {
		return nil, err
	}
	return &client.Establisher{
		Port:      cfg.GetPort(),
		TLSConfig: tm.GetTLSConfig(),
		Limits: proto.Limits{
			MaxLineBytes:     cfg.MaxLineBytes,
			MaxLiteralBytes:  cfg.MaxLiteralBytes,
			MaxResponseBytes: cfg.MaxResponseBytes,
		},
		Logger: log,
	}, nil
}

// prober runs one probe: connect, authenticate if credentials are set,
// CAPABILITY, NOOP and LOGOUT.
type prober struct {
	cfg            config.Config
	est            *client.Establisher
	log            *slog.Logger
	connectTimeout time.Duration
	commandTimeout time.Duration
}

func newProber(cfg config.Config, est *client.Establisher, log *slog.Logger) (*prober, error) {
	connectTimeout, err := cfg.Client.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	commandTimeout, err := cfg.Client.GetCommandTimeout()
	if err != nil {
		return nil, err
	}
	return &prober{
		cfg:            cfg,
		est:            est,
		log:            log,
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
	}, nil
}

func (p *prober) run(ctx context.Context) (*report, error) {
	start := time.Now()
	rep := &report{Host: p.cfg.Client.Host}

	connectCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	sess, greeting, err := p.est.Establish(connectCtx, p.cfg.Client.Host)
	cancel()
	if err != nil {
		return nil, err
	}
	// sess is nil while a command is in flight and after a failed one; the
	// exchange has already closed the connection in that case.
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	rep.Greeting = greeting.String()
	if st, ok := greeting.Status(); ok && st.Type == imap.StatusResponseTypeBye {
		return nil, &exchangeError{command: "greeting", err: fmt.Errorf("%w: server said BYE: %s", errRejected, st.Text)}
	}

	caps, ok := greeting.Capabilities()
	if !ok {
		if sess, caps, err = p.capability(ctx, sess); err != nil {
			return nil, err
		}
	}

	if p.cfg.Auth.Username != "" {
		auth, mech, err := p.authCommand(caps)
		if err != nil {
			return nil, &exchangeError{command: "authenticate", err: err}
		}
		if sess, _, err = p.exchange(ctx, sess, auth); err != nil {
			return nil, err
		}
		rep.Authenticated = true
		rep.Mechanism = mech

		// Servers may advertise more after authentication.
		if sess, caps, err = p.capability(ctx, sess); err != nil {
			return nil, err
		}
	}
	rep.Capabilities = capNames(caps)

	if sess, _, err = p.exchange(ctx, sess, command.Noop()); err != nil {
		return nil, err
	}
	if sess, _, err = p.exchange(ctx, sess, command.Logout()); err != nil {
		return nil, err
	}

	if rep.Phase, err = sess.Phase(); err != nil {
		return nil, err
	}
	rep.Elapsed = time.Since(start)
	return rep, nil
}

func (p *prober) authCommand(caps imap.CapSet) (command.Command, string, error) {
	auth := p.cfg.Auth
	mech := strings.ToLower(auth.Mechanism)
	if mech == "" || mech == "auto" {
		mech = "login"
		if caps.Has(imap.CapSASLIR) && slices.Contains(caps.AuthMechanisms(), "PLAIN") {
			mech = "plain"
		}
	}

	switch mech {
	case "plain":
		cmd, err := command.AuthenticatePlain(auth.Identity, auth.Username, auth.Password)
		return cmd, "PLAIN", err
	case "login":
		if caps.Has(imap.CapLoginDisabled) {
			return command.Command{}, "", fmt.Errorf("server advertises LOGINDISABLED")
		}
		cmd, err := command.Login(auth.Username, auth.Password)
		return cmd, "LOGIN", err
	default:
		return command.Command{}, "", fmt.Errorf("unsupported mechanism %q", auth.Mechanism)
	}
}

func (p *prober) capability(ctx context.Context, sess *client.Session) (*client.Session, imap.CapSet, error) {
	next, frames, err := p.exchange(ctx, sess, command.Capability())
	if err != nil {
		return next, nil, err
	}
	caps := make(imap.CapSet)
	for _, f := range frames {
		if c, ok := f.Capabilities(); ok {
			for name := range c {
				caps[name] = struct{}{}
			}
		}
	}
	return next, caps, nil
}

// exchange runs cmd to completion under the command timeout. A NO or BAD
// completion is an error, but the returned Session is still usable.
func (p *prober) exchange(ctx context.Context, sess *client.Session, cmd command.Command) (*client.Session, []*proto.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.commandTimeout)
	defer cancel()

	rs, err := sess.Dispatch(cmd)
	if err != nil {
		return nil, nil, &exchangeError{command: cmd.Name, err: err}
	}
	frames, next, err := rs.Collect(ctx)
	if err != nil {
		return nil, nil, &exchangeError{command: cmd.Name, err: err}
	}

	last := frames[len(frames)-1]
	st, ok := last.Status()
	if !ok || st.Type != imap.StatusResponseTypeOK {
		return next, frames, &exchangeError{command: cmd.Name, err: fmt.Errorf("%w: %s", errRejected, last.String())}
	}
	p.log.Debug("Command completed", "command", cmd.Name, "frames", len(frames))
	return next, frames, nil
}

func capNames(caps imap.CapSet) []string {
	names := make([]string, 0, len(caps))
	for c := range caps {
		names = append(names, string(c))
	}
	slices.Sort(names)
	return names
}
