package client

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/migadu/imapsession/helpers"
	"github.com/migadu/imapsession/pkg/metrics"
	"github.com/migadu/imapsession/proto"
)

// Exchangeable is a pre-encoded command together with the phase the session
// enters once the command completes (nil for no change).
type Exchangeable interface {
	Parts() ([]byte, *Phase)
}

// conn is the state a Session owns: one framed channel and its protocol
// state. At any time it is reachable from exactly one idle Session handle
// or from one in-flight ResponseStream.
type conn struct {
	id        string
	transport *proto.Transport
	state     *State
	log       *slog.Logger
}

func newConn(transport *proto.Transport, state *State, log *slog.Logger) *conn {
	id := uuid.NewString()
	metrics.SessionsOpen.Inc()
	return &conn{
		id:        id,
		transport: transport,
		state:     state,
		log:       log.With("session_id", id),
	}
}

func (c *conn) close() error {
	metrics.SessionsOpen.Dec()
	return c.transport.Close()
}

// Session is a handle to an established connection.
//
// Dispatching a command consumes the handle: the exchange takes ownership
// of the connection and hands back a fresh Session when it completes. Any
// use of a consumed handle fails with ErrSessionBusy, which rules out two
// commands in flight on one connection.
type Session struct {
	id string
	c  atomic.Pointer[conn]
}

func newSession(c *conn) *Session {
	s := &Session{id: c.id}
	s.c.Store(c)
	return s
}

// ID identifies the underlying connection in logs. It is stable across the
// handles produced for the same connection.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current protocol phase.
func (s *Session) Phase() (Phase, error) {
	c := s.c.Load()
	if c == nil {
		return 0, ErrSessionBusy
	}
	return c.state.Phase(), nil
}

// Dispatch sends cmd and returns the stream of its responses. The Session
// is consumed; the next handle arrives with the stream's done event.
func (s *Session) Dispatch(cmd Exchangeable) (*ResponseStream, error) {
	encoded, next := cmd.Parts()
	return s.DispatchRaw(encoded, next)
}

// DispatchRaw is Dispatch for an already encoded command.
func (s *Session) DispatchRaw(encoded []byte, next *Phase) (*ResponseStream, error) {
	c := s.c.Swap(nil)
	if c == nil {
		return nil, ErrSessionBusy
	}
	tag := c.state.tags.Next()
	name, _, _ := bytes.Cut(encoded, []byte{' '})
	if c.log.Enabled(context.Background(), slog.LevelDebug) {
		line := helpers.FirstLine(tag + " " + string(encoded))
		c.log.Debug("Dispatching command", "tag", tag, "command", string(name),
			"line", helpers.MaskSensitive(line, string(name), "LOGIN", "AUTHENTICATE"))
	}
	return newResponseStream(c, proto.Request{Tag: tag, Command: encoded}, string(name), next), nil
}

// Close closes the connection without logging out.
func (s *Session) Close() error {
	c := s.c.Swap(nil)
	if c == nil {
		return ErrSessionBusy
	}
	c.log.Debug("Closing session")
	return c.close()
}
