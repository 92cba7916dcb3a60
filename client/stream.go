package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/imapsession/pkg/metrics"
	"github.com/migadu/imapsession/proto"
)

// EventKind distinguishes the two events a ResponseStream produces.
type EventKind int

const (
	// EventNext carries one response, in arrival order.
	EventNext EventKind = iota + 1
	// EventDone follows the tagged completion response and carries the
	// Session handle for the next command.
	EventDone
)

// Event is either a response (EventNext) or the completion of the exchange
// (EventDone).
type Event struct {
	Kind    EventKind
	Frame   *proto.Response
	Session *Session
}

// ResponseStream yields the responses to one dispatched command. The stream
// is lazy: the command is written on the first call to Next and each later
// call reads exactly one response. After the response carrying the
// command's tag has been returned, the next call returns EventDone.
//
// Any I/O failure closes the connection and ends the stream with
// ErrStreamAborted; no Session is produced in that case.
type ResponseStream struct {
	c       *conn
	req     proto.Request
	command string
	next    *Phase

	sent     bool
	tagged   bool
	result   string
	finished bool
	err      error
	started  time.Time
}

func newResponseStream(c *conn, req proto.Request, command string, next *Phase) *ResponseStream {
	return &ResponseStream{
		c:       c,
		req:     req,
		command: strings.ToUpper(command),
		next:    next,
		started: time.Now(),
	}
}

// Tag returns the tag the command was issued under.
func (rs *ResponseStream) Tag() string {
	return rs.req.Tag
}

// Next advances the stream.
func (rs *ResponseStream) Next(ctx context.Context) (Event, error) {
	if rs.err != nil {
		return Event{}, rs.err
	}
	if rs.finished {
		return Event{}, ErrStreamFinished
	}

	if !rs.sent {
		if err := rs.c.transport.Send(ctx, rs.req); err != nil {
			return Event{}, rs.abort("send", err)
		}
		rs.sent = true
	}

	if rs.tagged {
		return rs.done(), nil
	}

	frame, err := rs.c.transport.Receive(ctx)
	if err != nil {
		return Event{}, rs.abort("receive", err)
	}
	metrics.ResponsesTotal.WithLabelValues(frame.Kind.String()).Inc()

	if tag, ok := frame.Tag(); ok && tag == rs.req.Tag {
		rs.tagged = true
		rs.result = "unknown"
		if status, ok := frame.Status(); ok {
			rs.result = strings.ToLower(string(status.Type))
		}
	}
	return Event{Kind: EventNext, Frame: frame}, nil
}

// Collect drains the stream and returns every response together with the
// Session from the done event.
func (rs *ResponseStream) Collect(ctx context.Context) ([]*proto.Response, *Session, error) {
	var frames []*proto.Response
	for {
		ev, err := rs.Next(ctx)
		if err != nil {
			return frames, nil, err
		}
		switch ev.Kind {
		case EventNext:
			frames = append(frames, ev.Frame)
		case EventDone:
			return frames, ev.Session, nil
		}
	}
}

// Close abandons an unfinished stream. The command may already be partly
// written or partly answered, so the connection cannot be resynchronized
// and is closed. Closing a finished or failed stream is a no-op.
func (rs *ResponseStream) Close() error {
	if rs.c == nil {
		return nil
	}
	c := rs.c
	rs.c = nil
	rs.err = fmt.Errorf("%w: %s abandoned", ErrStreamAborted, rs.req.Tag)
	metrics.CommandsTotal.WithLabelValues("aborted").Inc()
	c.log.Debug("Abandoning command exchange", "tag", rs.req.Tag, "command", rs.command)
	return c.close()
}

func (rs *ResponseStream) done() Event {
	c := rs.c
	rs.c = nil
	rs.finished = true

	c.state.apply(rs.next)

	metrics.CommandsTotal.WithLabelValues(rs.result).Inc()
	metrics.CommandDuration.WithLabelValues(commandLabel(rs.command)).Observe(time.Since(rs.started).Seconds())
	c.log.Debug("Command completed", "tag", rs.req.Tag, "command", rs.command, "result", rs.result, "phase", c.state.Phase())

	return Event{Kind: EventDone, Session: newSession(c)}
}

func (rs *ResponseStream) abort(op string, cause error) error {
	c := rs.c
	rs.c = nil
	rs.err = fmt.Errorf("%w: %s %s: %w", ErrStreamAborted, op, rs.req.Tag, cause)

	metrics.CommandsTotal.WithLabelValues("aborted").Inc()
	c.log.Warn("Command exchange aborted", "tag", rs.req.Tag, "command", rs.command, "op", op, "error", cause)
	c.close()
	return rs.err
}

// knownCommands bounds the command label of the duration histogram.
var knownCommands = map[string]struct{}{
	"APPEND": {}, "AUTHENTICATE": {}, "CAPABILITY": {}, "CHECK": {},
	"CLOSE": {}, "COPY": {}, "CREATE": {}, "DELETE": {}, "ENABLE": {},
	"EXAMINE": {}, "EXPUNGE": {}, "FETCH": {}, "ID": {}, "IDLE": {},
	"LIST": {}, "LOGIN": {}, "LOGOUT": {}, "LSUB": {}, "MOVE": {},
	"NAMESPACE": {}, "NOOP": {}, "RENAME": {}, "SEARCH": {}, "SELECT": {},
	"STARTTLS": {}, "STATUS": {}, "STORE": {}, "SUBSCRIBE": {},
	"UID": {}, "UNSELECT": {}, "UNSUBSCRIBE": {},
}

func commandLabel(command string) string {
	if _, ok := knownCommands[command]; ok {
		return command
	}
	return "other"
}
