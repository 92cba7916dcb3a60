package proto

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Transport is a framed duplex over a single connection: a sink of
// requests and a source of responses. It is not safe for concurrent use;
// the session layer guarantees a single owner.
type Transport struct {
	conn net.Conn
	enc  *Encoder
	dec  *Decoder
}

func NewTransport(conn net.Conn, limits Limits) *Transport {
	return &Transport{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn, limits),
	}
}

// Send writes one request. Cancelling ctx interrupts a blocked write.
func (t *Transport) Send(ctx context.Context, req Request) error {
	defer t.watch(ctx)()
	return t.wrap(ctx, t.enc.WriteRequest(req))
}

// Receive reads one response. Cancelling ctx interrupts a blocked read.
func (t *Transport) Receive(ctx context.Context) (*Response, error) {
	defer t.watch(ctx)()
	resp, err := t.dec.ReadResponse()
	if err != nil {
		return nil, t.wrap(ctx, err)
	}
	return resp, nil
}

func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

// watch expires the connection deadline once ctx is done so that blocked
// I/O returns. If the hook fired but the I/O completed anyway, stop clears
// the deadline again so the next operation starts on a usable connection.
func (t *Transport) watch(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	unregister := context.AfterFunc(ctx, func() {
		defer close(fired)
		t.conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		if unregister() {
			return
		}
		<-fired
		t.conn.SetDeadline(time.Time{})
	}
}

func (t *Transport) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
