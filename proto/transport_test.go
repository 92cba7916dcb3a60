package proto

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_SendReceive(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, DefaultLimits())

	serverDone := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		serverDone <- line
		server.Write([]byte("* OK ack\r\nA0001 OK NOOP completed\r\n"))
	}()

	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, Request{Tag: "A0001", Command: []byte("NOOP")}))
	assert.Equal(t, "A0001 NOOP\r\n", <-serverDone)

	resp, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "* OK ack", resp.String())

	resp, err = tr.Receive(ctx)
	require.NoError(t, err)
	tag, _ := resp.Tag()
	assert.Equal(t, "A0001", tag)
}

func TestTransport_ReceiveHonoursContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, DefaultLimits())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Receive(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTransport_SendHonoursContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, DefaultLimits())

	// Nobody reads from the server side, so the pipe write blocks.
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := tr.Send(ctx, Request{Tag: "A0001", Command: []byte("NOOP")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransport_DeadlineClearedAfterLateCancel(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	tr := NewTransport(client, DefaultLimits())
	assert.Equal(t, client.RemoteAddr(), tr.RemoteAddr())

	go server.Write([]byte("* 1 EXISTS\r\n* 2 EXISTS\r\n"))

	resp, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "* 1 EXISTS", resp.String())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err = tr.Receive(ctx)
	require.NoError(t, err, "the second response was already buffered")
	assert.Equal(t, "* 2 EXISTS", resp.String())

	serverGot := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(server).ReadString('\n')
		serverGot <- line
	}()
	require.NoError(t, tr.Send(context.Background(), Request{Tag: "A0002", Command: []byte("NOOP")}))
	assert.Equal(t, "A0002 NOOP\r\n", <-serverGot)
}
