package proto

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var ErrInvalidTag = errors.New("proto: invalid request tag")

// Request is a pre-encoded command paired with the tag it is issued under.
type Request struct {
	Tag     string
	Command []byte
}

// Encoder writes requests to a server.
type Encoder struct {
	bw *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{bw: bufio.NewWriter(w)}
}

// WriteRequest writes "tag SP command CRLF" and flushes. Command bytes are
// written verbatim so they may carry non-synchronizing literals.
func (e *Encoder) WriteRequest(req Request) error {
	if req.Tag == "" || strings.ContainsAny(req.Tag, " \r\n*+") {
		return ErrInvalidTag
	}
	e.bw.WriteString(req.Tag)
	e.bw.WriteByte(' ')
	e.bw.Write(req.Command)
	if _, err := e.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return e.bw.Flush()
}
