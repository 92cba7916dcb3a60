package proto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

var (
	ErrFrameTooLarge     = errors.New("proto: frame exceeds configured limits")
	ErrMalformedResponse = errors.New("proto: malformed response")
)

// Limits constrains decoder memory use.
type Limits struct {
	// MaxLineBytes caps a single response line, literals excluded.
	MaxLineBytes int
	// MaxLiteralBytes caps a single literal.
	MaxLiteralBytes int64
	// MaxResponseBytes caps one whole response, lines and literals together.
	MaxResponseBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxLineBytes:     64 * 1024,
		MaxLiteralBytes:  64 * 1024 * 1024,
		MaxResponseBytes: 128 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxLineBytes <= 0 {
		l.MaxLineBytes = def.MaxLineBytes
	}
	if l.MaxLiteralBytes <= 0 {
		l.MaxLiteralBytes = def.MaxLiteralBytes
	}
	if l.MaxResponseBytes <= 0 {
		l.MaxResponseBytes = def.MaxResponseBytes
	}
	return l
}

// Decoder reads responses from a server.
type Decoder struct {
	br     *bufio.Reader
	limits Limits
}

func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{
		br:     bufio.NewReader(r),
		limits: limits.withDefaults(),
	}
}

// ReadResponse reads one response. A line ending in a literal marker is
// followed by the literal octets and a continuation line; the response
// ends at the first line without a trailing literal marker.
//
// io.EOF is returned only when the stream ends cleanly between responses.
func (d *Decoder) ReadResponse() (*Response, error) {
	var (
		raw      []byte
		first    string
		literals [][]byte
	)
	for i := 0; ; i++ {
		line, err := d.readLine()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if i == 0 {
			first = string(line)
		}
		raw = append(raw, line...)
		if int64(len(raw)) > d.limits.MaxResponseBytes {
			return nil, ErrFrameTooLarge
		}

		n, ok := literalSize(line)
		if !ok {
			break
		}
		if n > d.limits.MaxLiteralBytes || int64(len(raw))+n+2 > d.limits.MaxResponseBytes {
			return nil, ErrFrameTooLarge
		}
		lit := make([]byte, n)
		if _, err := io.ReadFull(d.br, lit); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		literals = append(literals, lit)
		raw = append(raw, '\r', '\n')
		raw = append(raw, lit...)
	}
	return newResponse(raw, first, literals)
}

// readLine returns the next line without its line ending. Bare LF is
// accepted as a line ending.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := d.br.ReadSlice('\n')
		if len(line)+len(chunk) > d.limits.MaxLineBytes+2 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// literalSize reports the size announced by a trailing "{n}", "{n+}" or
// "~{n}" literal marker.
func literalSize(line []byte) (int64, bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	digits := line[open+1 : len(line)-1]
	digits = bytes.TrimSuffix(digits, []byte{'+'})
	if len(digits) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
