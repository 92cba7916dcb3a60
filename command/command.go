// Package command builds encoded IMAP commands for client.Session.Dispatch.
//
// A Command carries the command text without its tag together with the
// connection phase the session enters once the server has answered it.
// Builders only encode; they never interpret responses.
package command

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"

	"github.com/migadu/imapsession/helpers"
)

var ErrInvalidArgument = errors.New("invalid command argument")

// Command is an encoded command ready to be tagged and sent.
type Command struct {
	// Name is the command keyword, e.g. "LOGIN".
	Name string
	// Bytes is everything after "tag SP", without the final CRLF.
	Bytes []byte
	// Next is the phase to enter on completion, or nil to keep the current one.
	Next *imap.ConnState
}

// Parts implements client.Exchangeable.
func (c Command) Parts() ([]byte, *imap.ConnState) {
	return c.Bytes, c.Next
}

func (c Command) String() string {
	return c.Name
}

func phase(p imap.ConnState) *imap.ConnState {
	return &p
}

func simple(name string, next *imap.ConnState) Command {
	return Command{Name: name, Bytes: []byte(name), Next: next}
}

func Capability() Command { return simple("CAPABILITY", nil) }

func Noop() Command { return simple("NOOP", nil) }

// Logout moves the session to the logout phase. The server closes the
// connection after answering.
func Logout() Command { return simple("LOGOUT", phase(imap.ConnStateLogout)) }

// Raw wraps text that is already encoded. name is taken from the first word
// of text.
func Raw(text string, next *imap.ConnState) Command {
	name, _, _ := strings.Cut(text, " ")
	return Command{Name: strings.ToUpper(name), Bytes: []byte(text), Next: next}
}

// Login authenticates with a plaintext username and password.
func Login(username, password string) (Command, error) {
	var b builder
	b.WriteString("LOGIN")
	if err := b.astring(username); err != nil {
		return Command{}, fmt.Errorf("username: %w", err)
	}
	if err := b.astring(password); err != nil {
		return Command{}, fmt.Errorf("password: %w", err)
	}
	return Command{Name: "LOGIN", Bytes: b.Bytes(), Next: phase(imap.ConnStateAuthenticated)}, nil
}

// AuthenticatePlain authenticates with SASL PLAIN, sending the credentials
// as an initial response. The server must advertise SASL-IR.
func AuthenticatePlain(identity, username, password string) (Command, error) {
	if username == "" {
		return Command{}, fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}
	mech, ir, err := sasl.NewPlainClient(identity, username, password).Start()
	if err != nil {
		return Command{}, fmt.Errorf("sasl %s: %w", mech, err)
	}

	var b builder
	b.WriteString("AUTHENTICATE ")
	b.WriteString(mech)
	b.WriteByte(' ')
	if len(ir) == 0 {
		b.WriteByte('=')
	} else {
		b.WriteString(base64.StdEncoding.EncodeToString(ir))
	}
	return Command{Name: "AUTHENTICATE", Bytes: b.Bytes(), Next: phase(imap.ConnStateAuthenticated)}, nil
}

// Select opens mailbox read-write.
func Select(mailbox string) (Command, error) {
	return mailboxCommand("SELECT", mailbox, phase(imap.ConnStateSelected))
}

// Examine opens mailbox read-only.
func Examine(mailbox string) (Command, error) {
	return mailboxCommand("EXAMINE", mailbox, phase(imap.ConnStateSelected))
}

func mailboxCommand(name, mailbox string, next *imap.ConnState) (Command, error) {
	var b builder
	b.WriteString(name)
	if err := b.mailbox(mailbox); err != nil {
		return Command{}, err
	}
	return Command{Name: name, Bytes: b.Bytes(), Next: next}, nil
}

// Append uploads msg to mailbox. The message is sent as a non-synchronizing
// literal, so the server must advertise LITERAL+ (or IMAP4rev2 for small
// messages). Flags that cannot be stored are dropped.
func Append(mailbox string, flags []imap.Flag, msg *message.Entity) (Command, error) {
	if msg == nil {
		return Command{}, fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}

	var body bytes.Buffer
	if err := msg.WriteTo(&body); err != nil {
		return Command{}, fmt.Errorf("failed to encode message: %w", err)
	}

	var b builder
	b.WriteString("APPEND")
	if err := b.mailbox(mailbox); err != nil {
		return Command{}, err
	}

	if flags = helpers.SanitizeFlags(flags); len(flags) > 0 {
		b.WriteString(" (")
		for i, f := range flags {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(string(f))
		}
		b.WriteByte(')')
	}

	b.WriteByte(' ')
	b.literal(body.Bytes())
	return Command{Name: "APPEND", Bytes: b.Bytes()}, nil
}

type builder struct {
	bytes.Buffer
}

// astring writes SP followed by s as an atom, a quoted string or, for
// 8-bit text, a non-synchronizing literal.
func (b *builder) astring(s string) error {
	if strings.ContainsAny(s, "\x00\r\n") {
		return fmt.Errorf("%w: contains CR, LF or NUL", ErrInvalidArgument)
	}
	b.WriteByte(' ')
	switch {
	case isAtom(s):
		b.WriteString(s)
	case isASCII(s):
		b.quoted(s)
	default:
		b.literal([]byte(s))
	}
	return nil
}

func (b *builder) mailbox(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty mailbox name", ErrInvalidArgument)
	}
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}
	if err := b.astring(name); err != nil {
		return fmt.Errorf("mailbox: %w", err)
	}
	return nil
}

func (b *builder) quoted(s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
}

func (b *builder) literal(data []byte) {
	b.WriteByte('{')
	b.WriteString(strconv.Itoa(len(data)))
	b.WriteString("+}\r\n")
	b.Write(data)
}

func isAtom(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x1f || c >= 0x7f {
			return false
		}
		switch c {
		case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
