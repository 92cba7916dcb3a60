// Package proto frames the IMAP wire protocol for the client side.
//
// It turns a reliable byte stream into a duplex of tagged requests and
// decoded responses. A response is one logical server line including any
// literals embedded in it, so a multi-line FETCH body arrives as a single
// Response.
//
// The package makes no attempt to understand response content beyond the
// tag and, on demand, the status and capability data that the session
// layer and the command builders need.
package proto

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// ResponseKind classifies a response by its first token.
type ResponseKind int

const (
	// KindUntagged is a "*" response.
	KindUntagged ResponseKind = iota
	// KindTagged echoes a client-issued tag.
	KindTagged
	// KindContinuation is a "+" continuation request.
	KindContinuation
)

func (k ResponseKind) String() string {
	switch k {
	case KindUntagged:
		return "untagged"
	case KindTagged:
		return "tagged"
	case KindContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// Response is one decoded server response.
type Response struct {
	Kind ResponseKind

	// Literals holds the octets of every literal embedded in the response,
	// in order of appearance.
	Literals [][]byte

	tag   string
	first string // first line, without the literal payloads
	raw   []byte
}

// Tag returns the tag of a tagged response. Untagged and continuation
// responses report false.
func (r *Response) Tag() (string, bool) {
	if r.Kind != KindTagged {
		return "", false
	}
	return r.tag, true
}

// String returns the full response text without the final CRLF.
func (r *Response) String() string {
	return string(r.raw)
}

// Status parses a status response (OK, NO, BAD, PREAUTH or BYE), tagged or
// untagged. Other responses report false.
func (r *Response) Status() (*imap.StatusResponse, bool) {
	if r.Kind == KindContinuation {
		return nil, false
	}
	rest := r.afterTag()
	word, rest := cutWord(rest)
	typ := imap.StatusResponseType(strings.ToUpper(word))
	switch typ {
	case imap.StatusResponseTypeOK, imap.StatusResponseTypeNo, imap.StatusResponseTypeBad,
		imap.StatusResponseTypePreAuth, imap.StatusResponseTypeBye:
	default:
		return nil, false
	}

	status := &imap.StatusResponse{Type: typ}
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			status.Text = rest
			return status, true
		}
		code, _ := cutWord(rest[1:end])
		status.Code = imap.ResponseCode(strings.ToUpper(code))
		rest = strings.TrimLeft(rest[end+1:], " ")
	}
	status.Text = rest
	return status, true
}

// Capabilities extracts the capability list from an untagged CAPABILITY
// response or from a status response carrying a CAPABILITY response code,
// as servers commonly do in their greeting.
func (r *Response) Capabilities() (imap.CapSet, bool) {
	if r.Kind == KindContinuation {
		return nil, false
	}
	rest := r.afterTag()
	word, args := cutWord(rest)
	if strings.EqualFold(word, "CAPABILITY") {
		return parseCaps(args), true
	}

	// Status response with a [CAPABILITY ...] code.
	start := strings.IndexByte(args, '[')
	if start != 0 {
		return nil, false
	}
	end := strings.IndexByte(args, ']')
	if end < 0 {
		return nil, false
	}
	code, capList := cutWord(args[1:end])
	if !strings.EqualFold(code, "CAPABILITY") {
		return nil, false
	}
	return parseCaps(capList), true
}

func (r *Response) afterTag() string {
	_, rest := cutWord(r.first)
	return rest
}

func parseCaps(s string) imap.CapSet {
	caps := make(imap.CapSet)
	for _, c := range strings.Fields(s) {
		caps[imap.Cap(c)] = struct{}{}
	}
	return caps
}

// cutWord splits s at the first space.
func cutWord(s string) (word, rest string) {
	word, rest, _ = strings.Cut(s, " ")
	return word, rest
}

func newResponse(raw []byte, first string, literals [][]byte) (*Response, error) {
	tag, _ := cutWord(first)
	r := &Response{
		Literals: literals,
		first:    first,
		raw:      raw,
	}
	switch tag {
	case "":
		return nil, ErrMalformedResponse
	case "*":
		r.Kind = KindUntagged
	case "+":
		r.Kind = KindContinuation
	default:
		r.Kind = KindTagged
		r.tag = tag
	}
	return r, nil
}
