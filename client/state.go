package client

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// Phase is the protocol phase of a session.
type Phase = imap.ConnState

const (
	DefaultTagPrefix = "A"

	// tagSpace is the number of distinct tags a generator can produce
	// before it wraps. Only one command is ever outstanding per session,
	// so reuse of a long-completed tag is harmless. Pipelining commands
	// would make this a hard limit on distinguishable in-flight tags.
	tagSpace = 10000
)

// TagGenerator produces command tags: a prefix followed by a four-digit
// counter that starts at 1 and wraps modulo 10000 (A0001 … A9999, A0000,
// A0001 …). It is not safe for concurrent use.
type TagGenerator struct {
	prefix string
	n      uint64
}

func NewTagGenerator(prefix string) *TagGenerator {
	return &TagGenerator{prefix: prefix}
}

// Next returns the next tag.
func (g *TagGenerator) Next() string {
	g.n++
	return fmt.Sprintf("%s%04d", g.prefix, g.n%tagSpace)
}

// State is the per-session protocol state. The phase changes only when a
// command exchange that declared a next phase completes.
type State struct {
	phase Phase
	tags  *TagGenerator
}

func NewState() *State {
	return &State{
		phase: imap.ConnStateNotAuthenticated,
		tags:  NewTagGenerator(DefaultTagPrefix),
	}
}

func (s *State) Phase() Phase {
	return s.phase
}

func (s *State) apply(next *Phase) {
	if next != nil {
		s.phase = *next
	}
}
