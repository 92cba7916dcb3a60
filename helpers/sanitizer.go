package helpers

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// SanitizeFlags removes flag values a server would reject in an APPEND or
// STORE flag list.
//
// Filters out:
// - Empty or whitespace-only flags
// - Flags containing "NIL" or "NULL" (case-insensitive), which some servers
//   report as "Keyword used without being in FLAGS: NIL"
// - Flags with characters outside the IMAP atom grammar. A single leading
//   backslash is allowed for system flags.
// - \Recent, which clients cannot set
//
// Returns a new slice with only valid flags, in their original order.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}

	sanitized := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		flagStr := string(flag)
		flagUpper := strings.ToUpper(flagStr)

		if strings.TrimSpace(flagStr) == "" {
			continue
		}
		if strings.Contains(flagUpper, "NIL") || strings.Contains(flagUpper, "NULL") {
			continue
		}
		if flagUpper == `\RECENT` {
			continue
		}
		if !isFlagAtom(strings.TrimPrefix(flagStr, `\`)) {
			continue
		}

		sanitized = append(sanitized, flag)
	}

	return sanitized
}

func isFlagAtom(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= 0x20 || c >= 0x7f {
			return false
		}
		switch c {
		case '(', ')', '{', '%', '*', '"', '\\', ']':
			return false
		}
	}
	return true
}
