package helpers

import "strings"

// MaskSensitive redacts credentials from a command line before it is logged.
// command is the command keyword of line; only lines whose command matches
// one of sensitiveCommands are changed.
//
// For LOGIN, we expect: <tag> LOGIN <user> <pass>. Redact after <user>.
// For AUTHENTICATE, we expect: <tag> AUTHENTICATE <mech> <data>. Redact after <mech>.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		// Cannot locate the command; redact everything rather than guess.
		return "[REDACTED]"
	}

	keep := cmdIndex + 2
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}

// FirstLine returns line up to the first CR or LF, so literal payloads
// that follow a command never reach the logs.
func FirstLine(line string) string {
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		return line[:i]
	}
	return line
}
