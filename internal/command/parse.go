package command

import (
	"strings"

	"github.com/Veraticus/chatrelay/internal/backend"
)

// Sentinel marks a message as a command.
const Sentinel = "#"

// Parse recognizes a command. It reports false for ordinary messages.
func Parse(text string) (backend.Command, bool) {
	raw := strings.TrimSpace(text)
	if !strings.HasPrefix(raw, Sentinel) {
		return backend.Command{}, false
	}

	body := raw[len(Sentinel):]
	name, arg, hasArg := strings.Cut(body, ":")

	return backend.Command{
		Name:   strings.ToLower(strings.TrimSpace(name)),
		Arg:    arg,
		HasArg: hasArg,
		Raw:    raw,
	}, true
}
