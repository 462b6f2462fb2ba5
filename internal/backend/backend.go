// Package backend defines the contract every conversational-AI backend
// satisfies and the catalog used to construct them.
package backend

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies a backend variant.
type Kind string

const (
	// KindCompletion is the stateless chat-completion backend.
	KindCompletion Kind = "completion"
	// KindStreaming is the stateful streaming hub backend.
	KindStreaming Kind = "streaming"
)

var kindAliases = map[string]Kind{
	"completion": KindCompletion,
	"gpt":        KindCompletion,
	"chatgpt":    KindCompletion,
	"openai":     KindCompletion,
	"streaming":  KindStreaming,
	"newbing":    KindStreaming,
	"bing":       KindStreaming,
}

// ParseKind resolves a user-supplied backend name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	kind, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", errors.Errorf("unknown chat backend %q", name)
	}
	return kind, nil
}

// String returns the display name of the kind.
func (k Kind) String() string {
	return string(k)
}

// Replier sends text back to the conversation a message came from.
// mention asks the transport to address the user explicitly where the
// platform supports it.
type Replier func(ctx context.Context, text string, mention bool) error

// Request is one user turn forwarded to a backend.
type Request struct {
	UserID      string
	Nickname    string
	Text        string
	Persona     string
	Temperature float64
	// Privileged users are exempt from history capping.
	Privileged bool
}

// Reply is a backend's answer to a Request.
type Reply struct {
	// Preface is sent before Text without a mention, if non-empty.
	Preface string
	// Text is the answer proper.
	Text string
	// Notes are follow-up notices sent after Text without a mention.
	Notes []string
	// Truncated is set when older context was dropped to fit the history cap.
	Truncated bool
}

// Command is a parsed inline control command.
type Command struct {
	// Name is the lower-cased command word without the leading sentinel.
	Name string
	// Arg is the text after the first ':'; empty when HasArg is false.
	Arg    string
	HasArg bool
	// Raw is the full trimmed message text.
	Raw string
}

// Backend is the capability every chat backend exposes.
//
// A Backend instance belongs to exactly one session and is only ever called
// from that session's serialized task stream.
type Backend interface {
	// Kind reports which variant this is.
	Kind() Kind

	// Start prepares the backend for use. Called once after construction.
	Start(ctx context.Context) error

	// Ask forwards one user turn and returns the answer.
	Ask(ctx context.Context, req Request) (Reply, error)

	// HandleCommand offers a backend-specific command. It reports whether
	// the command was recognized; user-facing results go through reply.
	HandleCommand(ctx context.Context, cmd Command, reply Replier) (bool, error)

	// Help returns the backend-specific part of the #help text.
	Help() string

	// Reset discards conversational memory.
	Reset()

	// Turns returns the number of remembered turns and the limit that
	// applies to unprivileged users (zero when there is none).
	Turns() (count, limit int)

	// Close releases connections and other resources.
	Close() error
}

// TokenEstimator is implemented by backends that can estimate the size of
// the context they would send.
type TokenEstimator interface {
	ContextTokens(persona string) (int, error)
}
