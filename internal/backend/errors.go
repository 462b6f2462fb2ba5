package backend

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Semantic failures reported by backends.
var (
	// ErrNoResponse means the remote endpoint returned nothing usable.
	ErrNoResponse = errors.New("no response received")

	// ErrNoChoices means the completion response carried no choices.
	ErrNoChoices = errors.New("response contained no choices")

	// ErrEmptyMessage means the completion choice carried no message.
	ErrEmptyMessage = errors.New("response message was empty")

	// ErrConnect means the streaming connection could not be established.
	ErrConnect = errors.New("failed to initialize connection")

	// ErrHandshake means a new streaming conversation could not be created.
	ErrHandshake = errors.New("conversation handshake failed")

	// ErrNoReply means the stream ended without a message; the next turn
	// starts a new conversation.
	ErrNoReply = errors.New("no reply received, the next message starts a new conversation")

	// ErrUnavailable means the requested backend kind is unknown or disabled.
	ErrUnavailable = errors.New("chat backend unavailable")
)

// contextTooLargeSignatures are substrings remote services use when the
// transcript exceeds the model limit. Matching is best effort.
var contextTooLargeSignatures = []string{
	"maximum context length",
	"context_length_exceeded",
	"context length exceeded",
}

// RemoteError is an explicit error payload returned by a remote service.
type RemoteError struct {
	Type    string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	var tags []string
	for _, tag := range []string{e.Type, e.Code} {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return "remote error: " + e.Message
	}
	return fmt.Sprintf("remote error (%s): %s", strings.Join(tags, ", "), e.Message)
}

// TransportError is a connectivity, timeout or decoding failure.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport failure of op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// StepError reports the failure of one step of a turn, such as connecting
// or creating a conversation. It matches Sentinel with errors.Is and
// unwraps to the cause.
type StepError struct {
	Sentinel error
	Err      error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%v: %v", e.Sentinel, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the step's sentinel.
func (e *StepError) Is(target error) bool {
	return target == e.Sentinel
}

// NewStepError wraps err as a failure of the step identified by sentinel.
func NewStepError(sentinel, err error) *StepError {
	return &StepError{Sentinel: sentinel, Err: err}
}

// Category groups backend failures by how they are reported.
type Category int

const (
	// CategorySemantic errors are reported verbatim.
	CategorySemantic Category = iota
	// CategoryTransport errors get a generic retry suggestion.
	CategoryTransport
	// CategoryContextTooLarge errors suggest resetting the conversation.
	CategoryContextTooLarge
)

// IsContextTooLarge reports whether err looks like a context-length failure.
func IsContextTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range contextTooLargeSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Classify returns the reporting category of a backend error.
func Classify(err error) Category {
	if IsContextTooLarge(err) {
		return CategoryContextTooLarge
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return CategoryTransport
	}
	return CategorySemantic
}
