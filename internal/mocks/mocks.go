// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/backend"
)

// Compile-time checks to ensure mocks implement their interfaces.
var (
	_ backend.Backend        = (*MockBackend)(nil)
	_ backend.TokenEstimator = (*MockBackend)(nil)
)

// MockBackend is a test implementation of the Backend interface.
type MockBackend struct {
	mu sync.Mutex

	kind      backend.Kind
	responses map[string]backend.Reply
	err       error
	startErr  error
	commands  map[string]string
	help      string
	turns     int
	limit     int
	tokens    int

	calls        []AskCall
	started      int
	resets       int
	closed       int
	commandsSeen []backend.Command

	// AskFunc allows tests to provide custom ask behavior.
	AskFunc func(ctx context.Context, req backend.Request) (backend.Reply, error)
}

// AskCall records a call to Ask.
type AskCall struct {
	Timestamp time.Time
	Request   backend.Request
}

// NewMockBackend creates a new mock backend of the given kind.
func NewMockBackend(kind backend.Kind) *MockBackend {
	return &MockBackend{
		kind:      kind,
		responses: make(map[string]backend.Reply),
		commands:  make(map[string]string),
		help:      fmt.Sprintf("#%s-only: mock command", kind),
	}
}

// Kind implements the Backend interface.
func (m *MockBackend) Kind() backend.Kind {
	return m.kind
}

// Start implements the Backend interface.
func (m *MockBackend) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return m.startErr
}

// Ask implements the Backend interface.
func (m *MockBackend) Ask(ctx context.Context, req backend.Request) (backend.Reply, error) {
	m.mu.Lock()
	m.calls = append(m.calls, AskCall{Timestamp: time.Now(), Request: req})
	askFunc := m.AskFunc
	m.mu.Unlock()

	if askFunc != nil {
		return askFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return backend.Reply{}, m.err
	}
	if reply, ok := m.responses[req.Text]; ok {
		m.turns++
		return reply, nil
	}
	m.turns++
	return backend.Reply{Text: "Mock response for: " + req.Text}, nil
}

// HandleCommand implements the Backend interface. Commands registered with
// SetCommand are answered with their canned text.
func (m *MockBackend) HandleCommand(
	ctx context.Context,
	cmd backend.Command,
	reply backend.Replier,
) (bool, error) {
	m.mu.Lock()
	m.commandsSeen = append(m.commandsSeen, cmd)
	answer, ok := m.commands[cmd.Name]
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, reply(ctx, answer, false)
}

// Help implements the Backend interface.
func (m *MockBackend) Help() string {
	return m.help
}

// Reset implements the Backend interface.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.turns = 0
}

// Turns implements the Backend interface.
func (m *MockBackend) Turns() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns, m.limit
}

// ContextTokens implements the TokenEstimator interface.
func (m *MockBackend) ContextTokens(_ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, nil
}

// Close implements the Backend interface.
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// SetResponse sets the reply returned for a specific question.
func (m *MockBackend) SetResponse(text string, reply backend.Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[text] = reply
}

// SetError sets an error to be returned on all asks.
func (m *MockBackend) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetStartError makes Start fail with err.
func (m *MockBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// SetCommand registers a backend-specific command and its canned answer.
func (m *MockBackend) SetCommand(name, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[name] = answer
}

// SetTurns sets the values reported by Turns.
func (m *MockBackend) SetTurns(count, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = count
	m.limit = limit
}

// SetTokens sets the value reported by ContextTokens.
func (m *MockBackend) SetTokens(tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
}

// GetCalls returns all recorded Ask calls.
func (m *MockBackend) GetCalls() []AskCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]AskCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// GetCommands returns every command offered to HandleCommand.
func (m *MockBackend) GetCommands() []backend.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmds := make([]backend.Command, len(m.commandsSeen))
	copy(cmds, m.commandsSeen)
	return cmds
}

// StartCount returns how many times Start was called.
func (m *MockBackend) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// ResetCount returns how many times Reset was called.
func (m *MockBackend) ResetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// CloseCount returns how many times Close was called.
func (m *MockBackend) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SentReply records one message passed to a Replier.
type SentReply struct {
	Timestamp time.Time
	Text      string
	Mention   bool
}

// MockReplier collects replies for inspection.
type MockReplier struct {
	sendErr error
	replies []SentReply
	notify  chan struct{}
	mu      sync.Mutex
}

// NewMockReplier creates a new reply recorder.
func NewMockReplier() *MockReplier {
	return &MockReplier{
		replies: make([]SentReply, 0),
		notify:  make(chan struct{}, 1),
	}
}

// Reply implements backend.Replier.
func (r *MockReplier) Reply(_ context.Context, text string, mention bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sendErr != nil {
		return r.sendErr
	}
	r.replies = append(r.replies, SentReply{Timestamp: time.Now(), Text: text, Mention: mention})

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// SetSendError makes every Reply fail with err.
func (r *MockReplier) SetSendError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// GetReplies returns all recorded replies.
func (r *MockReplier) GetReplies() []SentReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	replies := make([]SentReply, len(r.replies))
	copy(replies, r.replies)
	return replies
}

// Texts returns the text of every recorded reply.
func (r *MockReplier) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	texts := make([]string, 0, len(r.replies))
	for _, reply := range r.replies {
		texts = append(texts, reply.Text)
	}
	return texts
}

// WaitForReplies blocks until at least n replies were recorded or the
// timeout elapses. It reports whether the count was reached.
func (r *MockReplier) WaitForReplies(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		count := len(r.replies)
		r.mu.Unlock()
		if count >= n {
			return true
		}

		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return false
		}
	}
}
