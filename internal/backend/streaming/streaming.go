// Package streaming implements the stateful streaming backend. A session
// holds a hub connection and a conversation handle created by the service;
// every user turn is one streaming invocation on that connection.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/backend/streaming/hub"
	"github.com/Veraticus/chatrelay/internal/config"
)

// ConversationEndedNote tells the user the service closed the conversation.
const ConversationEndedNote = "> this conversation was ended by the service, the next message starts a new one"

// State is the connection state of a streaming session.
type State int

// Session states. Connected without a handle means a conversation
// handshake is required before the next turn.
const (
	StateDisconnected State = iota
	StateConnected
	StateInConversation
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateInConversation:
		return "in_conversation"
	default:
		return "unknown"
	}
}

// Backend is the streaming backend of one session.
type Backend struct {
	cfg            config.StreamingConfig
	httpClient     *http.Client
	hubOpts        []hub.Option
	conn           *hub.Conn
	handle         *Handle
	style          Style
	startOfSession bool
	round          int
	maxRound       int
	mu             sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the client used for conversation handshakes.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

// WithHubOptions passes options to every hub connection.
func WithHubOptions(opts ...hub.Option) Option {
	return func(b *Backend) {
		b.hubOpts = append(b.hubOpts, opts...)
	}
}

// New creates a streaming backend from cfg. No connection is made until
// the first turn.
func New(cfg *config.Config, opts ...Option) (*Backend, error) {
	if err := Check(cfg); err != nil {
		return nil, err
	}
	style, err := ParseStyle(cfg.Streaming.Style)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:        cfg.Streaming,
		httpClient: &http.Client{},
		style:      style,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Check reports why cfg cannot support the streaming backend.
func Check(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Streaming.Cookie) == "" {
		return errors.Errorf("streaming cookie is not configured (set streaming.cookie or %s)",
			config.EnvStreamingCookie)
	}
	if _, err := ParseStyle(cfg.Streaming.Style); err != nil {
		return errors.Wrap(err, "invalid streaming.style")
	}
	for name, raw := range map[string]string{"hub_url": cfg.Streaming.HubURL, "create_url": cfg.Streaming.CreateURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return errors.Wrapf(err, "invalid streaming.%s", name)
		}
	}
	return nil
}

// Registration describes the streaming backend for the catalog.
func Registration() backend.Registration {
	return backend.Registration{
		Kind: backend.KindStreaming,
		New: func(cfg *config.Config) (backend.Backend, error) {
			return New(cfg)
		},
		Check: Check,
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind {
	return backend.KindStreaming
}

// Start implements backend.Backend. The connection is opened by the first
// turn, so a session that never chats holds no socket.
func (b *Backend) Start(context.Context) error {
	return nil
}

// State reports the current connection state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

func (b *Backend) state() State {
	switch {
	case b.conn == nil || b.conn.Closed():
		return StateDisconnected
	case b.handle == nil:
		return StateConnected
	default:
		return StateInConversation
	}
}

// Style returns the current answer style.
func (b *Backend) Style() Style {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.style
}

// Ask runs one turn: connect if needed, create a conversation if needed,
// then stream the answer.
func (b *Backend) Ask(ctx context.Context, req backend.Request) (backend.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := log.With().Str("component", "streaming").Str("user_id", req.UserID).Logger()

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	if err := b.connect(ctx, logger); err != nil {
		return backend.Reply{}, err
	}

	if b.handle == nil {
		handle, err := b.createConversation(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("conversation handshake failed")
			return backend.Reply{}, err
		}
		b.handle = handle
		b.startOfSession = true
		logger.Debug().Str("conversation_id", handle.ConversationID).Msg("created conversation")
	}

	stream, err := b.conn.StreamInvocation(ctx, "chat", b.chatRequest(req.Text))
	if err != nil {
		b.disconnect()
		return backend.Reply{}, backend.NewTransportError("streaming turn", err)
	}
	b.startOfSession = false

	t, err := b.collect(ctx, stream)
	if err != nil {
		return backend.Reply{}, err
	}

	if t.throttled {
		b.round, b.maxRound = t.round, t.maxRound
	}
	if t.terminal == nil {
		b.handle = nil
		return backend.Reply{}, backend.ErrNoReply
	}

	reply := backend.Reply{
		Preface: t.preface,
		Text:    formatReply(t.terminal, b.round, b.maxRound),
	}
	if t.closedRemotely() {
		b.handle = nil
		reply.Notes = append(reply.Notes, ConversationEndedNote)
		logger.Info().Msg("conversation ended by the service")
	}
	return reply, nil
}

// connect dials the hub unless a live connection exists. A new connection
// always needs a new conversation.
func (b *Backend) connect(ctx context.Context, logger zerolog.Logger) error {
	if b.state() != StateDisconnected {
		return nil
	}
	if b.conn != nil {
		logger.Info().Err(b.conn.Err()).Msg("hub connection lost, reconnecting")
		b.disconnect()
	}

	conn, err := hub.Dial(ctx, b.cfg.HubURL, nil, b.hubOpts...)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to connect to hub")
		return backend.NewStepError(backend.ErrConnect, err)
	}

	b.conn = conn
	b.handle = nil
	b.round = 0
	return nil
}

// disconnect closes the connection and forgets the conversation.
func (b *Backend) disconnect() {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.handle = nil
}

func (b *Backend) chatRequest(text string) chatRequest {
	return chatRequest{
		Source:              "cib",
		OptionSets:          b.style.OptionSets(),
		AllowedMessageTypes: allowedMessageTypes,
		SliceIDs:            []string{},
		TraceID:             strings.ReplaceAll(uuid.NewString(), "-", ""),
		IsStartOfSession:    b.startOfSession,
		Message: chatMessage{
			Locale:      b.cfg.Locale,
			Market:      b.cfg.Market,
			Region:      b.cfg.Region,
			Author:      "user",
			InputMethod: "Keyboard",
			MessageType: "Chat",
			Text:        text,
		},
		ConversationSignature: b.handle.Signature,
		Participant:           participant{ID: b.handle.ClientID},
		ConversationID:        b.handle.ConversationID,
	}
}

// collect consumes the stream until it ends. Any failure other than a
// server-reported invocation error drops the connection.
func (b *Backend) collect(ctx context.Context, stream *hub.Stream) (*turn, error) {
	t := &turn{}
	for {
		select {
		case <-ctx.Done():
			stream.Close()
			b.disconnect()
			return nil, backend.NewTransportError("streaming turn", ctx.Err())

		case ev, ok := <-stream.Events():
			if !ok {
				return t, b.streamErr(stream.Err())
			}
			if ev.Target != "update" || len(ev.Arguments) == 0 {
				continue
			}

			var update updateResponse
			if err := json.Unmarshal(ev.Arguments[0], &update); err != nil {
				stream.Close()
				b.disconnect()
				return nil, backend.NewTransportError("decode streaming update", err)
			}
			t.observe(update)
		}
	}
}

func (b *Backend) streamErr(err error) error {
	if err == nil {
		return nil
	}

	var invErr *hub.InvocationError
	if errors.As(err, &invErr) {
		b.handle = nil
		return &backend.RemoteError{Message: invErr.Message}
	}

	b.disconnect()
	return backend.NewTransportError("streaming turn", err)
}

// HandleCommand implements backend.Backend. It understands #style.
func (b *Backend) HandleCommand(ctx context.Context, cmd backend.Command, reply backend.Replier) (bool, error) {
	if cmd.Name != "style" {
		return false, nil
	}

	b.mu.Lock()
	style, err := ParseStyle(cmd.Arg)
	if err == nil {
		b.style = style
		b.handle = nil
	}
	b.mu.Unlock()

	if err != nil {
		return true, reply(ctx, fmt.Sprintf("> %s: style %q not found, choose creative, balanced or precise",
			backend.KindStreaming, strings.TrimSpace(cmd.Arg)), true)
	}
	return true, reply(ctx, fmt.Sprintf("> %s: style set to %s", backend.KindStreaming, style), true)
}

// Help implements backend.Backend.
func (b *Backend) Help() string {
	return strings.Join([]string{
		"streaming:",
		"#style:<creative|balanced|precise> - change the answer style and start a new conversation",
		"the service limits how many turns one conversation may have",
	}, "\n")
}

// Reset implements backend.Backend. The next turn starts a new conversation.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handle = nil
}

// Turns implements backend.Backend. It reports the service's round counter.
func (b *Backend) Turns() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.round, b.maxRound
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnect()
	b.httpClient.CloseIdleConnections()
	return nil
}
