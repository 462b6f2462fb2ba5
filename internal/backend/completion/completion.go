// Package completion implements the stateless chat-completion backend. The
// conversation lives client-side as a list of turns that is replayed on
// every request.
package completion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/config"
)

// TruncatedSuffix is appended to answers whose older context was dropped.
const TruncatedSuffix = " (context truncated)"

// Backend is the chat-completion backend of one session.
type Backend struct {
	client       *openai.Client
	httpClient   *http.Client
	now          func() time.Time
	cfg          config.CompletionConfig
	directives   []string
	turns        []Turn
	mu           sync.Mutex
	includeClock bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the time source for the local time directive.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

// New creates a completion backend from cfg.
func New(cfg *config.Config, opts ...Option) (*Backend, error) {
	if err := Check(cfg); err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:          cfg.Completion,
		directives:   append([]string(nil), cfg.SystemDirectives...),
		includeClock: cfg.Completion.IncludeClock,
		now:          time.Now,
		httpClient:   &http.Client{},
	}
	for _, opt := range opts {
		opt(b)
	}

	clientCfg := openai.DefaultConfig(cfg.Completion.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.Completion.BaseURL, "/")
	clientCfg.HTTPClient = b.httpClient
	b.client = openai.NewClientWithConfig(clientCfg)

	return b, nil
}

// Check reports why cfg cannot support the completion backend.
func Check(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Completion.APIKey) == "" {
		return errors.Errorf("completion api key is not configured (set completion.api_key or %s)",
			config.EnvOpenAIAPIKey)
	}
	if _, err := url.ParseRequestURI(cfg.Completion.BaseURL); err != nil {
		return errors.Wrap(err, "invalid completion.base_url")
	}
	return nil
}

// Registration describes the completion backend for the catalog.
func Registration() backend.Registration {
	return backend.Registration{
		Kind: backend.KindCompletion,
		New: func(cfg *config.Config) (backend.Backend, error) {
			return New(cfg)
		},
		Check: Check,
	}
}

// Kind implements backend.Backend.
func (b *Backend) Kind() backend.Kind {
	return backend.KindCompletion
}

// Start implements backend.Backend. The completion backend holds no
// connection, so there is nothing to prepare.
func (b *Backend) Start(context.Context) error {
	return nil
}

// Ask sends the question together with the remembered turns. On success the
// turn is remembered; on failure history is left as it was after capping.
func (b *Backend) Ask(ctx context.Context, req backend.Request) (backend.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	logger := log.With().Str("component", "completion").Str("user_id", req.UserID).Logger()

	truncated := b.capHistory(req.Privileged)
	if truncated {
		logger.Info().Int("kept", len(b.turns)).Msg("trimmed conversation history")
	}

	msgs := b.transcript(req.Persona).messages(req.Text)
	if e := logger.Debug(); e.Enabled() {
		if tokens, err := countTokens(msgs); err == nil {
			e.Int("messages", len(msgs)).Int("tokens", tokens).Msg("sending completion request")
		}
	}

	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.cfg.Model,
		Messages:    msgs,
		MaxTokens:   b.cfg.MaxTokens,
		Temperature: wireTemperature(req.Temperature),
	})
	if err != nil {
		return backend.Reply{}, mapError(err)
	}

	if len(resp.Choices) == 0 {
		return backend.Reply{}, backend.ErrNoChoices
	}
	answer := resp.Choices[0].Message
	if strings.TrimSpace(answer.Content) == "" {
		return backend.Reply{}, backend.ErrEmptyMessage
	}

	role := answer.Role
	if role == "" {
		role = openai.ChatMessageRoleAssistant
	}
	b.turns = append(b.turns, Turn{Question: req.Text, Answer: answer.Content, Role: role})

	text := answer.Content
	if truncated {
		text += TruncatedSuffix
	}
	return backend.Reply{Text: text, Truncated: truncated}, nil
}

// capHistory drops the oldest turns so that history stays within the cap
// once the pending turn is added. It reports whether anything was dropped.
func (b *Backend) capHistory(privileged bool) bool {
	limit := b.cfg.MaxHistory
	if privileged || limit <= 0 || len(b.turns)+1 <= limit {
		return false
	}

	drop := len(b.turns) + 1 - limit
	b.turns = append([]Turn(nil), b.turns[drop:]...)
	return true
}

func (b *Backend) transcript(persona string) transcript {
	t := transcript{
		persona:    persona,
		directives: b.directives,
		turns:      b.turns,
	}
	if b.includeClock {
		t.clock = b.now()
	}
	return t
}

// mapError converts client failures into the backend error taxonomy.
func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		remote := &backend.RemoteError{Type: apiErr.Type, Message: apiErr.Message}
		if code, ok := apiErr.Code.(string); ok {
			remote.Code = code
		}
		return remote
	}

	if errors.Is(err, io.EOF) {
		return backend.ErrNoResponse
	}
	return backend.NewTransportError("completion request", err)
}

// HandleCommand implements backend.Backend. The completion backend has no
// commands of its own.
func (b *Backend) HandleCommand(context.Context, backend.Command, backend.Replier) (bool, error) {
	return false, nil
}

// Help implements backend.Backend.
func (b *Backend) Help() string {
	if b.cfg.MaxHistory <= 0 {
		return "completion: the whole conversation is remembered until #reset"
	}
	return fmt.Sprintf("completion: regular users keep at most %d turns of context", b.cfg.MaxHistory)
}

// Reset implements backend.Backend.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = nil
}

// Turns implements backend.Backend.
func (b *Backend) Turns() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns), b.cfg.MaxHistory
}

// History returns a copy of the remembered turns.
func (b *Backend) History() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Turn(nil), b.turns...)
}

// ContextTokens implements backend.TokenEstimator.
func (b *Backend) ContextTokens(persona string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return countTokens(b.transcript(persona).messages(""))
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
