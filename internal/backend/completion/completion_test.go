package completion_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/backend/completion"
	"github.com/Veraticus/chatrelay/internal/config"
)

// fakeAPI is a scripted chat-completion endpoint.
type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	respond  func(w http.ResponseWriter, req openai.ChatCompletionRequest)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{t: t}
	api.respond = api.echo

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		api.mu.Lock()
		api.requests = append(api.requests, req)
		respond := api.respond
		api.mu.Unlock()

		respond(w, req)
	}))
	t.Cleanup(srv.Close)
	return api, srv
}

// echo answers "re: <last user message>".
func (a *fakeAPI) echo(w http.ResponseWriter, req openai.ChatCompletionRequest) {
	last := req.Messages[len(req.Messages)-1].Content
	answer := "re: " + last
	if last == "hello" {
		answer = "hi"
	}
	writeJSON(a.t, w, http.StatusOK, openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer},
		}},
	})
}

func (a *fakeAPI) setResponder(fn func(w http.ResponseWriter, req openai.ChatCompletionRequest)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = fn
}

func (a *fakeAPI) lastRequest(t *testing.T) openai.ChatCompletionRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1]
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Completion.APIKey = "sk-test"
	cfg.Completion.BaseURL = baseURL
	cfg.Completion.MaxHistory = 3
	cfg.Completion.Timeout = 5 * time.Second
	cfg.SystemDirectives = []string{"Be polite."}
	return cfg
}

var fixedNow = time.Date(2023, 3, 6, 9, 30, 0, 0, time.UTC)

func newBackend(t *testing.T, cfg *config.Config) *completion.Backend {
	t.Helper()
	b, err := completion.New(cfg, completion.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func ask(t *testing.T, b *completion.Backend, text string, privileged bool) (backend.Reply, error) {
	t.Helper()
	return b.Ask(context.Background(), backend.Request{
		UserID:      "1",
		Text:        text,
		Persona:     "You are a cat.",
		Temperature: 0.5,
		Privileged:  privileged,
	})
}

func TestAskSendsTranscript(t *testing.T) {
	api, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	reply, err := ask(t, b, "hello", false)
	require.NoError(t, err)
	assert.Equal(t, "hi", reply.Text)
	assert.False(t, reply.Truncated)

	_, err = ask(t, b, "how are you", false)
	require.NoError(t, err)

	req := api.lastRequest(t)
	assert.Equal(t, "gpt-3.5-turbo", req.Model)
	assert.InDelta(t, 0.5, req.Temperature, 1e-6)

	require.Len(t, req.Messages, 6)
	assert.Equal(t, openai.ChatCompletionMessage{Role: "system", Content: "You are a cat."}, req.Messages[0])
	assert.Equal(t, openai.ChatCompletionMessage{Role: "system", Content: "Be polite."}, req.Messages[1])
	assert.Equal(t, "system", req.Messages[2].Role)
	assert.Contains(t, req.Messages[2].Content, "2023-03-06 09:30:00 Monday")
	assert.Equal(t, openai.ChatCompletionMessage{Role: "user", Content: "hello"}, req.Messages[3])
	assert.Equal(t, openai.ChatCompletionMessage{Role: "assistant", Content: "hi"}, req.Messages[4])
	assert.Equal(t, openai.ChatCompletionMessage{Role: "user", Content: "how are you"}, req.Messages[5])

	count, limit := b.Turns()
	assert.Equal(t, 2, count)
	assert.Equal(t, 3, limit)
}

func TestAskWithoutClock(t *testing.T) {
	api, srv := newFakeAPI(t)
	cfg := testConfig(srv.URL)
	cfg.Completion.IncludeClock = false
	b := newBackend(t, cfg)

	_, err := ask(t, b, "hello", false)
	require.NoError(t, err)

	req := api.lastRequest(t)
	require.Len(t, req.Messages, 3)
	for _, msg := range req.Messages {
		assert.NotContains(t, msg.Content, "local time")
	}
}

func TestAskTruncatesHistory(t *testing.T) {
	api, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	for _, q := range []string{"q1", "q2", "q3"} {
		reply, err := ask(t, b, q, false)
		require.NoError(t, err)
		assert.False(t, reply.Truncated)
	}

	reply, err := ask(t, b, "q4", false)
	require.NoError(t, err)
	assert.True(t, reply.Truncated)
	assert.Equal(t, "re: q4"+completion.TruncatedSuffix, reply.Text)

	history := b.History()
	require.Len(t, history, 3)
	assert.Equal(t, "q2", history[0].Question)
	assert.Equal(t, "q4", history[2].Question)
	assert.Equal(t, "re: q4", history[2].Answer, "stored answers carry no annotation")

	req := api.lastRequest(t)
	var questions []string
	for _, msg := range req.Messages {
		if msg.Role == openai.ChatMessageRoleUser {
			questions = append(questions, msg.Content)
		}
	}
	assert.Equal(t, []string{"q2", "q3", "q4"}, questions)
}

func TestAskPrivilegedIsNotCapped(t *testing.T) {
	_, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		reply, err := ask(t, b, q, true)
		require.NoError(t, err)
		assert.False(t, reply.Truncated)
	}

	count, _ := b.Turns()
	assert.Equal(t, 5, count)
}

func TestAskZeroCapIsUnlimited(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := testConfig(srv.URL)
	cfg.Completion.MaxHistory = 0
	b := newBackend(t, cfg)

	for _, q := range []string{"q1", "q2", "q3", "q4", "q5"} {
		_, err := ask(t, b, q, false)
		require.NoError(t, err)
	}

	count, limit := b.Turns()
	assert.Equal(t, 5, count)
	assert.Zero(t, limit)
}

func TestAskZeroTemperatureIsSent(t *testing.T) {
	api, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	_, err := b.Ask(context.Background(), backend.Request{Text: "hello", Temperature: 0})
	require.NoError(t, err)

	req := api.lastRequest(t)
	assert.Greater(t, req.Temperature, float32(0))
	assert.Less(t, req.Temperature, float32(1e-6))
}

func TestAskErrors(t *testing.T) {
	tests := []struct {
		name         string
		respond      func(t *testing.T, w http.ResponseWriter)
		wantIs       error
		wantCategory backend.Category
		wantContains string
	}{
		{
			name: "empty body",
			respond: func(_ *testing.T, w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
			},
			wantIs:       backend.ErrNoResponse,
			wantCategory: backend.CategorySemantic,
		},
		{
			name: "no choices",
			respond: func(t *testing.T, w http.ResponseWriter) {
				writeJSON(t, w, http.StatusOK, openai.ChatCompletionResponse{})
			},
			wantIs:       backend.ErrNoChoices,
			wantCategory: backend.CategorySemantic,
		},
		{
			name: "empty message",
			respond: func(t *testing.T, w http.ResponseWriter) {
				writeJSON(t, w, http.StatusOK, openai.ChatCompletionResponse{
					Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant"}}},
				})
			},
			wantIs:       backend.ErrEmptyMessage,
			wantCategory: backend.CategorySemantic,
		},
		{
			name: "error payload",
			respond: func(_ *testing.T, w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"model not found"}}`))
			},
			wantCategory: backend.CategorySemantic,
			wantContains: "model not found",
		},
		{
			name: "context too large",
			respond: func(_ *testing.T, w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"context_length_exceeded",` +
					`"message":"This model's maximum context length is 4097 tokens."}}`))
			},
			wantCategory: backend.CategoryContextTooLarge,
			wantContains: "maximum context length",
		},
		{
			name: "garbage body",
			respond: func(_ *testing.T, w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("<html>bad gateway</html>"))
			},
			wantCategory: backend.CategoryTransport,
		},
		{
			name: "server error without payload",
			respond: func(_ *testing.T, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream down"))
			},
			wantCategory: backend.CategoryTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, srv := newFakeAPI(t)
			api.setResponder(func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
				tt.respond(t, w)
			})
			b := newBackend(t, testConfig(srv.URL))

			_, err := ask(t, b, "hello", false)
			require.Error(t, err)
			if tt.wantIs != nil {
				require.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantContains != "" {
				assert.Contains(t, err.Error(), tt.wantContains)
			}
			assert.Equal(t, tt.wantCategory, backend.Classify(err))

			count, _ := b.Turns()
			assert.Zero(t, count, "failed turns are not remembered")
		})
	}
}

func TestAskRemoteErrorType(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.setResponder(func(w http.ResponseWriter, _ openai.ChatCompletionRequest) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	})
	b := newBackend(t, testConfig(srv.URL))

	_, err := ask(t, b, "hello", false)

	var remote *backend.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "rate_limit_error", remote.Type)
	assert.Equal(t, "slow down", remote.Message)
}

func TestAskTimeout(t *testing.T) {
	api, srv := newFakeAPI(t)
	release := make(chan struct{})
	api.setResponder(func(w http.ResponseWriter, req openai.ChatCompletionRequest) {
		<-release
		api.echo(w, req)
	})
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Completion.Timeout = 50 * time.Millisecond
	b := newBackend(t, cfg)

	_, err := ask(t, b, "hello", false)
	require.Error(t, err)
	assert.Equal(t, backend.CategoryTransport, backend.Classify(err))
}

func TestReset(t *testing.T) {
	_, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	_, err := ask(t, b, "hello", false)
	require.NoError(t, err)

	b.Reset()
	count, _ := b.Turns()
	assert.Zero(t, count)
	assert.Empty(t, b.History())
}

func TestContextTokens(t *testing.T) {
	_, srv := newFakeAPI(t)
	b := newBackend(t, testConfig(srv.URL))

	before, err := b.ContextTokens("You are a cat.")
	require.NoError(t, err)
	assert.Positive(t, before)

	_, err = ask(t, b, "tell me a long story about a cat who learns to fly", false)
	require.NoError(t, err)

	after, err := b.ContextTokens("You are a cat.")
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestCheck(t *testing.T) {
	cfg := config.Default()
	err := completion.Check(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvOpenAIAPIKey)

	cfg.Completion.APIKey = "sk-test"
	require.NoError(t, completion.Check(cfg))

	cfg.Completion.BaseURL = "not a url"
	require.Error(t, completion.Check(cfg))

	_, err = completion.New(config.Default())
	require.Error(t, err)
}

func TestRegistration(t *testing.T) {
	_, srv := newFakeAPI(t)
	reg := completion.Registration()
	assert.Equal(t, backend.KindCompletion, reg.Kind)

	b, err := reg.New(testConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, backend.KindCompletion, b.Kind())

	handled, err := b.HandleCommand(context.Background(), backend.Command{Name: "style"}, nil)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.True(t, strings.Contains(b.Help(), "3 turns"))
	require.NoError(t, b.Close())
}
