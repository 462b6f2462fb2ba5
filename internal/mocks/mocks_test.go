package mocks

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/backend"
)

func TestMockBackend(t *testing.T) {
	ctx := context.Background()
	mock := NewMockBackend(backend.KindCompletion)

	reply, err := mock.Ask(ctx, backend.Request{UserID: "1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response for: hello", reply.Text)

	mock.SetResponse("ping", backend.Reply{Text: "pong"})
	reply, err = mock.Ask(ctx, backend.Request{UserID: "1", Text: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", reply.Text)

	count, _ := mock.Turns()
	assert.Equal(t, 2, count)

	mock.Reset()
	count, _ = mock.Turns()
	assert.Zero(t, count)
	assert.Equal(t, 1, mock.ResetCount())

	mock.SetError(backend.ErrNoChoices)
	_, err = mock.Ask(ctx, backend.Request{Text: "x"})
	require.ErrorIs(t, err, backend.ErrNoChoices)

	assert.Len(t, mock.GetCalls(), 3)
}

func TestMockBackendCommands(t *testing.T) {
	ctx := context.Background()
	mock := NewMockBackend(backend.KindStreaming)
	mock.SetCommand("style", "style changed")
	replier := NewMockReplier()

	handled, err := mock.HandleCommand(ctx, backend.Command{Name: "style", Arg: "precise", HasArg: true}, replier.Reply)
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = mock.HandleCommand(ctx, backend.Command{Name: "unknown"}, replier.Reply)
	require.NoError(t, err)
	assert.False(t, handled)

	assert.Equal(t, []string{"style changed"}, replier.Texts())
	assert.Len(t, mock.GetCommands(), 2)
}

func TestMockReplier(t *testing.T) {
	ctx := context.Background()
	replier := NewMockReplier()

	go func() {
		_ = replier.Reply(ctx, "first", true)
		_ = replier.Reply(ctx, "second", false)
	}()

	require.True(t, replier.WaitForReplies(2, time.Second))
	replies := replier.GetReplies()
	assert.True(t, replies[0].Mention)
	assert.False(t, replies[1].Mention)

	replier.SetSendError(errors.New("send failed"))
	require.Error(t, replier.Reply(ctx, "third", false))
	assert.Len(t, replier.GetReplies(), 2)
	assert.False(t, replier.WaitForReplies(3, 20*time.Millisecond))
}
