package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/mocks"
	"github.com/Veraticus/chatrelay/internal/session"
)

var testDefaults = session.Settings{
	PersonaName: "default",
	Persona:     "You are a helpful assistant.",
	Temperature: 0.5,
	Kind:        backend.KindCompletion,
}

func mockFactory(created *atomic.Int32) session.Factory {
	return func(_ context.Context, kind backend.Kind) (backend.Backend, error) {
		created.Add(1)
		return mocks.NewMockBackend(kind), nil
	}
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, "42", mockFactory(&created))
	require.NoError(t, err)
	second, err := reg.GetOrCreate(ctx, "42", mockFactory(&created))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, reg.Len())

	settings := first.Settings()
	assert.Equal(t, testDefaults, settings)
	assert.Equal(t, "42", first.UserID())
	assert.NotNil(t, first.Usage())
}

func TestGetOrCreateConcurrentFirstMessages(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)
	release := make(chan struct{})

	slowFactory := func(_ context.Context, kind backend.Kind) (backend.Backend, error) {
		created.Add(1)
		<-release
		return mocks.NewMockBackend(kind), nil
	}

	const callers = 16
	results := make([]*session.Session, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := reg.GetOrCreate(context.Background(), "7", slowFactory)
			assert.NoError(t, err)
			results[i] = sess
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, sess := range results {
		assert.Same(t, results[0], sess)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestGetOrCreateDistinctUsers(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)

	a, err := reg.GetOrCreate(context.Background(), "a", mockFactory(&created))
	require.NoError(t, err)
	b, err := reg.GetOrCreate(context.Background(), "b", mockFactory(&created))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.NotSame(t, a.Usage(), b.Usage())
	assert.Equal(t, map[string]int{"total": 2, "completion": 2}, reg.Stats())
}

func TestGetOrCreateFactoryFailure(t *testing.T) {
	reg := session.NewRegistry(testDefaults)
	failing := func(context.Context, backend.Kind) (backend.Backend, error) {
		return nil, errors.New("no api key")
	}

	_, err := reg.GetOrCreate(context.Background(), "1", failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api key")
	assert.Zero(t, reg.Len())

	var created atomic.Int32
	_, err = reg.GetOrCreate(context.Background(), "1", mockFactory(&created))
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
}

func TestReplaceBackend(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)
	ctx := context.Background()

	sess, err := reg.GetOrCreate(ctx, "1", mockFactory(&created))
	require.NoError(t, err)
	old, ok := sess.Backend().(*mocks.MockBackend)
	require.True(t, ok)

	next := mocks.NewMockBackend(backend.KindStreaming)
	require.NoError(t, reg.ReplaceBackend(ctx, "1", next))

	assert.Same(t, next, sess.Backend())
	assert.Equal(t, backend.KindStreaming, sess.Settings().Kind)
	assert.Equal(t, 1, old.CloseCount())
	assert.Zero(t, next.CloseCount())
}

func TestReplaceBackendUnknownUser(t *testing.T) {
	reg := session.NewRegistry(testDefaults)

	err := reg.ReplaceBackend(context.Background(), "nobody", mocks.NewMockBackend(backend.KindCompletion))
	require.ErrorIs(t, err, session.ErrNoSession)
}

func TestUpdateSettingsKeepsKind(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)

	sess, err := reg.GetOrCreate(context.Background(), "1", mockFactory(&created))
	require.NoError(t, err)

	sess.UpdateSettings(func(s *session.Settings) {
		s.Temperature = 0.9
		s.Kind = backend.KindStreaming
	})

	assert.InDelta(t, 0.9, sess.Settings().Temperature, 1e-9)
	assert.Equal(t, backend.KindCompletion, sess.Settings().Kind)
}

func TestRegistryClose(t *testing.T) {
	reg := session.NewRegistry(testDefaults)
	var backends []*mocks.MockBackend
	factory := func(_ context.Context, kind backend.Kind) (backend.Backend, error) {
		b := mocks.NewMockBackend(kind)
		backends = append(backends, b)
		return b, nil
	}

	for _, id := range []string{"1", "2", "3"} {
		_, err := reg.GetOrCreate(context.Background(), id, factory)
		require.NoError(t, err)
	}

	require.NoError(t, reg.Close())
	for _, b := range backends {
		assert.Equal(t, 1, b.CloseCount())
	}
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults, session.WithClock(func() time.Time { return fixed }))

	sess, err := reg.GetOrCreate(context.Background(), "1", mockFactory(&created))
	require.NoError(t, err)
	assert.Equal(t, fixed, sess.CreatedAt())

	sess.Usage().Record()
	assert.Equal(t, 1, sess.Usage().CountInLast(time.Second))
}

func TestNickname(t *testing.T) {
	var created atomic.Int32
	reg := session.NewRegistry(testDefaults)

	sess, err := reg.GetOrCreate(context.Background(), "1", mockFactory(&created))
	require.NoError(t, err)

	sess.SetNickname("meow")
	assert.Equal(t, "meow", sess.Nickname())
}
