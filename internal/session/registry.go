package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/usage"
)

// ErrNoSession is returned for operations on users without a session.
var ErrNoSession = errors.New("session not found")

// Factory returns a started backend of the requested kind.
type Factory func(ctx context.Context, kind backend.Kind) (backend.Backend, error)

// Registry maps user ids to sessions. Sessions are created lazily and live
// until the registry is closed.
type Registry struct {
	sessions map[string]*Session
	defaults Settings
	now      func() time.Time
	usage    []usage.Option
	group    singleflight.Group
	mu       sync.RWMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source used for session timestamps and usage
// trackers.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
		r.usage = append(r.usage, usage.WithClock(now))
	}
}

// NewRegistry creates an empty registry. New sessions start with defaults.
func NewRegistry(defaults Settings, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		defaults: defaults,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session for userID, creating it with a backend
// of the default kind if needed. Concurrent first calls for the same user
// share one factory invocation and receive the same session.
func (r *Registry) GetOrCreate(ctx context.Context, userID string, factory Factory) (*Session, error) {
	if sess, ok := r.Get(userID); ok {
		return sess, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		if sess, ok := r.Get(userID); ok {
			return sess, nil
		}

		b, err := factory(ctx, r.defaults.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create session for %s", userID)
		}

		sess := newSession(userID, r.defaults, b, usage.NewTracker(r.usage...), r.now())

		r.mu.Lock()
		r.sessions[userID] = sess
		r.mu.Unlock()

		log.Debug().Str("component", "session").Str("user_id", userID).
			Str("backend", b.Kind().String()).Msg("session created")
		return sess, nil
	})
	if err != nil {
		return nil, err
	}

	sess, ok := v.(*Session)
	if !ok {
		return nil, errors.Errorf("unexpected session type %T", v)
	}
	return sess, nil
}

// Get returns the existing session for userID.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[userID]
	return sess, ok
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ReplaceBackend installs next as the session's backend and closes the
// previous one. A failure to close the old backend is logged, not returned.
func (r *Registry) ReplaceBackend(_ context.Context, userID string, next backend.Backend) error {
	if next == nil {
		return errors.New("replacement backend is nil")
	}

	sess, ok := r.Get(userID)
	if !ok {
		return errors.Wrap(ErrNoSession, userID)
	}

	prev := sess.swapBackend(next)
	if prev != nil && prev != next {
		if err := prev.Close(); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("user_id", userID).
				Str("backend", prev.Kind().String()).Msg("failed to close replaced backend")
		}
	}

	log.Info().Str("component", "session").Str("user_id", userID).
		Str("backend", next.Kind().String()).Msg("backend switched")
	return nil
}

// Close closes every session backend. It returns the first close error.
func (r *Registry) Close() error {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, sess := range sessions {
		b := sess.Backend()
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("user_id", sess.UserID()).
				Msg("failed to close backend")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to close backend for %s", sess.UserID())
			}
		}
	}
	return firstErr
}

// Stats returns session counts by backend kind, plus the total.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]int{"total": len(r.sessions)}
	for _, sess := range r.sessions {
		stats[sess.Settings().Kind.String()]++
	}
	return stats
}
