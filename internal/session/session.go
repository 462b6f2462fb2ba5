// Package session keeps one conversational session per user.
package session

import (
	"sync"
	"time"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/usage"
)

// Settings are the user-adjustable parameters of a session.
type Settings struct {
	// PersonaName is the persona table key, or empty for a custom persona.
	PersonaName string
	// Persona is the system prompt text sent to completion backends.
	Persona     string
	Temperature float64
	Kind        backend.Kind
}

// Session is the per-user state. The backend and settings are only
// changed from the owning user's serialized task stream; the mutex
// guards reads from diagnostics and shutdown.
type Session struct {
	userID    string
	createdAt time.Time
	usage     *usage.Tracker

	mu       sync.Mutex
	nickname string
	settings Settings
	backend  backend.Backend
}

func newSession(userID string, settings Settings, b backend.Backend, tracker *usage.Tracker, now time.Time) *Session {
	settings.Kind = b.Kind()
	return &Session{
		userID:    userID,
		createdAt: now,
		usage:     tracker,
		settings:  settings,
		backend:   b,
	}
}

// UserID returns the platform identity that owns the session.
func (s *Session) UserID() string {
	return s.userID
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Usage returns the session's usage tracker.
func (s *Session) Usage() *usage.Tracker {
	return s.usage
}

// Nickname returns the most recently seen display name.
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

// SetNickname records the display name carried by the latest message.
func (s *Session) SetNickname(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickname = nickname
}

// Settings returns a copy of the current settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn to the settings. The backend kind is owned by
// the registry and cannot be changed this way.
func (s *Session) UpdateSettings(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := s.settings.Kind
	fn(&s.settings)
	s.settings.Kind = kind
}

// Backend returns the session's current backend.
func (s *Session) Backend() backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend
}

func (s *Session) swapBackend(next backend.Backend) backend.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.backend
	s.backend = next
	s.settings.Kind = next.Kind()
	return prev
}
