package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/transcript"
)

const defaultLessonName = "lesson"

var (
	ErrSessionActive = errors.New("app: a session is already active")
	ErrNoSession     = errors.New("app: no active session")
)

// Session describes one lesson. The zero value means no session.
type Session struct {
	ID        string    `json:"session_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Scene is 1 at start and grows with every scene reset.
	Scene int `json:"scene,omitempty"`
}

// ListenerControl is the part of the listener a session ends.
type ListenerControl interface {
	Listening() bool
	Stop(ctx context.Context) bool
}

// Sessions tracks the lesson in progress. Starting a lesson or moving to the
// next scene resets the transcript state, so quiz mode is off and the next
// caption clears the board. At most one lesson runs at a time.
type Sessions struct {
	state    *transcript.State
	listener ListenerControl
	now      func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewSessions returns an idle Sessions. now may be nil for time.Now.
func NewSessions(state *transcript.State, listener ListenerControl, now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{state: state, listener: listener, now: now}
}

// Start opens a lesson named name, or "lesson" when name is blank. The ID
// is derived from the name and the UTC start minute.
func (s *Sessions) Start(ctx context.Context, name string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return *s.current, ErrSessionActive
	}

	if name = strings.TrimSpace(name); name == "" {
		name = defaultLessonName
	}
	started := s.now().UTC()
	s.current = &Session{
		ID:        sessionID(name, started),
		Name:      name,
		StartedAt: started,
		Scene:     1,
	}
	s.resetState()
	slog.Info("app: session started", "session_id", s.current.ID, "name", name)
	return *s.current, nil
}

// Stop ends the lesson and returns it with EndedAt set. A listener that is
// still on is stopped, which hands off its pending segment.
func (s *Sessions) Stop(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, ErrNoSession
	}

	if s.listener != nil && s.listener.Listening() {
		s.listener.Stop(ctx)
	}
	s.resetState()

	ended := *s.current
	ended.EndedAt = s.now().UTC()
	s.current = nil
	slog.Info("app: session stopped",
		"session_id", ended.ID,
		"scenes", ended.Scene,
		"duration", ended.EndedAt.Sub(ended.StartedAt),
	)
	return ended, nil
}

// NextScene resets quiz mode and the board-cleared flag, with or without a
// lesson. Inside a lesson the scene number advances.
func (s *Sessions) NextScene(ctx context.Context) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetState()
	if s.current == nil {
		slog.Info("app: scene reset")
		return Session{}
	}
	s.current.Scene++
	slog.Info("app: scene reset", "session_id", s.current.ID, "scene", s.current.Scene)
	return *s.current
}

// Current returns the running lesson, or the zero Session.
func (s *Sessions) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}
	}
	return *s.current
}

// Active reports whether a lesson is running.
func (s *Sessions) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

func (s *Sessions) resetState() {
	if s.state != nil {
		s.state.Reset()
	}
}

// sessionID joins the lower-cased words of name with dashes and appends the
// start minute, e.g. "session-cell-biology-20260314T0830Z".
func sessionID(name string, started time.Time) string {
	slug := strings.ToLower(strings.Join(strings.Fields(name), "-"))
	return "session-" + slug + "-" + started.Format("20060102T1504Z")
}
