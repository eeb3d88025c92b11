package transcript

import (
	"strings"
	"sync"
)

// DefaultUserName labels caption lines until a user name is set.
const DefaultUserName = "You"

// State is the per-session interpretation context: who is speaking, whether
// quiz mode is active and armed, and whether the board was already cleared
// for the current scene. It is safe for concurrent use.
type State struct {
	mu           sync.Mutex
	defaultUser  string
	userName     string
	quizMode     bool
	quizArmed    bool
	boardCleared bool
}

// NewState returns a State whose user name falls back to defaultUser, or to
// DefaultUserName when defaultUser is blank.
func NewState(defaultUser string) *State {
	defaultUser = strings.TrimSpace(defaultUser)
	if defaultUser == "" {
		defaultUser = DefaultUserName
	}
	return &State{defaultUser: defaultUser, userName: defaultUser}
}

// UserName returns the current caption label.
func (s *State) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

// SetUserName replaces the caption label. Blank names are ignored; the name
// is trimmed. It reports whether the name was applied.
func (s *State) SetUserName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userName = name
	return true
}

// QuizMode reports whether quiz mode is active.
func (s *State) QuizMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quizMode
}

// SetQuizMode turns quiz mode on or off. Turning it off disarms the quiz.
func (s *State) SetQuizMode(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizMode = enabled
	if !enabled {
		s.quizArmed = false
	}
}

// QuizArmed reports whether "start quiz" was heard since quiz mode began.
func (s *State) QuizArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quizArmed
}

// Reset starts a new scene: quiz mode is cleared and the next caption
// clears the board again. The user name is kept.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizMode = false
	s.quizArmed = false
	s.boardCleared = false
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	UserName  string `json:"user_name"`
	QuizMode  bool   `json:"quiz_mode"`
	QuizArmed bool   `json:"quiz_armed"`
}

// Snapshot returns the current values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{UserName: s.userName, QuizMode: s.quizMode, QuizArmed: s.quizArmed}
}

// takeClear reports whether the board should be cleared now and marks it
// cleared for the rest of the scene.
func (s *State) takeClear() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quizMode || s.boardCleared {
		return false
	}
	s.boardCleared = true
	return true
}

// arm marks the quiz as armed if quiz mode is still on.
func (s *State) arm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.quizMode {
		return false
	}
	s.quizArmed = true
	return true
}
