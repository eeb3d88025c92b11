package transcript

import (
	"strings"
	"sync"
	"time"
)

// Display is the transcript display collaborator. The interpreter writes to
// it and never reads it back.
type Display interface {
	// Clear empties the caption text.
	Clear()

	// AppendLine adds a caption line below the existing text.
	AppendLine(line string)

	// SetText replaces the caption text.
	SetText(text string)

	// SetChoice replaces the quiz choice text.
	SetChoice(choice string)
}

// Board is an in-memory Display that keeps the caption text and the latest
// quiz choice for polling clients. It is safe for concurrent use.
type Board struct {
	mu      sync.RWMutex
	text    string
	choice  string
	version uint64
	updated time.Time
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{}
}

// Clear implements Display.
func (b *Board) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = ""
	b.touch()
}

// AppendLine implements Display. Lines are separated by a newline.
func (b *Board) AppendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.text == "" {
		b.text = line
	} else {
		b.text += "\n" + line
	}
	b.touch()
}

// SetText implements Display.
func (b *Board) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.text = text
	b.touch()
}

// SetChoice implements Display.
func (b *Board) SetChoice(choice string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.choice = choice
	b.touch()
}

// touch must be called with mu held.
func (b *Board) touch() {
	b.version++
	b.updated = time.Now()
}

// BoardSnapshot is a point-in-time copy of a Board.
type BoardSnapshot struct {
	Text    string    `json:"text"`
	Lines   []string  `json:"lines"`
	Choice  string    `json:"choice,omitempty"`
	Version uint64    `json:"version"`
	Updated time.Time `json:"updated,omitzero"`
}

// Snapshot returns the current board contents.
func (b *Board) Snapshot() BoardSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lines := []string{}
	if b.text != "" {
		lines = strings.Split(b.text, "\n")
	}
	return BoardSnapshot{
		Text:    b.text,
		Lines:   lines,
		Choice:  b.choice,
		Version: b.version,
		Updated: b.updated,
	}
}

var _ Display = (*Board)(nil)
