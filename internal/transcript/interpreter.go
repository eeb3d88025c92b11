// Package transcript turns decoded lines into display updates.
//
// An [Interpreter] cleans each raw transcription and, depending on the
// session [State], either appends a captioned line to a [Display] or treats
// the line as a spoken quiz command or answer.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/lectern/internal/observe"
)

// Kind classifies what an interpreted line did.
type Kind string

const (
	// KindSuppressed means the line was empty after cleaning.
	KindSuppressed Kind = "suppressed"

	// KindCaption means the line was appended as a caption.
	KindCaption Kind = "caption"

	// KindQuizStarted means "start quiz" armed the quiz.
	KindQuizStarted Kind = "quiz_started"

	// KindQuizChoice means an armed quiz received an answer choice.
	KindQuizChoice Kind = "quiz_choice"

	// KindIgnored means quiz mode discarded the line.
	KindIgnored Kind = "ignored"
)

// StartingQuizText is shown when the quiz is armed.
const StartingQuizText = "Starting quiz..."

// Outcome describes the effect of one Interpret call.
type Outcome struct {
	Kind Kind `json:"kind"`

	// Line is the cleaned text, empty when suppressed.
	Line string `json:"line,omitempty"`

	// Choice is the answer number 1–4 for KindQuizChoice.
	Choice int `json:"choice,omitempty"`
}

var choiceRe = regexp.MustCompile(`(?i)^(?:(?P<num>[1-4])|(?P<word>one|two|three|four))$`)

var choiceWords = map[string]int{"one": 1, "two": 2, "three": 3, "four": 4}

// Interpreter applies cleaned transcript lines to a Display.
type Interpreter struct {
	state   *State
	display Display
	metrics *observe.Metrics

	mu      sync.RWMutex
	cleaner *Cleaner
}

// InterpreterOption is a functional option for Interpreter.
type InterpreterOption func(*Interpreter)

// WithCleaner replaces the default cleaner.
func WithCleaner(c *Cleaner) InterpreterOption {
	return func(i *Interpreter) {
		i.cleaner = c
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) InterpreterOption {
	return func(i *Interpreter) {
		i.metrics = m
	}
}

// NewInterpreter returns an Interpreter writing to display. state and
// display must not be nil.
func NewInterpreter(state *State, display Display, opts ...InterpreterOption) (*Interpreter, error) {
	if state == nil {
		return nil, fmt.Errorf("transcript: state must not be nil")
	}
	if display == nil {
		return nil, fmt.Errorf("transcript: display must not be nil")
	}
	i := &Interpreter{
		state:   state,
		display: display,
		cleaner: NewCleaner("", nil),
	}
	for _, o := range opts {
		o(i)
	}
	if i.metrics == nil {
		i.metrics = observe.DefaultMetrics()
	}
	return i, nil
}

// State returns the session state the interpreter reads.
func (i *Interpreter) State() *State { return i.state }

// SetCleaner replaces the cleaner used for subsequent lines.
func (i *Interpreter) SetCleaner(c *Cleaner) {
	if c == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cleaner = c
}

// Interpret cleans raw and applies it to the display.
func (i *Interpreter) Interpret(ctx context.Context, raw string) Outcome {
	if i.state.takeClear() {
		i.display.Clear()
	}

	out := i.interpret(raw)
	i.metrics.RecordInterpretation(ctx, string(out.Kind))
	slog.Debug("transcript: interpreted line", "kind", out.Kind, "line", out.Line)
	return out
}

func (i *Interpreter) interpret(raw string) Outcome {
	i.mu.RLock()
	cleaner := i.cleaner
	i.mu.RUnlock()

	line := cleaner.Clean(raw)
	if line == "" {
		return Outcome{Kind: KindSuppressed}
	}

	if !i.state.QuizMode() {
		i.display.AppendLine("[" + i.state.UserName() + "]: " + line)
		return Outcome{Kind: KindCaption, Line: line}
	}

	if !i.state.QuizArmed() {
		if isStartQuiz(line) && i.state.arm() {
			i.display.SetText(StartingQuizText)
			slog.Info("transcript: quiz armed")
			return Outcome{Kind: KindQuizStarted, Line: line}
		}
		return Outcome{Kind: KindIgnored, Line: line}
	}

	n, ok := parseChoice(line)
	if !ok {
		return Outcome{Kind: KindIgnored, Line: line}
	}
	i.display.SetChoice(fmt.Sprintf("Choice: %d", n))
	return Outcome{Kind: KindQuizChoice, Line: line, Choice: n}
}

// isStartQuiz reports whether line is "start quiz" once trailing quotes and
// punctuation are removed.
func isStartQuiz(line string) bool {
	s := strings.TrimRightFunc(strings.TrimSpace(line), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return strings.EqualFold(s, "start quiz")
}

// parseChoice extracts an answer number from a line like "Three." or "2".
func parseChoice(line string) (int, bool) {
	s := strings.TrimFunc(line, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	m := choiceRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	if num := m[choiceRe.SubexpIndex("num")]; num != "" {
		return int(num[0] - '0'), true
	}
	return choiceWords[strings.ToLower(m[choiceRe.SubexpIndex("word")])], true
}
