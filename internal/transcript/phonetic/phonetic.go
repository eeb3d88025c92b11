// Package phonetic corrects misheard proper nouns in transcript lines.
//
// Speech models mangle names they have rarely heard: a lecturer's surname,
// a subject term, a place. A [Matcher] built from the configured entity list
// replaces word windows that resemble an entity with its canonical spelling.
//
// A window resembles an entity when one of two tests passes. If the two
// share a Double Metaphone code, a Jaro-Winkler score of 0.70 is enough.
// Otherwise the score must reach 0.85. Candidates passing the phonetic test
// outrank the rest, and the highest score wins within each group.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Default acceptance thresholds on the Jaro-Winkler scale.
const (
	DefaultPhoneticThreshold = 0.70
	DefaultFuzzyThreshold    = 0.85
)

// Option adjusts a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the score a candidate with a shared Double
// Metaphone code must reach.
func WithPhoneticThreshold(v float64) Option {
	return func(m *Matcher) { m.soundsLike = v }
}

// WithFuzzyThreshold sets the score a candidate without a shared code must
// reach.
func WithFuzzyThreshold(v float64) Option {
	return func(m *Matcher) { m.spelledLike = v }
}

// profile is the comparison form of a word window or an entity.
type profile struct {
	text  string // lower-cased, trimmed
	words []string
	codes map[string]struct{}
}

func newProfile(s string) profile {
	text := strings.ToLower(strings.TrimSpace(s))
	words := strings.Fields(text)
	codes := make(map[string]struct{}, 2*len(words))
	for _, w := range words {
		primary, alternate := matchr.DoubleMetaphone(w)
		for _, c := range [2]string{primary, alternate} {
			if c != "" {
				codes[c] = struct{}{}
			}
		}
	}
	return profile{text: text, words: words, codes: codes}
}

// soundsLike reports whether p and q share a Double Metaphone code.
func (p profile) soundsLike(q profile) bool {
	small, large := p.codes, q.codes
	if len(small) > len(large) {
		small, large = large, small
	}
	for c := range small {
		if _, ok := large[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole texts, the texts
// with spaces removed, and every pair of single words.
func (p profile) similarity(q profile) float64 {
	jw := func(a, b string) float64 { return matchr.JaroWinkler(a, b, false) }
	best := jw(p.text, q.text)
	if len(p.words) > 1 || len(q.words) > 1 {
		best = max(best, jw(strings.Join(p.words, ""), strings.Join(q.words, "")))
	}
	for _, a := range p.words {
		for _, b := range q.words {
			best = max(best, jw(a, b))
		}
	}
	return best
}

type entity struct {
	canonical string
	profile
}

// Matcher maps word windows onto known entity names. It is immutable after
// [New] and safe for concurrent use.
type Matcher struct {
	soundsLike  float64
	spelledLike float64
	entities    []entity
	longest     int // words in the longest entity
}

// New builds a Matcher for names, skipping blank ones.
func New(names []string, opts ...Option) *Matcher {
	m := &Matcher{soundsLike: DefaultPhoneticThreshold, spelledLike: DefaultFuzzyThreshold}
	for _, o := range opts {
		o(m)
	}
	for _, n := range names {
		p := newProfile(n)
		if p.text == "" {
			continue
		}
		m.entities = append(m.entities, entity{canonical: strings.TrimSpace(n), profile: p})
		m.longest = max(m.longest, len(p.words))
	}
	return m
}

// Len returns the number of entities.
func (m *Matcher) Len() int { return len(m.entities) }

// Match returns the entity closest to word, a single word or a phrase.
// Entities sharing a phonetic code with word are preferred over entities
// that only look alike. Without a match it returns word, 0, false.
func (m *Matcher) Match(word string) (corrected string, confidence float64, matched bool) {
	in := newProfile(word)
	if in.text == "" || len(m.entities) == 0 {
		return word, 0, false
	}

	var (
		best     *entity
		score    float64
		phonetic bool
	)
	for i := range m.entities {
		e := &m.entities[i]
		sim := in.similarity(e.profile)
		if in.soundsLike(e.profile) {
			if sim >= m.soundsLike && (!phonetic || sim > score) {
				best, score, phonetic = e, sim, true
			}
			continue
		}
		if !phonetic && sim >= m.spelledLike && sim > score {
			best, score = e, sim
		}
	}
	if best == nil {
		return word, 0, false
	}
	return best.canonical, score, true
}

// Correction is one substitution made by [Matcher.Correct].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Correct replaces every word window of text that matches an entity. At
// each position windows from the longest entity length down to one word are
// tried, so multi-word entities win over partial matches. Punctuation
// trailing a window is kept. Words are re-joined with single spaces.
func (m *Matcher) Correct(text string) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(m.entities) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var fixes []Correction
	for i := 0; i < len(tokens); {
		used := 1
		replacement := tokens[i]
		for n := min(m.longest, len(tokens)-i); n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			core := strings.TrimRightFunc(window, isTrailingPunct)
			if core == "" {
				continue
			}
			if name, conf, ok := m.Match(core); ok {
				if name != core {
					fixes = append(fixes, Correction{Original: core, Corrected: name, Confidence: conf})
				}
				used, replacement = n, name+window[len(core):]
				break
			}
		}
		out = append(out, replacement)
		i += used
	}
	return strings.Join(out, " "), fixes
}

func isTrailingPunct(r rune) bool {
	return r != '\'' && r != '’' && (unicode.IsPunct(r) || unicode.IsSymbol(r))
}
