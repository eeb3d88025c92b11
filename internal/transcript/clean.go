package transcript

import (
	"regexp"
	"strings"

	"github.com/MrWong99/lectern/internal/transcript/phonetic"
)

// DefaultCanonicalName replaces the "Mr./Mister R..." misrecognitions.
const DefaultCanonicalName = "Mr. Rashed"

var _ EntityCorrector = (*phonetic.Matcher)(nil)

var (
	blankAudioRe = regexp.MustCompile(`(?i)\s*\[(?:blank_audio|blank audio)\]\s*`)
	youOnlyRe    = regexp.MustCompile(`(?i)^\s*you\s*[.!?"]?\s*$`)
	spacesRe     = regexp.MustCompile(`\s{2,}`)

	// The name body excludes apostrophes so that a possessive suffix is
	// captured separately and re-attached.
	honorificRe = regexp.MustCompile(`(?i)\bM(?:r|ister)\.?\s*R[a-zA-Z][a-zA-Z\-]{0,20}(?P<poss>'s|’s)?`)
)

// EntityCorrector replaces misheard proper nouns in a line.
// *phonetic.Matcher satisfies it.
type EntityCorrector interface {
	Correct(text string) (string, []phonetic.Correction)
}

// Cleaner removes decoder artifacts from raw transcript lines.
type Cleaner struct {
	canonical string
	entities  EntityCorrector
}

// NewCleaner returns a Cleaner that rewrites honorific misrecognitions to
// canonical (DefaultCanonicalName when blank). entities may be nil.
func NewCleaner(canonical string, entities EntityCorrector) *Cleaner {
	canonical = strings.TrimSpace(canonical)
	if canonical == "" {
		canonical = DefaultCanonicalName
	}
	return &Cleaner{canonical: canonical, entities: entities}
}

// Clean strips "[blank_audio]" markers, canonicalises the name, corrects
// known entities and collapses whitespace. Lines consisting only of "you"
// are decoder noise and yield the empty string.
func (c *Cleaner) Clean(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	s := blankAudioRe.ReplaceAllString(raw, " ")
	poss := honorificRe.SubexpIndex("poss")
	s = honorificRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := honorificRe.FindStringSubmatch(match)
		return c.canonical + sub[poss]
	})
	if c.entities != nil {
		s, _ = c.entities.Correct(s)
	}
	s = strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
	if youOnlyRe.MatchString(s) {
		return ""
	}
	return s
}
