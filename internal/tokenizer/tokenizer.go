// Package tokenizer maps decoder token IDs back to text.
//
// The vocabulary is the byte-level BPE table used by Whisper: every token is
// a string whose runes each stand for one byte. Printable Latin-1 bytes map to
// themselves; the remaining 66 "whitespace-like" bytes (control characters,
// space, DEL and the C1 range) are stored shifted above U+0100 so that no
// token contains literal whitespace. Decoding shifts those runes back down,
// takes each rune as a Latin-1 byte and reads the resulting byte string as
// UTF-8.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// shiftBase is the first rune used for shifted bytes.
const shiftBase = 256

// ErrEmptyVocabulary is returned when a vocabulary file contains no tokens.
var ErrEmptyVocabulary = errors.New("tokenizer: vocabulary is empty")

// whitespaceShifts lists, in order, every byte that the vocabulary stores
// shifted above shiftBase. Unused entries stay zero.
var whitespaceShifts = buildShifts()

func buildShifts() [256]byte {
	var table [256]byte
	n := 0
	for i := range 256 {
		if isWhitespace(rune(i)) {
			table[n] = byte(i)
			n++
		}
	}
	return table
}

// isWhitespace reports whether r is outside the printable ranges kept
// verbatim by the vocabulary.
func isWhitespace(r rune) bool {
	return !(('!' <= r && r <= '~') || (0xA0 <= r && r <= 0xFF) || (0x100 <= r && r <= 0x17F))
}

// Vocabulary is an immutable ID-to-token table. It is safe for concurrent
// use.
type Vocabulary struct {
	tokens []string
}

// LoadFile reads a JSON object mapping token strings to IDs.
func LoadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: open %q: %w", path, err)
	}
	defer f.Close()

	v, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %q: %w", path, err)
	}
	return v, nil
}

// Load decodes a JSON object mapping token strings to IDs and inverts it.
// IDs that no token maps to decode as the empty string.
func Load(r io.Reader) (*Vocabulary, error) {
	var raw map[string]int
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("tokenizer: decode json: %w", err)
	}
	return FromMap(raw)
}

// FromMap builds a vocabulary from a token-to-ID map.
func FromMap(m map[string]int) (*Vocabulary, error) {
	if len(m) == 0 {
		return nil, ErrEmptyVocabulary
	}
	maxID := -1
	for tok, id := range m {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer: token %q has negative id %d", tok, id)
		}
		maxID = max(maxID, id)
	}

	tokens := make([]string, maxID+1)
	for tok, id := range m {
		tokens[id] = tok
	}
	if gaps := len(tokens) - len(m); gaps > 0 {
		slog.Warn("tokenizer: vocabulary ids are not contiguous", "tokens", len(m), "size", len(tokens), "gaps", gaps)
	}
	return &Vocabulary{tokens: tokens}, nil
}

// Size returns the number of addressable IDs, i.e. the largest ID plus one.
// Decoder outputs at or above Size are timestamp tokens.
func (v *Vocabulary) Size() int { return len(v.tokens) }

// Token returns the raw vocabulary entry for id, or "" when id is unknown.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// DecodeBytes returns the raw bytes a token stands for. Multi-byte UTF-8
// characters may be split across consecutive tokens, so callers assembling
// a transcript should concatenate bytes and convert once at the end.
func (v *Vocabulary) DecodeBytes(id int) []byte {
	return tokenBytes(v.Token(id))
}

// Decode returns the text for a single token. Invalid UTF-8 is replaced
// with U+FFFD.
func (v *Vocabulary) Decode(id int) string {
	return ToText(v.DecodeBytes(id))
}

// ToText interprets b as UTF-8, replacing invalid sequences with U+FFFD.
func ToText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// tokenBytes shifts whitespace runes down and encodes the token as Latin-1.
// Runes with no Latin-1 form become '?'.
func tokenBytes(tok string) []byte {
	out := make([]byte, 0, len(tok))
	for _, r := range tok {
		if r > shiftBase {
			idx := int(r - shiftBase)
			if idx < len(whitespaceShifts) {
				r = rune(whitespaceShifts[idx])
			} else {
				r = utf8.RuneError
			}
		}
		b, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			b = '?'
		}
		out = append(out, b)
	}
	return out
}
