package asr

import (
	"strconv"
)

// Special token IDs of the multilingual vocabulary.
const (
	TokenEndOfText         int32 = 50257
	TokenStartOfTranscript int32 = 50258
	TokenEnglish           int32 = 50259
	TokenTranscribe        int32 = 50359
	TokenNoTimestamps      int32 = 50363
	TokenTimestampBase     int32 = 50364
)

// SequenceCapacity is the fixed size of a token history.
const SequenceCapacity = 100

// timestampStep is the duration of one timestamp token in seconds.
const timestampStep float32 = 0.02

var seedTokens = [...]int32{
	TokenStartOfTranscript,
	TokenEnglish,
	TokenTranscribe,
	TokenNoTimestamps,
}

// MaxDecodeSteps is the most tokens one transcription can generate.
const MaxDecodeSteps = SequenceCapacity - len(seedTokens)

// TokenSequence is the decoder's token history: a fixed-capacity array
// seeded with the control tokens. The zero value is not seeded; use
// NewTokenSequence or Reset.
type TokenSequence struct {
	ids [SequenceCapacity]int32
	pos int
}

// NewTokenSequence returns a seeded sequence.
func NewTokenSequence() TokenSequence {
	var s TokenSequence
	s.Reset()
	return s
}

// Reset clears generated tokens and re-seeds the control tokens.
func (s *TokenSequence) Reset() {
	s.ids = [SequenceCapacity]int32{}
	copy(s.ids[:], seedTokens[:])
	s.pos = len(seedTokens) - 1
}

// Position returns the index of the last filled slot.
func (s *TokenSequence) Position() int { return s.pos }

// Prefix returns the filled part of the history. The slice aliases the
// sequence and is only valid until the next Append or Reset.
func (s *TokenSequence) Prefix() []int32 { return s.ids[:s.pos+1] }

// Full reports whether the sequence reached capacity minus one, after which
// no further step may run.
func (s *TokenSequence) Full() bool { return s.pos >= SequenceCapacity-1 }

// Append stores id in the next slot. It reports false when the sequence is
// full.
func (s *TokenSequence) Append(id int32) bool {
	if s.Full() {
		return false
	}
	s.pos++
	s.ids[s.pos] = id
	return true
}

// Steps returns the number of generated tokens.
func (s *TokenSequence) Steps() int { return s.pos - (len(seedTokens) - 1) }

// Generated returns a copy of the tokens after the seed.
func (s *TokenSequence) Generated() []int32 {
	return append([]int32(nil), s.ids[len(seedTokens):s.pos+1]...)
}

// TimeMarker formats a timestamp token as "(time=<seconds>)". The offset is
// computed in single precision, so 50364+50 yields "(time=1)".
func TimeMarker(id int32) string {
	sec := float32(id-TokenTimestampBase) * timestampStep
	return "(time=" + strconv.FormatFloat(float64(sec), 'f', -1, 32) + ")"
}
