// Package vad turns a continuous stream of captured audio chunks into discrete
// speech segments using an energy gate.
//
// A [Segmenter] idles in a not-in-speech state, keeping a short pre-roll of
// recent audio. When a chunk's peak amplitude reaches the start threshold the
// segment opens, the pre-roll is prepended so the first syllable is not cut,
// and every following chunk is accumulated. Quiet chunks advance a silence
// timer; once it reaches the silence hang the caller finalises the segment.
//
// An optional [Gate] (for example the Silero model in the silero
// sub-package) must additionally confirm voice before a segment opens.
//
// Segmenter is safe for concurrent use. Configuration may be replaced at any
// time with [Segmenter.SetConfig]; the new thresholds apply from the next
// chunk.
package vad

import (
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/lectern/pkg/audio"
)

// Config holds the segmentation thresholds. Amplitudes are absolute sample
// values in [0, 1]; durations are in seconds.
type Config struct {
	// SampleRate of the incoming audio. Default: 16000.
	SampleRate int

	// SilenceThreshold is the peak below which an in-speech chunk counts as
	// silence. Default: 0.02.
	SilenceThreshold float64

	// StartThreshold is the peak at or above which speech begins.
	// Default: 0.03.
	StartThreshold float64

	// SilenceHangSeconds is the continuous silence that ends a segment.
	// Default: 1.0.
	SilenceHangSeconds float64

	// MinSpeechSeconds is the shortest segment kept by a non-forced
	// finalisation. Default: 0.35.
	MinSpeechSeconds float64

	// PreRollSeconds of audio before the onset are prepended to each
	// segment. Default: 0.20.
	PreRollSeconds float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SampleRate:         audio.SampleRate,
		SilenceThreshold:   0.02,
		StartThreshold:     0.03,
		SilenceHangSeconds: 1.0,
		MinSpeechSeconds:   0.35,
		PreRollSeconds:     0.20,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	return c
}

// Segment is a finished stretch of captured audio.
type Segment struct {
	// Samples are interleaved float32 samples including the pre-roll.
	Samples []float32

	// Channels per frame.
	Channels int

	// SampleRate in Hz.
	SampleRate int

	// HasVoice reports whether any chunk crossed the start threshold.
	HasVoice bool
}

// Clip returns the segment as an [audio.Clip].
func (s Segment) Clip() audio.Clip {
	return audio.Clip{Samples: s.Samples, SampleRate: s.SampleRate, Channels: s.Channels}
}

// Seconds returns the segment length.
func (s Segment) Seconds() float64 {
	return s.Clip().Seconds()
}

// Gate is a secondary voice detector consulted before a segment opens.
// Observe is called with every mono chunk received while idle and reports
// whether the recent audio contains speech.
type Gate interface {
	Observe(mono []float32) (bool, error)
	Reset() error
}

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithGate installs a secondary voice gate.
func WithGate(g Gate) Option {
	return func(s *Segmenter) { s.gate = g }
}

// Segmenter accumulates speech segments from captured chunks.
type Segmenter struct {
	mu   sync.Mutex
	cfg  Config
	gate Gate

	inSpeech       bool
	hasVoice       bool
	silenceSeconds float64
	channels       int
	active         []float32
	preRoll        *preRoll
}

// New returns an idle Segmenter.
func New(cfg Config, opts ...Option) *Segmenter {
	s := &Segmenter{
		cfg:     cfg.withDefaults(),
		preRoll: &preRoll{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the thresholds currently in effect.
func (s *Segmenter) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetConfig replaces the thresholds. The pre-roll is trimmed to the new
// capacity on the next idle chunk.
func (s *Segmenter) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// InSpeech reports whether a segment is currently open.
func (s *Segmenter) InSpeech() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSpeech
}

// Ingest feeds one chunk of interleaved samples.
func (s *Segmenter) Ingest(samples []float32, channels int) {
	if len(samples) == 0 {
		return
	}
	if channels <= 0 {
		channels = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peak := audio.Peak(samples, channels)
	chunkSeconds := float64(len(samples)) / float64(channels*s.cfg.SampleRate)

	if !s.inSpeech {
		voiced := peak >= float32(s.cfg.StartThreshold)
		if s.gate != nil {
			confirmed, err := s.gate.Observe(audio.ToMono(samples, channels))
			if err != nil {
				slog.Warn("vad: voice gate failed, using energy only", "err", err)
			} else {
				voiced = voiced && confirmed
			}
		}

		if voiced {
			s.inSpeech = true
			s.hasVoice = true
			s.silenceSeconds = 0
			s.channels = channels
			s.active = append(s.active[:0], s.preRoll.drain()...)
			s.active = append(s.active, samples...)
			slog.Debug("vad: speech started", "peak", peak)
			return
		}

		s.preRoll.push(samples, preRollCapacity(s.cfg, channels))
		return
	}

	s.active = append(s.active, samples...)
	if peak < float32(s.cfg.SilenceThreshold) {
		s.silenceSeconds += chunkSeconds
	} else {
		s.silenceSeconds = 0
	}
}

// ShouldFinalize reports whether an open segment has been silent for at
// least the silence hang.
func (s *Segmenter) ShouldFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasVoice && s.silenceSeconds >= s.cfg.SilenceHangSeconds
}

// Finalize closes the current segment and resets the segmenter to idle.
//
// The second return value is false when there is nothing to hand over: the
// segment never contained voice, or it is shorter than MinSpeechSeconds and
// force is not set.
func (s *Segmenter) Finalize(force bool) (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := Segment{
		Samples:    s.active,
		Channels:   max(s.channels, 1),
		SampleRate: s.cfg.SampleRate,
		HasVoice:   s.hasVoice,
	}
	s.reset()

	if !seg.HasVoice {
		return Segment{}, false
	}
	if !force && seg.Seconds() < s.cfg.MinSpeechSeconds {
		slog.Debug("vad: segment too short, discarded", "seconds", seg.Seconds())
		return Segment{}, false
	}
	return seg, true
}

// Reset discards any open segment and the pre-roll.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Segmenter) reset() {
	s.inSpeech = false
	s.hasVoice = false
	s.silenceSeconds = 0
	s.channels = 0
	s.active = nil
	s.preRoll.clear()
	if s.gate != nil {
		if err := s.gate.Reset(); err != nil {
			slog.Debug("vad: voice gate reset failed", "err", err)
		}
	}
}

// preRollCapacity is the pre-roll size in samples, never less than one.
func preRollCapacity(cfg Config, channels int) int {
	n := int(math.Round(cfg.PreRollSeconds * float64(cfg.SampleRate) * float64(channels)))
	return max(n, 1)
}
