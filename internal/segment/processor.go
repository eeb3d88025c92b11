// Package segment prepares finished speech segments for inference: it cuts
// long silences, enforces the minimum duration and down-mixes to mono.
package segment

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/lectern/internal/vad"
	"github.com/MrWong99/lectern/pkg/audio"
)

// Config holds the trim and duration policy.
type Config struct {
	// SilenceThreshold is the amplitude below which a frame counts as
	// silence when trimming. Default: 0.02.
	SilenceThreshold float64

	// MinSilenceSeconds is the shortest silence run that is removed. Shorter
	// pauses are kept so words are not glued together. Default: 0.5.
	MinSilenceSeconds float64

	// MinSpeechSeconds is the shortest trimmed clip kept by a non-forced
	// pass. Default: 0.35.
	MinSpeechSeconds float64
}

// DefaultConfig returns the default trim policy.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:  0.02,
		MinSilenceSeconds: 0.5,
		MinSpeechSeconds:  0.35,
	}
}

// DiscardReason explains why [Processor.Process] produced nothing.
type DiscardReason string

const (
	DiscardNone     DiscardReason = ""
	DiscardNoVoice  DiscardReason = "no_voice"
	DiscardSilent   DiscardReason = "silent"
	DiscardTooShort DiscardReason = "too_short"
)

// Processor trims and down-mixes segments. It is safe for concurrent use.
type Processor struct {
	mu  sync.RWMutex
	cfg Config
}

// New returns a Processor using cfg.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg}
}

// Config returns the policy in effect.
func (p *Processor) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the policy.
func (p *Processor) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Process trims silence from seg, applies the minimum duration unless force
// is set and returns a mono clip at the segment's sample rate. When nothing
// survives, ok is false and reason says why.
func (p *Processor) Process(seg vad.Segment, force bool) (clip audio.Clip, reason DiscardReason, ok bool) {
	cfg := p.Config()

	if !seg.HasVoice {
		return audio.Clip{}, DiscardNoVoice, false
	}

	trimmed := TrimSilence(seg.Clip(), cfg.SilenceThreshold, cfg.MinSilenceSeconds)
	if len(trimmed.Samples) == 0 {
		slog.Debug("segment: nothing left after trim", "seconds", seg.Seconds())
		return audio.Clip{}, DiscardSilent, false
	}
	if !force && trimmed.Seconds() < cfg.MinSpeechSeconds {
		slog.Debug("segment: trimmed clip too short", "seconds", trimmed.Seconds())
		return audio.Clip{}, DiscardTooShort, false
	}
	if trimmed.Channels > 1 {
		trimmed = trimmed.ToMono()
	}
	return trimmed, DiscardNone, true
}

// TrimSilence removes silence runs of at least minSilenceSeconds. Loudness
// is judged on the first channel of each frame. Shorter runs between voiced
// frames are kept verbatim; any silence after the last voiced frame is
// always dropped.
func TrimSilence(c audio.Clip, threshold, minSilenceSeconds float64) audio.Clip {
	channels := max(c.Channels, 1)
	rate := c.SampleRate
	if rate <= 0 {
		rate = audio.SampleRate
	}
	minFrames := minSilenceSeconds * float64(rate)

	data := c.Samples
	frames := len(data) / channels
	out := make([]float32, 0, len(data))

	quiet := float32(threshold)
	inSilence := false
	silenceStart := 0 // first frame of the current silence run

	for f := range frames {
		i := f * channels
		if abs32(data[i]) < quiet {
			if !inSilence {
				inSilence = true
				silenceStart = f
			}
			continue
		}
		if inSilence {
			if float64(f-silenceStart) < minFrames {
				out = append(out, data[silenceStart*channels:i]...)
			}
			inSilence = false
		}
		out = append(out, data[i:i+channels]...)
	}

	return audio.Clip{Samples: out, SampleRate: rate, Channels: channels}
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
