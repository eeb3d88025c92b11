// Package listen drives speech segmentation from a looping capture buffer.
//
// A [Listener] polls an [audio.RingBuffer] once per tick, feeds the frames
// written since the previous poll to a [vad.Segmenter] and, when a segment is
// finished, trims it with a [segment.Processor] and hands the clip to a
// [Transcriber]. Listening is switched on and off by the control surface;
// after a successful hand-off it switches itself off unless auto-stop is
// disabled.
package listen

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/lectern/internal/asr"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/segment"
	"github.com/MrWong99/lectern/internal/vad"
	"github.com/MrWong99/lectern/pkg/audio"
)

// ErrNotReady is returned by Start while the transcriber cannot accept clips.
var ErrNotReady = errors.New("listen: transcriber not ready")

// Segment outcomes recorded in addition to [segment.DiscardReason] values.
const (
	OutcomeEmitted  = "emitted"
	OutcomeTooLong  = "too_long"
	OutcomeNotReady = "not_ready"
	OutcomeRejected = "rejected"
)

// Transcriber accepts finished clips.
type Transcriber interface {
	IsReady() bool
	Transcribe(ctx context.Context, clip audio.Clip) (string, error)
}

// Option is a functional option for Listener.
type Option func(*Listener)

// WithAutoStop sets whether listening stops after a clip was handed off.
// Default: true.
func WithAutoStop(on bool) Option {
	return func(l *Listener) {
		l.autoStop = on
	}
}

// WithMetrics overrides the metrics instance. Defaults to
// observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// Listener is the capture polling driver. All methods are safe for
// concurrent use.
type Listener struct {
	ring        *audio.RingBuffer
	segmenter   *vad.Segmenter
	processor   *segment.Processor
	transcriber Transcriber
	metrics     *observe.Metrics

	mu        sync.Mutex
	listening bool
	autoStop  bool
	lastRead  int
}

// New returns an idle Listener reading from ring.
func New(ring *audio.RingBuffer, seg *vad.Segmenter, proc *segment.Processor, tr Transcriber, opts ...Option) (*Listener, error) {
	switch {
	case ring == nil:
		return nil, errors.New("listen: ring buffer must not be nil")
	case seg == nil:
		return nil, errors.New("listen: segmenter must not be nil")
	case proc == nil:
		return nil, errors.New("listen: processor must not be nil")
	case tr == nil:
		return nil, errors.New("listen: transcriber must not be nil")
	}
	l := &Listener{
		ring:        ring,
		segmenter:   seg,
		processor:   proc,
		transcriber: tr,
		autoStop:    true,
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l, nil
}

// Listening reports whether the listener is consuming audio.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// SetAutoStop changes the auto-stop behaviour.
func (l *Listener) SetAutoStop(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoStop = on
}

// Start begins listening from the current capture position. Audio captured
// before Start is ignored. Starting twice is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listening {
		return nil
	}
	if !l.transcriber.IsReady() {
		slog.Warn("listen: transcriber not ready; cannot start listening yet")
		return ErrNotReady
	}
	l.segmenter.Reset()
	l.lastRead = l.ring.Position()
	l.listening = true
	l.metrics.Listening.Add(ctx, 1)
	slog.Info("listen: listening")
	return nil
}

// Stop finalises any pending segment without forcing it and stops
// listening. It reports whether a clip was handed off.
func (l *Listener) Stop(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return false
	}
	handed := l.finalize(ctx, false, false)
	l.stop(ctx)
	slog.Info("listen: stopped listening")
	return handed
}

// Toggle starts or stops listening and reports the new state.
func (l *Listener) Toggle(ctx context.Context) (bool, error) {
	if l.Listening() {
		l.Stop(ctx)
		return false, nil
	}
	if err := l.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Flush finalises the pending segment immediately. With force set, voiced
// segments shorter than the minimum speech duration are kept. It reports
// whether a clip was handed off.
func (l *Listener) Flush(ctx context.Context, force bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return false
	}
	return l.finalize(ctx, force, true)
}

// Tick ingests the frames captured since the previous tick and finalises the
// segment once the silence hang has elapsed.
func (l *Listener) Tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return
	}

	frames := l.ring.Frames()
	pos := l.ring.Position()
	n := (pos - l.lastRead + frames) % frames
	if n > 0 {
		channels := l.ring.Channels()
		tail := min(n, frames-l.lastRead)
		l.segmenter.Ingest(l.ring.ReadFrames(l.lastRead, tail), channels)
		if rest := n - tail; rest > 0 {
			l.segmenter.Ingest(l.ring.ReadFrames(0, rest), channels)
		}
		l.lastRead = pos
	}

	if l.segmenter.ShouldFinalize() {
		l.finalize(ctx, false, true)
	}
}

// finalize must be called with mu held.
func (l *Listener) finalize(ctx context.Context, force, allowAutoStop bool) bool {
	voiced := l.segmenter.InSpeech()
	seg, ok := l.segmenter.Finalize(force)
	if !ok {
		if voiced {
			l.metrics.RecordSegment(ctx, string(segment.DiscardTooShort))
		}
		return false
	}

	clip, reason, ok := l.processor.Process(seg, force)
	if !ok {
		l.metrics.RecordSegment(ctx, string(reason))
		return false
	}

	if len(clip.Samples) > asr.MaxClipSamples {
		slog.Warn("listen: clip too long for one transcription, discarded",
			"seconds", clip.Seconds(),
			"max_seconds", asr.MaxClipSeconds,
		)
		l.metrics.RecordSegment(ctx, OutcomeTooLong)
		return false
	}

	if !l.transcriber.IsReady() {
		slog.Debug("listen: transcriber busy, clip dropped", "seconds", clip.Seconds())
		l.metrics.RecordSegment(ctx, OutcomeNotReady)
		return false
	}
	id, err := l.transcriber.Transcribe(ctx, clip)
	if err != nil {
		slog.Warn("listen: transcribe rejected clip", "err", err)
		l.metrics.RecordSegment(ctx, OutcomeRejected)
		return false
	}
	l.metrics.RecordSegment(ctx, OutcomeEmitted)
	l.metrics.SegmentDuration.Record(ctx, clip.Seconds())
	slog.Debug("listen: clip handed off", "request_id", id, "seconds", clip.Seconds())

	if l.autoStop && allowAutoStop && l.listening {
		l.stop(ctx)
		slog.Info("listen: stopped listening after hand-off")
	}
	return true
}

// stop must be called with mu held.
func (l *Listener) stop(ctx context.Context) {
	l.listening = false
	l.segmenter.Reset()
	l.metrics.Listening.Add(ctx, -1)
}
