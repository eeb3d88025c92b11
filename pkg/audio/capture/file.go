package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/lectern/pkg/audio"
)

var _ Device = (*File)(nil)

// File replays a WAV file into the ring buffer at real-time speed. When the
// file ends it either starts over (Loop) or keeps writing silence so that
// pending speech is finalised downstream.
type File struct {
	path string
	loop bool
	opts Options

	// tick overrides the real-time pacing interval in tests.
	tick time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// FileOption configures a [File] device.
type FileOption func(*File)

// WithLoop makes the device restart the file when it reaches the end.
func WithLoop(loop bool) FileOption {
	return func(f *File) { f.loop = loop }
}

// NewFile returns a device replaying the WAV file at path.
func NewFile(path string, opts Options, fopts ...FileOption) *File {
	f := &File{path: path, opts: opts.withDefaults()}
	for _, o := range fopts {
		o(f)
	}
	return f
}

// Start decodes the file, converts it to 16 kHz and begins replay.
func (f *File) Start(ctx context.Context) (*audio.RingBuffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return nil, ErrAlreadyStarted
	}

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", f.path, err)
	}
	clip, err := DecodeWAV(fh)
	fh.Close()
	if err != nil {
		return nil, fmt.Errorf("capture: decode %q: %w", f.path, err)
	}

	samples := audio.Resample(clip.Samples, clip.Channels, clip.SampleRate, audio.SampleRate)
	ring := audio.NewRingBuffer(f.opts.LoopSeconds, audio.SampleRate, clip.Channels)

	slog.Info("file capture started",
		"path", f.path,
		"source_format", audio.FormatString(clip.SampleRate, clip.Channels),
		"seconds", clip.Seconds(),
		"loop", f.loop,
	)

	interval := f.tick
	if interval <= 0 {
		interval = time.Duration(float64(f.opts.FramesPerBuffer) / audio.SampleRate * float64(time.Second))
	}

	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.replay(ctx, samples, clip.Channels, ring, interval, f.done)
	return ring, nil
}

func (f *File) replay(ctx context.Context, samples []float32, channels int, ring *audio.RingBuffer, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	chunk := f.opts.FramesPerBuffer * channels
	silence := make([]float32, chunk)
	pos := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if pos >= len(samples) {
			if f.loop && len(samples) > 0 {
				pos = 0
			} else {
				ring.Write(silence)
				continue
			}
		}
		end := min(pos+chunk, len(samples))
		ring.Write(samples[pos:end])
		pos = end
	}
}

// Stop ends the replay.
func (f *File) Stop() error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
