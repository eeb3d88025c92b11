package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lectern/pkg/audio"
)

var _ Device = (*Microphone)(nil)

// Microphone records the system default input device through PortAudio.
type Microphone struct {
	opts Options

	mu         sync.Mutex
	stream     *portaudio.Stream
	running    bool
	terminated bool
	done       chan struct{}
}

// NewMicrophone initialises PortAudio. Call Stop to release it.
func NewMicrophone(opts Options) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: portaudio init: %w", err)
	}
	return &Microphone{opts: opts.withDefaults()}, nil
}

// Start opens the default input stream at 16 kHz and starts the read loop.
func (m *Microphone) Start(ctx context.Context) (*audio.RingBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil, ErrAlreadyStarted
	}
	if m.terminated {
		return nil, ErrStopped
	}

	ring := audio.NewRingBuffer(m.opts.LoopSeconds, audio.SampleRate, m.opts.Channels)
	buf := make([]float32, m.opts.FramesPerBuffer*m.opts.Channels)

	stream, err := portaudio.OpenDefaultStream(
		m.opts.Channels, // input channels
		0,               // output channels
		float64(audio.SampleRate),
		m.opts.FramesPerBuffer,
		buf,
	)
	if err != nil {
		return nil, fmt.Errorf("capture: open default stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("capture: start stream: %w", err)
	}

	m.stream = stream
	m.running = true
	m.done = make(chan struct{})

	slog.Info("microphone capture started",
		"format", audio.FormatString(audio.SampleRate, m.opts.Channels),
		"loop_seconds", m.opts.LoopSeconds,
	)

	go m.readLoop(ctx, stream, buf, ring, m.done)
	return ring, nil
}

func (m *Microphone) readLoop(ctx context.Context, stream *portaudio.Stream, buf []float32, ring *audio.RingBuffer, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil || !m.isRunning() {
			return
		}
		// Read blocks until FramesPerBuffer frames are available.
		if err := stream.Read(); err != nil {
			if !m.isRunning() {
				return
			}
			slog.Debug("microphone read failed", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		ring.Write(buf)
	}
}

func (m *Microphone) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop closes the stream and terminates PortAudio.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	m.running = false
	stream := m.stream
	done := m.done
	m.stream = nil
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	var err error
	if stream != nil {
		if e := stream.Stop(); e != nil {
			err = fmt.Errorf("capture: stop stream: %w", e)
		}
		_ = stream.Close()
	}
	if e := portaudio.Terminate(); e != nil && err == nil {
		err = fmt.Errorf("capture: portaudio terminate: %w", e)
	}
	return err
}
