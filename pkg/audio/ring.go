package audio

import (
	"math"
	"sync"
)

// RingBuffer is a fixed-length looping buffer of interleaved float32 samples.
// A capture device writes into it continuously, overwriting the oldest frames
// once the buffer wraps. Consumers poll [RingBuffer.Position] and copy out the
// frames written since their last poll. Reads never block writers for longer
// than a copy.
//
// A consumer that falls more than one full loop behind silently loses audio.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []float32
	frames   int
	channels int
	rate     int
	pos      int // next frame to be written
}

// NewRingBuffer returns a buffer holding seconds of audio at rate Hz with the
// given channel count.
func NewRingBuffer(seconds float64, rate, channels int) *RingBuffer {
	if channels <= 0 {
		channels = 1
	}
	if rate <= 0 {
		rate = SampleRate
	}
	frames := int(math.Round(seconds * float64(rate)))
	if frames < 1 {
		frames = 1
	}
	return &RingBuffer{
		buf:      make([]float32, frames*channels),
		frames:   frames,
		channels: channels,
		rate:     rate,
	}
}

// Frames returns the capacity of the buffer in frames.
func (r *RingBuffer) Frames() int { return r.frames }

// Channels returns the number of interleaved channels.
func (r *RingBuffer) Channels() int { return r.channels }

// SampleRate returns the sample rate in Hz.
func (r *RingBuffer) SampleRate() int { return r.rate }

// Position returns the frame index the next write will land on.
func (r *RingBuffer) Position() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pos
}

// Write appends interleaved samples, wrapping around at the end of the
// buffer. A trailing partial frame is dropped. If more than one loop of audio
// is written at once only the newest loop is kept.
func (r *RingBuffer) Write(samples []float32) {
	n := len(samples) / r.channels
	if n == 0 {
		return
	}
	if n > r.frames {
		samples = samples[(n-r.frames)*r.channels:]
		n = r.frames
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	first := min(n, r.frames-r.pos)
	copy(r.buf[r.pos*r.channels:], samples[:first*r.channels])
	if rest := n - first; rest > 0 {
		copy(r.buf, samples[first*r.channels:n*r.channels])
	}
	r.pos = (r.pos + n) % r.frames
}

// ReadFrames copies count frames starting at frame start into a new
// interleaved slice. Both start and the range wrap around the buffer end.
func (r *RingBuffer) ReadFrames(start, count int) []float32 {
	if count <= 0 {
		return nil
	}
	count = min(count, r.frames)
	start = ((start % r.frames) + r.frames) % r.frames

	out := make([]float32, count*r.channels)

	r.mu.RLock()
	defer r.mu.RUnlock()

	first := min(count, r.frames-start)
	copy(out, r.buf[start*r.channels:(start+first)*r.channels])
	if rest := count - first; rest > 0 {
		copy(out[first*r.channels:], r.buf[:rest*r.channels])
	}
	return out
}
