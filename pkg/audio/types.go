// Package audio holds the sample containers shared by the capture, segmentation
// and inference stages: a fixed-size interleaved [RingBuffer] written by a
// capture device, and the [Clip] handed from segmentation to inference.
//
// All samples are float32 in the range [-1.0, 1.0], interleaved by channel.
package audio

import "time"

// SampleRate is the rate every stage of the pipeline operates at.
const SampleRate = 16000

// Clip is a finished piece of audio, typically one utterance.
type Clip struct {
	// Samples are interleaved float32 samples.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels per frame. 1 for the mono clips produced by post-processing.
	Channels int
}

// Frames returns the number of sample frames in the clip.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return len(c.Samples)
	}
	return len(c.Samples) / c.Channels
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Frames()) / float64(c.SampleRate) * float64(time.Second))
}

// Seconds returns the playback length of the clip in seconds.
func (c Clip) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// ToMono returns a copy of c down-mixed to a single channel.
func (c Clip) ToMono() Clip {
	return Clip{
		Samples:    ToMono(c.Samples, c.Channels),
		SampleRate: c.SampleRate,
		Channels:   1,
	}
}
