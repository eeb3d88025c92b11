// Package capture provides audio input devices that continuously write into an
// [audio.RingBuffer]. Two devices ship with Lectern: [Microphone] records the
// default PortAudio input and [File] replays a WAV file in real time, which is
// useful for demos and soak tests without a microphone attached.
package capture

import (
	"context"
	"errors"

	"github.com/MrWong99/lectern/pkg/audio"
)

// ErrAlreadyStarted is returned when Start is called on a running device.
var ErrAlreadyStarted = errors.New("capture: device already started")

// ErrStopped is returned when Start is called on a device that was stopped.
var ErrStopped = errors.New("capture: device stopped")

// Device is a looping audio input.
//
// Start opens the input and begins writing into a ring buffer holding
// LoopSeconds of audio. The buffer stays valid until Stop is called or ctx is
// cancelled. Stop is idempotent.
type Device interface {
	Start(ctx context.Context) (*audio.RingBuffer, error)
	Stop() error
}

// Options holds the settings shared by all devices.
type Options struct {
	// LoopSeconds is the ring buffer length. Default: 30.
	LoopSeconds float64

	// Channels requested from the input. Default: 1.
	Channels int

	// FramesPerBuffer is the number of frames moved per read. Default: 512.
	FramesPerBuffer int
}

func (o Options) withDefaults() Options {
	if o.LoopSeconds <= 0 {
		o.LoopSeconds = 30
	}
	if o.Channels <= 0 {
		o.Channels = 1
	}
	if o.FramesPerBuffer <= 0 {
		o.FramesPerBuffer = 512
	}
	return o
}
