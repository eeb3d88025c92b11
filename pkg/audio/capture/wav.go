package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/lectern/pkg/audio"
)

// WAVE format tags accepted by DecodeWAV.
const (
	wavPCM   = 1
	wavFloat = 3
)

// wavFormat is the payload of a RIFF "fmt " chunk.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV reads a RIFF/WAVE stream into a float32 clip. Integer PCM of 8
// to 32 bits and 32-bit float data are accepted. Chunks other than "fmt " and
// "data" are skipped.
func DecodeWAV(r io.Reader) (audio.Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return audio.Clip{}, fmt.Errorf("capture: read wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return audio.Clip{}, errors.New("capture: invalid wav: missing RIFF header")
	}
	if string(riff[8:12]) != "WAVE" {
		return audio.Clip{}, errors.New("capture: invalid wav: missing WAVE format")
	}

	var (
		format    wavFormat
		hasFormat bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return audio.Clip{}, errors.New("capture: invalid wav: missing data chunk")
			}
			return audio.Clip{}, fmt.Errorf("capture: read wav chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return audio.Clip{}, fmt.Errorf("capture: invalid wav: fmt chunk of %d bytes", size)
			}
			if err := binary.Read(r, binary.LittleEndian, &format); err != nil {
				return audio.Clip{}, fmt.Errorf("capture: read wav fmt: %w", err)
			}
			if err := skip(r, size-16+size%2); err != nil {
				return audio.Clip{}, err
			}
			hasFormat = true

		case "data":
			if !hasFormat {
				return audio.Clip{}, errors.New("capture: invalid wav: data chunk before fmt chunk")
			}
			if format.AudioFormat != wavPCM && format.AudioFormat != wavFloat {
				return audio.Clip{}, fmt.Errorf("capture: unsupported wav format tag %d", format.AudioFormat)
			}
			if format.NumChannels == 0 || format.SampleRate == 0 {
				return audio.Clip{}, errors.New("capture: invalid wav: zero channels or sample rate")
			}
			pcm := make([]byte, size)
			n, err := io.ReadFull(r, pcm)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return audio.Clip{}, fmt.Errorf("capture: read wav data: %w", err)
			}
			samples, err := audio.DecodePCM(pcm[:n], audio.Encoding{
				Bits:  int(format.BitsPerSample),
				Float: format.AudioFormat == wavFloat,
			})
			if err != nil {
				return audio.Clip{}, fmt.Errorf("capture: wav data: %w", err)
			}
			return audio.Clip{
				Samples:    samples,
				SampleRate: int(format.SampleRate),
				Channels:   int(format.NumChannels),
			}, nil

		default:
			if err := skip(r, size+size%2); err != nil {
				return audio.Clip{}, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("capture: skip wav chunk: %w", err)
	}
	return nil
}
