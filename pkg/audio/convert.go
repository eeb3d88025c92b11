package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ToMono down-mixes interleaved samples by averaging each frame. Mono input
// is copied. A trailing partial frame is dropped.
func ToMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return append([]float32(nil), samples...)
	}
	out := make([]float32, len(samples)/channels)
	scale := 1 / float32(channels)
	for f := range out {
		var acc float32
		for _, s := range samples[f*channels : (f+1)*channels] {
			acc += s
		}
		out[f] = acc * scale
	}
	return out
}

// Peak returns the largest absolute value of the first channel. Other
// channels are not inspected.
func Peak(samples []float32, channels int) float32 {
	step := max(channels, 1)
	var peak float32
	for i := 0; i < len(samples); i += step {
		peak = max(peak, float32(math.Abs(float64(samples[i]))))
	}
	return peak
}

// Encoding describes how one PCM sample is stored: little-endian signed
// integers of Bits width (8-bit data is unsigned), or IEEE floats when Float
// is set.
type Encoding struct {
	Bits  int
	Float bool
}

func (e Encoding) String() string {
	if e.Float {
		return fmt.Sprintf("float%d", e.Bits)
	}
	return fmt.Sprintf("int%d", e.Bits)
}

// DecodePCM converts raw PCM bytes to float32 samples in [-1, 1]. Supported
// encodings are 8, 16, 24 and 32-bit integers and 32-bit floats. Bytes after
// the last whole sample are ignored.
func DecodePCM(data []byte, enc Encoding) ([]float32, error) {
	width := enc.Bits / 8
	var sample func(b []byte) float32
	switch {
	case enc.Float && enc.Bits == 32:
		sample = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case enc.Float:
		return nil, fmt.Errorf("audio: unsupported sample encoding %s", enc)
	case enc.Bits == 8:
		sample = func(b []byte) float32 { return float32(int(b[0])-128) / 128 }
	case enc.Bits == 16:
		sample = func(b []byte) float32 { return float32(int16(binary.LittleEndian.Uint16(b))) / (1 << 15) }
	case enc.Bits == 24:
		sample = func(b []byte) float32 {
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			return float32(v) / (1 << 23)
		}
	case enc.Bits == 32:
		sample = func(b []byte) float32 { return float32(int32(binary.LittleEndian.Uint32(b))) / (1 << 31) }
	default:
		return nil, fmt.Errorf("audio: unsupported sample encoding %s", enc)
	}

	out := make([]float32, len(data)/width)
	for i := range out {
		out[i] = sample(data[i*width:])
	}
	return out, nil
}

// Resample converts interleaved audio from srcRate to dstRate by linear
// interpolation within each channel. Equal or invalid rates return samples
// as is.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	channels = max(channels, 1)
	inFrames := len(samples) / channels
	outFrames := int(int64(inFrames) * int64(dstRate) / int64(srcRate))
	if outFrames == 0 {
		return nil
	}

	out := make([]float32, outFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for f := range outFrames {
		pos := float64(f) * step
		lo := int(pos)
		hi := min(lo+1, inFrames-1)
		w := float32(pos - float64(lo))
		a := samples[lo*channels : lo*channels+channels]
		b := samples[hi*channels : hi*channels+channels]
		dst := out[f*channels : f*channels+channels]
		for c := range dst {
			dst[c] = a[c] + (b[c]-a[c])*w
		}
	}
	return out
}

// FormatString describes a stream layout, e.g. "16000Hz mono".
func FormatString(rate, channels int) string {
	layout := fmt.Sprintf("%dch", channels)
	switch channels {
	case 1:
		layout = "mono"
	case 2:
		layout = "stereo"
	}
	return fmt.Sprintf("%dHz %s", rate, layout)
}
