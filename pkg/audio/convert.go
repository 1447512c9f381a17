package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Convert returns buf converted to the target format. If the source format
// already matches, buf is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func Convert(buf *Buffer, target Format) *Buffer {
	if buf == nil {
		return nil
	}
	if buf.SampleRate == target.SampleRate && buf.Channels == target.Channels {
		return buf
	}

	samples := buf.Samples
	channels := buf.Channels

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if buf.SampleRate != target.SampleRate {
		samples = Resample(samples, channels, buf.SampleRate, target.SampleRate)
	}

	// Step 2: Channel conversion.
	if channels != target.Channels {
		switch {
		case channels == 1 && target.Channels == 2:
			samples = MonoToStereo(samples)
		case channels == 2 && target.Channels == 1:
			samples = StereoToMono(samples)
		default:
			samples = remapChannels(samples, channels, target.Channels)
		}
		channels = target.Channels
	}

	return &Buffer{Samples: samples, SampleRate: target.SampleRate, Channels: channels}
}

// PCM16ToFloat reinterprets little-endian signed 16-bit PCM as float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// FloatToPCM16 converts float32 samples to little-endian signed 16-bit PCM,
// clamping out-of-range values.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// FloatToBytes encodes float32 samples as little-endian IEEE-754, the layout
// expected by float32 output devices.
func FloatToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// remapChannels handles layouts other than mono/stereo by averaging the
// source frame and writing the average to every destination channel.
func remapChannels(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]float32, frames*to)
	for i := range frames {
		var sum float32
		for c := range from {
			sum += samples[i*from+c]
		}
		avg := sum / float32(from)
		for c := range to {
			out[i*to+c] = avg
		}
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation per channel. If srcRate == dstRate, the input is returned
// unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range channels {
			s0 := samples[srcIdx*channels+c]
			s1 := samples[next*channels+c]
			out[i*channels+c] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
