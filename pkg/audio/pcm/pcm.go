// Package pcm decodes synthesis payloads into playable [audio.Buffer] values.
//
// Providers return logically identical audio in different shapes: an MP3
// container, a WAV file, or bare little-endian int16 samples. [Decoder.Decode]
// tries the container path first and falls back to headerless linear PCM,
// skipping a leading 44-byte RIFF/WAVE header when one is present.
package pcm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/narrator/pkg/audio"
)

const (
	// HeaderSize is the size of the canonical RIFF/WAVE PCM header skipped
	// on the linear PCM path.
	HeaderSize = 44

	// DefaultSampleRate is the rate assumed for headerless PCM payloads.
	DefaultSampleRate = 24000

	// DefaultChannels is the channel count assumed for headerless PCM payloads.
	DefaultChannels = 1
)

// ErrEmpty is returned when a payload contains no audio samples.
var ErrEmpty = errors.New("pcm: payload contains no audio")

// Encoding tags how a payload should be interpreted.
type Encoding uint8

const (
	// EncodingUnknown lets the decoder sniff the payload.
	EncodingUnknown Encoding = iota

	// EncodingPCM is headerless (or WAV-wrapped) signed 16-bit little-endian PCM.
	EncodingPCM

	// EncodingContainer is a compressed container format such as MP3.
	EncodingContainer
)

// String returns the lowercase name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingPCM:
		return "pcm"
	case EncodingContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Decoder converts raw payload bytes to [audio.Buffer]. A Decoder is
// immutable after construction and safe for concurrent use.
type Decoder struct {
	format audio.Format
}

// Option configures a [Decoder].
type Option func(*Decoder)

// WithFormat sets the sample rate and channel count assumed for headerless PCM.
// Non-positive values keep the defaults.
func WithFormat(sampleRate, channels int) Option {
	return func(d *Decoder) {
		if sampleRate > 0 {
			d.format.SampleRate = sampleRate
		}
		if channels > 0 {
			d.format.Channels = channels
		}
	}
}

// New creates a Decoder that assumes [DefaultSampleRate] mono PCM unless
// overridden with [WithFormat].
func New(opts ...Option) *Decoder {
	d := &Decoder{format: audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Format returns the format assumed for headerless PCM.
func (d *Decoder) Format() audio.Format { return d.format }

// Decode attempts container decoding first and falls back to linear PCM at
// the decoder's configured format.
func (d *Decoder) Decode(data []byte) (*audio.Buffer, error) {
	return d.DecodeAs(data, EncodingUnknown, audio.Format{})
}

// DecodeAs decodes data using an encoding hint. For [EncodingPCM] the given
// format overrides the decoder default when non-zero and the container path
// is skipped. Container decoding failures always fall back to PCM.
func (d *Decoder) DecodeAs(data []byte, enc Encoding, f audio.Format) (*audio.Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if f.SampleRate <= 0 {
		f.SampleRate = d.format.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = d.format.Channels
	}

	if enc != EncodingPCM && looksLikeMP3(data) {
		if buf, err := DecodeMP3(data); err == nil {
			return buf, nil
		}
	}
	return DecodePCM(data, f)
}

// DecodePCM interprets data as signed 16-bit little-endian PCM in format f,
// skipping a leading [HeaderSize]-byte RIFF/WAVE header if present.
func DecodePCM(data []byte, f audio.Format) (*audio.Buffer, error) {
	if HasWAVHeader(data) {
		data = data[HeaderSize:]
	}
	if len(data) < 2 {
		return nil, ErrEmpty
	}
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("pcm: invalid format %s", f)
	}
	samples := audio.PCM16ToFloat(data)
	// Drop a partial trailing frame so the buffer stays frame-aligned.
	samples = samples[:len(samples)-len(samples)%f.Channels]
	if len(samples) == 0 {
		return nil, ErrEmpty
	}
	return &audio.Buffer{Samples: samples, SampleRate: f.SampleRate, Channels: f.Channels}, nil
}

// DecodeMP3 decodes an MP3 stream into a stereo buffer at the stream's
// native sample rate.
func DecodeMP3(data []byte) (*audio.Buffer, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pcm: mp3 header: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("pcm: mp3 decode: %w", err)
	}
	// go-mp3 always produces interleaved 16-bit stereo.
	pcm = pcm[:len(pcm)-len(pcm)%4]
	if len(pcm) == 0 {
		return nil, ErrEmpty
	}
	return &audio.Buffer{
		Samples:    audio.PCM16ToFloat(pcm),
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}

// HasWAVHeader reports whether data starts with a RIFF/WAVE signature and is
// long enough to carry the canonical header.
func HasWAVHeader(data []byte) bool {
	return len(data) >= HeaderSize &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// looksLikeMP3 reports whether data opens with two consecutive MPEG Layer III
// frame headers of the same stream, optionally behind an ID3v2 tag. A lone
// sync word is not enough: signed 16-bit PCM starts with 0xFF 0xEx whenever
// its first sample is a small negative value.
func looksLikeMP3(data []byte) bool {
	off := 0
	if len(data) >= id3HeaderSize && string(data[:3]) == "ID3" {
		size := int(data[6]&0x7f)<<21 | int(data[7]&0x7f)<<14 | int(data[8]&0x7f)<<7 | int(data[9]&0x7f)
		off = id3HeaderSize + size
		if off >= len(data) {
			return false
		}
	}
	first, ok := parseFrameHeader(data[off:])
	if !ok {
		return false
	}
	next := off + first.size
	if next >= len(data) {
		return next == len(data)
	}
	second, ok := parseFrameHeader(data[next:])
	return ok && second.lsf == first.lsf && second.sampleRate == first.sampleRate
}

const id3HeaderSize = 10

// Layer III bitrates in kbit/s by bitrate index, for MPEG-1 and MPEG-2.
var layer3Bitrates = [2][16]int{
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
	{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
}

var mpeg1SampleRates = [3]int{44100, 48000, 32000}

// frameHeader is the part of an MPEG audio frame header needed to find the
// next frame.
type frameHeader struct {
	lsf        int // 0 for MPEG-1, 1 for MPEG-2
	sampleRate int
	size       int
}

// parseFrameHeader decodes the 4-byte header at the start of b. Only the
// MPEG-1 and MPEG-2 Layer III streams go-mp3 can decode are accepted; free
// format and reserved fields are rejected.
func parseFrameHeader(b []byte) (frameHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, false
	}
	var lsf int
	switch (b[1] >> 3) & 0x3 {
	case 3:
	case 2:
		lsf = 1
	default:
		return frameHeader{}, false
	}
	if (b[1]>>1)&0x3 != 1 {
		return frameHeader{}, false
	}
	kbps := layer3Bitrates[lsf][b[2]>>4]
	sr := int((b[2] >> 2) & 0x3)
	if kbps == 0 || sr == 3 || b[3]&0x3 == 2 {
		return frameHeader{}, false
	}
	rate := mpeg1SampleRates[sr] >> lsf
	padding := int((b[2] >> 1) & 0x1)
	return frameHeader{
		lsf:        lsf,
		sampleRate: rate,
		size:       (144>>lsf)*kbps*1000/rate + padding,
	}, true
}
