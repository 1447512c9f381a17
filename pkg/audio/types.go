// Package audio defines the decoded audio representation shared by the
// decoder, the synthesis gateway and the playback layer, together with the
// contract every audio sink fulfils.
package audio

import (
	"context"
	"time"
)

// Buffer is decoded, playable audio. Samples are interleaved float32 values
// normalised to [-1, 1].
type Buffer struct {
	// Samples holds Channels interleaved values per frame.
	Samples []float32

	// SampleRate in Hz (e.g., 24000 for Gemini PCM, 44100 for MP3).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Empty reports whether the buffer holds no audible frames.
func (b *Buffer) Empty() bool {
	return b.Frames() == 0
}

// Format returns the sample rate and channel layout of the buffer.
func (b *Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Output is an audio sink. All audible output of the process routes through a
// single Output; implementations must be safe for concurrent use.
type Output interface {
	// Emit schedules buf for playback and returns as soon as playback has
	// started. The returned [Handle] reports completion and allows the caller
	// to cut playback short.
	Emit(ctx context.Context, buf *Buffer) (Handle, error)
}

// Handle controls a single scheduled emission.
type Handle interface {
	// Stop silences the emission and releases its resources. Stop is
	// idempotent and safe to call after playback has finished.
	Stop()

	// Done is closed when playback finished or was stopped.
	Done() <-chan struct{}
}
