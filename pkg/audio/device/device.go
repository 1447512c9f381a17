// Package device routes decoded audio to the platform's sound output using
// oto.
//
// oto allows exactly one context per process, so the underlying device is a
// process-wide singleton: it is created lazily by the first [Output.Emit] and
// is never torn down between sessions. Every [Output] value shares it, and the
// format requested by the first caller wins.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/narrator/pkg/audio"
)

const (
	// DefaultSampleRate is the device rate used when none is configured.
	DefaultSampleRate = 48000

	// DefaultChannels is the device channel count used when none is configured.
	DefaultChannels = 2

	// pollInterval is how often a playing handle checks for completion.
	pollInterval = 10 * time.Millisecond
)

// ErrEmptyBuffer is returned by Emit for buffers without frames.
var ErrEmptyBuffer = errors.New("device: empty buffer")

var (
	shared struct {
		once   sync.Once
		ctx    *oto.Context
		format audio.Format
		err    error
	}
)

// openContext creates the process-wide oto context on first use.
func openContext(f audio.Format) (*oto.Context, audio.Format, error) {
	shared.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			shared.err = fmt.Errorf("device: open output: %w", err)
			return
		}
		<-ready
		shared.ctx = ctx
		shared.format = f
		slog.Info("audio device opened", "format", f.String())
	})
	return shared.ctx, shared.format, shared.err
}

// Output implements [audio.Output] on top of the shared oto context.
type Output struct {
	format audio.Format
}

// Option configures an [Output].
type Option func(*Output)

// WithFormat requests a device sample rate and channel count. Only the first
// Output to emit audio decides the format of the shared device.
func WithFormat(sampleRate, channels int) Option {
	return func(o *Output) {
		if sampleRate > 0 {
			o.format.SampleRate = sampleRate
		}
		if channels > 0 {
			o.format.Channels = channels
		}
	}
}

// New returns an Output. The device itself is not opened until the first Emit.
func New(opts ...Option) *Output {
	o := &Output{format: audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Emit implements [audio.Output]. The buffer is converted to the device
// format and playback starts before Emit returns. Cancelling ctx stops the
// emission.
func (o *Output) Emit(ctx context.Context, buf *audio.Buffer) (audio.Handle, error) {
	if buf.Empty() {
		return nil, ErrEmptyBuffer
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	otoCtx, format, err := openContext(o.format)
	if err != nil {
		return nil, err
	}

	pcm := encode(buf, format)
	player := otoCtx.NewPlayer(bytes.NewReader(pcm))
	h := &handle{player: player, done: make(chan struct{})}
	player.Play()
	go h.watch(ctx)
	return h, nil
}

// encode converts buf to the device format and serialises it as float32 LE.
func encode(buf *audio.Buffer, f audio.Format) []byte {
	return audio.FloatToBytes(audio.Convert(buf, f).Samples)
}

// handle tracks one oto player.
type handle struct {
	player   *oto.Player
	done     chan struct{}
	stopOnce sync.Once
}

// watch closes done once the player drains or ctx is cancelled.
func (h *handle) watch(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case <-ticker.C:
			if !h.player.IsPlaying() {
				h.Stop()
				return
			}
		}
	}
}

// Stop implements [audio.Handle].
func (h *handle) Stop() {
	h.stopOnce.Do(func() {
		h.player.Pause()
		if err := h.player.Close(); err != nil {
			slog.Debug("audio device: close player", "err", err)
		}
		close(h.done)
	})
}

// Done implements [audio.Handle].
func (h *handle) Done() <-chan struct{} { return h.done }

var _ audio.Output = (*Output)(nil)
