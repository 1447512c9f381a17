// Package local provides the on-host speech engine used when no remote
// backend can produce audio. It shells out to espeak-ng, which writes a
// 22.05 kHz mono WAV file to stdout.
//
// The engine never reports failures: a missing binary, a non-zero exit or an
// empty result is logged and surfaces as "no audio produced" so that a
// narration loop can carry on.
package local

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

const (
	defaultBinary     = "espeak-ng"
	defaultSampleRate = 22050
	defaultWPM        = 165
)

// runFunc executes name with args and returns stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			slog.Debug("local tts: stderr", "output", stderr.String())
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Option is a functional option for configuring the local Provider.
type Option func(*Provider)

// WithBinary sets the espeak-ng executable path.
func WithBinary(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.binary = path
		}
	}
}

// WithWordsPerMinute sets the speaking rate.
func WithWordsPerMinute(wpm int) Option {
	return func(p *Provider) {
		if wpm > 0 {
			p.wpm = wpm
		}
	}
}

// Provider implements tts.Provider with espeak-ng.
type Provider struct {
	binary string
	wpm    int
	run    runFunc
}

// New creates a local Provider.
func New(opts ...Option) *Provider {
	p := &Provider{binary: defaultBinary, wpm: defaultWPM, run: execRun}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Kind { return tts.KindLocal }

// Synthesize implements tts.Provider. It always returns a nil error; failures
// yield an Audio with nil Data.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	voice := req.Voice
	if voice == "" {
		voice = tts.BaseLanguage(req.Language)
	}
	out, err := p.run(ctx, p.binary,
		"--stdout",
		"-v", voice,
		"-s", strconv.Itoa(p.wpm),
		"--", req.Text,
	)
	if err != nil {
		slog.Warn("local tts: synthesis failed, continuing without audio", "voice", voice, "err", err)
		return tts.Audio{}, nil
	}
	if !pcm.HasWAVHeader(out) || len(out) <= pcm.HeaderSize {
		slog.Warn("local tts: engine produced no audio", "voice", voice, "bytes", len(out))
		return tts.Audio{}, nil
	}
	return tts.Audio{
		Data:     out,
		Encoding: pcm.EncodingPCM,
		Format:   audio.Format{SampleRate: defaultSampleRate, Channels: 1},
		MIME:     "audio/wav",
	}, nil
}

var _ tts.Provider = (*Provider)(nil)
