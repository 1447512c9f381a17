package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// Synthesizer produces audio for one unit. [*gateway.Gateway] implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req gateway.Request) gateway.Result
}

// Narrator plays an ordered list of units as one session: synthesize, emit,
// wait for the unit to finish, then move to the next. Before each unit and
// after every suspension it checks that its session is still current.
type Narrator struct {
	arbiter *Arbiter
	synth   Synthesizer
	out     audio.Output

	local   tts.Provider
	decoder *pcm.Decoder
	metrics *observe.Metrics
}

// NarratorOption configures a [Narrator].
type NarratorOption func(*Narrator)

// WithLocalFallback speaks units the synthesizer could not voice through the
// on-host engine p. Its failures are skipped silently.
func WithLocalFallback(p tts.Provider) NarratorOption {
	return func(n *Narrator) { n.local = p }
}

// WithDecoder sets the decoder used for local fallback audio.
func WithDecoder(d *pcm.Decoder) NarratorOption {
	return func(n *Narrator) { n.decoder = d }
}

// WithNarratorMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithNarratorMetrics(m *observe.Metrics) NarratorOption {
	return func(n *Narrator) { n.metrics = m }
}

// NewNarrator creates a Narrator that plays through out under a's arbitration.
func NewNarrator(a *Arbiter, synth Synthesizer, out audio.Output, opts ...NarratorOption) *Narrator {
	n := &Narrator{arbiter: a, synth: synth, out: out}
	for _, o := range opts {
		o(n)
	}
	if n.decoder == nil {
		n.decoder = pcm.New()
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// Arbiter returns the arbiter the narrator registers with.
func (n *Narrator) Arbiter() *Arbiter { return n.arbiter }

// Narrate registers token as the owner and plays units in order. It returns
// the number of units emitted. When another owner takes over, Narrate stops
// before the next unit (cutting the current one short) and returns
// [ErrSuperseded]. Units that produce no audio are skipped.
func (n *Narrator) Narrate(ctx context.Context, token string, units []gateway.Request) (int, error) {
	s := n.arbiter.RegisterOwner(ctx, token, nil)
	defer s.Release()
	return n.play(s, units)
}

// Play drives units on an already registered session. The caller remains
// responsible for releasing s.
func (n *Narrator) Play(s *Session, units []gateway.Request) (int, error) {
	return n.play(s, units)
}

func (n *Narrator) play(s *Session, units []gateway.Request) (int, error) {
	ctx := s.Context()
	log := observe.Logger(ctx).With("owner", s.Token(), "generation", s.Generation())

	n.metrics.ActiveSessions.Add(ctx, 1)
	defer n.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	played := 0
	for i, u := range units {
		if err := s.Err(); err != nil {
			log.Debug("playback: session ended before unit", "unit", i, "err", err)
			return played, err
		}
		s.setState(StateBuffering)

		buf := n.voice(ctx, u, i)
		if err := s.Err(); err != nil {
			return played, err
		}
		if buf == nil || buf.Empty() {
			continue
		}

		s.setState(StatePlaying)
		h, err := s.Emit(n.out, buf)
		if err != nil {
			if serr := s.Err(); serr != nil {
				return played, serr
			}
			return played, fmt.Errorf("playback: emit unit %d: %w", i, err)
		}
		played++
		n.metrics.UnitsPlayed.Add(ctx, 1)

		select {
		case <-h.Done():
			s.Untrack(h)
		case <-s.Done():
			h.Stop()
			return played, s.Err()
		}
	}
	return played, s.Err()
}

// voice returns the audio for one unit, or nil when the unit has no audio.
func (n *Narrator) voice(ctx context.Context, u gateway.Request, i int) *audio.Buffer {
	res := n.synth.Synthesize(ctx, u)
	if res.OK() {
		return res.Audio
	}
	if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, ErrSuperseded) {
		return nil
	}
	if res.Kind != gateway.KindNone {
		observe.Logger(ctx).Warn("playback: unit synthesis failed",
			"unit", i, "provider", res.Provider, "kind", res.Kind, "err", res.Err)
	}
	if n.local == nil || u.Provider == tts.KindLocal {
		return nil
	}

	out, err := n.local.Synthesize(ctx, tts.Request{
		Text:     u.Text,
		Voice:    tts.VoiceFor(tts.KindLocal, u.Voice, u.Language),
		Language: u.Language,
	})
	if err != nil || len(out.Data) == 0 {
		return nil
	}
	buf, err := n.decoder.DecodeAs(out.Data, out.Encoding, out.Format)
	if err != nil {
		return nil
	}
	return buf
}
