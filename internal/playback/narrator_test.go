package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/audio/mock"
	"github.com/MrWong99/narrator/pkg/audio/pcm"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	ttsmock "github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

// fakeSynth returns a one-sample buffer per unit and records the texts it saw.
// Texts listed in fail yield an Unknown result.
type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	fail  map[string]gateway.ErrorKind
}

func (f *fakeSynth) Synthesize(_ context.Context, req gateway.Request) gateway.Result {
	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	kind, failed := f.fail[req.Text]
	f.mu.Unlock()
	if failed {
		return gateway.Result{Kind: kind, Provider: req.Provider, Err: errors.New("synthetic failure")}
	}
	return gateway.Result{
		Audio:    &audio.Buffer{Samples: []float32{0.25}, SampleRate: 24000, Channels: 1},
		Provider: req.Provider,
		Source:   gateway.SourceProvider,
	}
}

func units(owner string, n int) []gateway.Request {
	out := make([]gateway.Request, n)
	for i := range out {
		out[i] = gateway.Request{Text: fmt.Sprintf("%s%d", owner, i+1), Provider: tts.KindGemini}
	}
	return out
}

func TestNarrate_PlaysAllUnitsInOrder(t *testing.T) {
	t.Parallel()
	a := NewArbiter()
	synth := &fakeSynth{}
	out := &mock.Output{}
	n := NewNarrator(a, synth, out)

	played, err := n.Narrate(context.Background(), "A", units("A", 3))
	if err != nil || played != 3 {
		t.Fatalf("Narrate = (%d, %v), want (3, nil)", played, err)
	}
	if len(out.Emitted()) != 3 {
		t.Errorf("emitted = %d, want 3", len(out.Emitted()))
	}
	if fmt.Sprint(synth.texts) != "[A1 A2 A3]" {
		t.Errorf("synthesized %v", synth.texts)
	}
	if a.Owner() != "" {
		t.Errorf("owner = %q after narration, want released", a.Owner())
	}
}

func TestNarrate_SkipsUnitsWithoutAudio(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{fail: map[string]gateway.ErrorKind{"A2": gateway.KindUnknown}}
	out := &mock.Output{}
	n := NewNarrator(NewArbiter(), synth, out)

	played, err := n.Narrate(context.Background(), "A", units("A", 3))
	if err != nil || played != 2 {
		t.Fatalf("Narrate = (%d, %v), want (2, nil)", played, err)
	}
}

func TestNarrate_LocalFallback(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{fail: map[string]gateway.ErrorKind{
		"A1": gateway.KindRateLimited,
		"A2": gateway.KindAuth,
	}}
	local := &ttsmock.Provider{KindValue: tts.KindLocal, Script: []ttsmock.Response{
		{Audio: tts.Audio{Data: le16(1000, 2000), Encoding: pcm.EncodingPCM}},
		{Audio: tts.Audio{}}, // the engine failed and reported no audio
	}}
	out := &mock.Output{}
	n := NewNarrator(NewArbiter(), synth, out, WithLocalFallback(local))

	played, err := n.Narrate(context.Background(), "A", units("A", 2))
	if err != nil || played != 1 {
		t.Fatalf("Narrate = (%d, %v), want (1, nil)", played, err)
	}
	if local.CallCount() != 2 {
		t.Errorf("local calls = %d, want 2", local.CallCount())
	}
	if got := out.Emitted()[0].Buffer.Frames(); got != 2 {
		t.Errorf("fallback frames = %d, want 2", got)
	}
}

func TestNarrate_EmitError(t *testing.T) {
	t.Parallel()
	errDevice := errors.New("no device")
	out := &mock.Output{EmitErr: errDevice}
	n := NewNarrator(NewArbiter(), &fakeSynth{}, out)

	played, err := n.Narrate(context.Background(), "A", units("A", 2))
	if !errors.Is(err, errDevice) || played != 0 {
		t.Fatalf("Narrate = (%d, %v), want (0, errDevice)", played, err)
	}
}

// Owner A starts a five-unit narration; after A's second unit begins, owner B
// registers. A must stop with two units played, its second unit cut short,
// and B's first unit must only start after A is silent.
func TestNarrate_PreemptionAfterSecondUnit(t *testing.T) {
	t.Parallel()
	a := NewArbiter()
	emits := make(chan mock.EmitCall, 16)
	out := &mock.Output{Hold: true, OnEmit: func(c mock.EmitCall) { emits <- c }}
	n := NewNarrator(a, &fakeSynth{}, out)

	type outcome struct {
		played int
		err    error
	}
	doneA := make(chan outcome, 1)
	go func() {
		p, err := n.Narrate(context.Background(), "A", units("A", 5))
		doneA <- outcome{p, err}
	}()

	first := recv(t, emits)
	first.Handle.Finish()
	second := recv(t, emits)

	// Audible set: A's unit 2 is playing now.
	doneB := make(chan outcome, 1)
	go func() {
		p, err := n.Narrate(context.Background(), "B", units("B", 2))
		doneB <- outcome{p, err}
	}()

	resA := <-doneA
	if !errors.Is(resA.err, ErrSuperseded) || resA.played != 2 {
		t.Fatalf("A = (%d, %v), want (2, ErrSuperseded)", resA.played, resA.err)
	}
	if !second.Handle.Stopped() {
		t.Error("A's second unit was not stopped when B took over")
	}

	b1 := recv(t, emits)
	if b1.Buffer == nil {
		t.Fatal("B's first unit has no buffer")
	}
	select {
	case <-second.Handle.Done():
	default:
		t.Error("B started while A's unit was still audible")
	}
	b1.Handle.Finish()
	recv(t, emits).Handle.Finish()

	resB := <-doneB
	if resB.err != nil || resB.played != 2 {
		t.Fatalf("B = (%d, %v), want (2, nil)", resB.played, resB.err)
	}

	// A emitted exactly two units and nothing after it was superseded.
	if total := len(out.Emitted()); total != 4 {
		t.Errorf("total emits = %d, want 4 (A1, A2, B1, B2)", total)
	}
}

func TestNarrate_StopAllEndsLoop(t *testing.T) {
	t.Parallel()
	a := NewArbiter()
	emits := make(chan mock.EmitCall, 4)
	out := &mock.Output{Hold: true, OnEmit: func(c mock.EmitCall) { emits <- c }}
	n := NewNarrator(a, &fakeSynth{}, out)

	done := make(chan error, 1)
	go func() {
		_, err := n.Narrate(context.Background(), "A", units("A", 3))
		done <- err
	}()
	c := recv(t, emits)
	a.StopAll()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if !c.Handle.Stopped() {
		t.Error("playing unit not stopped")
	}
	if len(out.Emitted()) != 1 {
		t.Errorf("emits = %d, want 1", len(out.Emitted()))
	}
}

func recv(t *testing.T, ch <-chan mock.EmitCall) mock.EmitCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an emit")
		return mock.EmitCall{}
	}
}

func le16(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}
