package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/pkg/audio"
	"github.com/MrWong99/narrator/pkg/provider/llm"
	llmmock "github.com/MrWong99/narrator/pkg/provider/llm/mock"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// scriptedSynth fails a text with the listed kinds, one per attempt, and
// succeeds once the list is exhausted.
type scriptedSynth struct {
	mu     sync.Mutex
	script map[string][]gateway.ErrorKind
	calls  map[string]int
	reqs   []gateway.Request
	// errs fails a text permanently with the given error.
	errs map[string]error

	// onCall runs after every call, outside the lock.
	onCall func(n int)
}

func newScriptedSynth() *scriptedSynth {
	return &scriptedSynth{script: map[string][]gateway.ErrorKind{}, calls: map[string]int{}, errs: map[string]error{}}
}

func (s *scriptedSynth) Synthesize(_ context.Context, req gateway.Request) gateway.Result {
	s.mu.Lock()
	s.calls[req.Text]++
	s.reqs = append(s.reqs, req)
	n := len(s.reqs)
	var kind gateway.ErrorKind
	if q := s.script[req.Text]; len(q) > 0 {
		kind = q[0]
		s.script[req.Text] = q[1:]
	}
	hook := s.onCall
	permanent := s.errs[req.Text]
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	if permanent != nil {
		return gateway.Result{Kind: gateway.KindUnknown, Provider: req.Provider, Err: permanent}
	}

	if kind != gateway.KindNone {
		return gateway.Result{Kind: kind, Provider: req.Provider, Err: fmt.Errorf("scripted %s", kind)}
	}
	return gateway.Result{
		Audio:       &audio.Buffer{Samples: []float32{0}, SampleRate: 24000, Channels: 1},
		Provider:    req.Provider,
		Source:      gateway.SourceProvider,
		Fingerprint: "fp-" + req.Text,
	}
}

func (s *scriptedSynth) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func fastOptions() Options {
	return Options{Audio: true, Attempts: 3}
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func tenSentences() string {
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "Sentence %d. ", i)
	}
	return b.String()
}

func TestRun_SubUnitSucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	synth.script["Sentence 7."] = []gateway.ErrorKind{gateway.KindUnknown, gateway.KindRateLimited}
	reg := NewMemRegistry()
	p := New(reg, synth, nil)

	unit := &Unit{ID: "ch1", Texts: map[string]string{"en": tenSentences()}}
	events := collect(p.Run(context.Background(), "book", []*Unit{unit}, fastOptions()))

	stored, _ := reg.Get(context.Background(), "book", "ch1")
	if stored == nil {
		t.Fatal("unit was not persisted")
	}
	if len(stored.SubUnits) != 10 {
		t.Fatalf("sub-units = %d, want 10", len(stored.SubUnits))
	}
	sub7 := stored.SubUnits[6]
	if sub7.Text != "Sentence 7." || sub7.Status != StatusSuccess || sub7.Attempts != 3 {
		t.Errorf("sub-unit 7 = %+v, want success after 3 attempts", sub7)
	}
	for i, s := range stored.SubUnits {
		if i != 6 && s.Attempts != 1 {
			t.Errorf("sub-unit %d attempts = %d, want 1", i+1, s.Attempts)
		}
	}
	if stored.AudioStatus != StatusSuccess || stored.TextStatus != StatusSuccess || stored.SaveStatus != StatusSuccess {
		t.Errorf("statuses text=%q audio=%q save=%q", stored.TextStatus, stored.AudioStatus, stored.SaveStatus)
	}
	if synth.total() != 12 {
		t.Errorf("synthesis calls = %d, want 12", synth.total())
	}

	last := events[len(events)-1]
	if last.Type != EventDone || last.Summary == nil || last.Summary.Completed != 1 {
		t.Errorf("final event = %+v", last)
	}
}

func TestRun_ExhaustedSubUnitDoesNotAbortBatch(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	synth.script["Two."] = []gateway.ErrorKind{gateway.KindUnknown, gateway.KindUnknown, gateway.KindUnknown}
	reg := NewMemRegistry()
	p := New(reg, synth, nil)

	units := []*Unit{
		{ID: "u1", Texts: map[string]string{"en": "One. Two. Three."}},
		{ID: "u2", Texts: map[string]string{"en": "Four."}},
	}
	sum := p.Process(context.Background(), "c", units, fastOptions(), func(Event) {})

	u1, _ := reg.Get(context.Background(), "c", "u1")
	if u1.SubUnits[1].Status != StatusFailed || u1.SubUnits[1].Attempts != 3 {
		t.Errorf("failing sub-unit = %+v, want failed after 3 attempts", u1.SubUnits[1])
	}
	if u1.SubUnits[2].Status != StatusSuccess {
		t.Errorf("sub-unit after the failure = %+v, want success", u1.SubUnits[2])
	}
	if u1.AudioStatus != StatusPartial {
		t.Errorf("u1 audio = %q, want partial", u1.AudioStatus)
	}
	u2, _ := reg.Get(context.Background(), "c", "u2")
	if u2 == nil || u2.AudioStatus != StatusSuccess {
		t.Errorf("u2 = %+v, want processed", u2)
	}
	if sum.Partial != 1 || sum.Completed != 1 || sum.Cancelled {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_AuthErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	synth.script["Locked."] = []gateway.ErrorKind{gateway.KindAuth, gateway.KindAuth, gateway.KindAuth}
	reg := NewMemRegistry()
	p := New(reg, synth, nil)

	p.Process(context.Background(), "c", []*Unit{{ID: "u", Texts: map[string]string{"en": "Locked."}}}, fastOptions(), func(Event) {})

	u, _ := reg.Get(context.Background(), "c", "u")
	if u.SubUnits[0].Attempts != 1 || u.SubUnits[0].Status != StatusFailed {
		t.Errorf("sub-unit = %+v, want failed after 1 attempt", u.SubUnits[0])
	}
	if u.AudioStatus != StatusFailed {
		t.Errorf("audio status = %q, want failed", u.AudioStatus)
	}
}

func TestRun_EmptyTextIsNotRetried(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	synth.errs["..."] = gateway.ErrEmptyText
	reg := NewMemRegistry()
	p := New(reg, synth, nil)

	opts := fastOptions()
	opts.RetryDelay = time.Hour
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Process(context.Background(), "c", []*Unit{{ID: "u", Texts: map[string]string{"en": "..."}}}, opts, func(Event) {})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("empty text was retried with the retry delay")
	}

	u, _ := reg.Get(context.Background(), "c", "u")
	if sub := u.SubUnits[0]; sub.Attempts != 1 || sub.Status != StatusFailed {
		t.Errorf("sub-unit = %+v, want failed after 1 attempt", sub)
	}
	if synth.calls["..."] != 1 {
		t.Errorf("synthesis calls = %d, want 1", synth.calls["..."])
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &resultError{gateway.Result{Kind: gateway.KindRateLimited}}, true},
		{"unknown", &resultError{gateway.Result{Kind: gateway.KindUnknown, Err: errors.New("reset")}}, true},
		{"auth", &resultError{gateway.Result{Kind: gateway.KindAuth}}, false},
		{"unsupported", &resultError{gateway.Result{Kind: gateway.KindUnsupported}}, false},
		{"empty text", &resultError{gateway.Result{Kind: gateway.KindUnknown, Err: gateway.ErrEmptyText}}, false},
		{"plain error", errors.New("model down"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRun_ResumeSkipsCompletedWork(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	synth.script["B."] = []gateway.ErrorKind{gateway.KindUnknown, gateway.KindUnknown, gateway.KindUnknown}
	reg := NewMemRegistry()
	gen := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A. B."}}
	p := New(reg, synth, &LLMGenerator{Provider: gen})
	ctx := context.Background()

	unit := &Unit{ID: "u", Prompt: "Tell a story", Languages: []string{"en"}}
	p.Process(ctx, "c", []*Unit{unit}, fastOptions(), func(Event) {})
	if gen.CallCount() != 1 {
		t.Fatalf("text generation calls = %d, want 1", gen.CallCount())
	}
	first, _ := reg.Get(ctx, "c", "u")
	if Classify(first, true) != NeedsAudio {
		t.Fatalf("after first run: %v, want needs_audio", Classify(first, true))
	}

	// Second run: text exists, only the failed sub-unit is synthesized.
	var resumes []string
	p.Process(ctx, "c", []*Unit{unit}, fastOptions(), func(ev Event) {
		if ev.Type == EventUnitStarted {
			resumes = append(resumes, ev.Resume)
		}
	})
	if gen.CallCount() != 1 {
		t.Errorf("text regenerated on resume: %d calls", gen.CallCount())
	}
	if synth.calls["A."] != 1 || synth.calls["B."] != 4 {
		t.Errorf("calls A=%d B=%d, want 1 and 4", synth.calls["A."], synth.calls["B."])
	}
	if len(resumes) != 1 || resumes[0] != "needs_audio" {
		t.Errorf("resume states = %v", resumes)
	}

	// Third run: complete, nothing happens.
	before := synth.total()
	sum := p.Process(ctx, "c", []*Unit{unit}, fastOptions(), func(Event) {})
	if synth.total() != before || sum.Skipped != 1 {
		t.Errorf("complete unit reprocessed: calls %d -> %d, summary %+v", before, synth.total(), sum)
	}
	final, _ := reg.Get(ctx, "c", "u")
	if final.Attempts != 2 {
		t.Errorf("unit attempts = %d, want 2", final.Attempts)
	}
}

func TestRun_TextOnly(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	gen := &llmmock.Provider{CompleteFunc: func(req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "Text for " + req.Messages[0].Content[len("Language: "):len("Language: ")+2]}, nil
	}}
	reg := NewMemRegistry()
	p := New(reg, synth, &LLMGenerator{Provider: gen})

	unit := &Unit{ID: "u", Prompt: "p", Languages: []string{"en", "de"}}
	p.Process(context.Background(), "c", []*Unit{unit}, Options{}, func(Event) {})

	got, _ := reg.Get(context.Background(), "c", "u")
	if got.Texts["en"] != "Text for en" || got.Texts["de"] != "Text for de" {
		t.Errorf("texts = %v", got.Texts)
	}
	if got.TextStatus != StatusSuccess || got.AudioStatus != StatusPending {
		t.Errorf("statuses text=%q audio=%q", got.TextStatus, got.AudioStatus)
	}
	if synth.total() != 0 {
		t.Errorf("synthesis calls = %d, want 0 for a text-only run", synth.total())
	}
}

func TestRun_TextGenerationFailure(t *testing.T) {
	t.Parallel()
	gen := &llmmock.Provider{CompleteErr: errors.New("model down")}
	reg := NewMemRegistry()
	p := New(reg, newScriptedSynth(), &LLMGenerator{Provider: gen})

	sum := p.Process(context.Background(), "c", []*Unit{{ID: "u", Prompt: "p", Languages: []string{"en"}}}, fastOptions(), func(Event) {})
	if gen.CallCount() != 3 {
		t.Errorf("generation attempts = %d, want 3", gen.CallCount())
	}
	got, _ := reg.Get(context.Background(), "c", "u")
	if got.TextStatus != StatusFailed || sum.Failed != 1 {
		t.Errorf("text status = %q, summary = %+v", got.TextStatus, sum)
	}
}

func TestRun_CancellationStopsBetweenUnitsAndKeepsProgress(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	synth := newScriptedSynth()
	synth.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	reg := NewMemRegistry()
	p := New(reg, synth, nil)

	units := []*Unit{
		{ID: "u1", Texts: map[string]string{"en": "One. Two."}},
		{ID: "u2", Texts: map[string]string{"en": "Three."}},
	}
	events := collect(p.Run(ctx, "c", units, fastOptions()))

	u1, _ := reg.Get(context.Background(), "c", "u1")
	if u1 == nil || u1.SubUnits[0].Status != StatusSuccess {
		t.Fatalf("progress before cancellation was not persisted: %+v", u1)
	}
	if u1.SubUnits[1].Status != StatusPending {
		t.Errorf("work issued after cancellation: %+v", u1.SubUnits[1])
	}
	if u2, _ := reg.Get(context.Background(), "c", "u2"); u2 != nil {
		t.Errorf("unit after cancellation was processed: %+v", u2)
	}
	last := events[len(events)-1]
	if last.Type != EventDone || !last.Summary.Cancelled {
		t.Errorf("final event = %+v, want cancelled summary", last)
	}
}

func TestRun_EventsReportProgress(t *testing.T) {
	t.Parallel()
	p := New(NewMemRegistry(), newScriptedSynth(), nil, WithDefaults(tts.KindCloudTTS, "Puck"))
	units := []*Unit{
		{ID: "a", Texts: map[string]string{"en": "A."}},
		{ID: "b", Texts: map[string]string{"en": "B."}},
	}
	var done []Event
	for ev := range p.Run(context.Background(), "c", units, fastOptions()) {
		if ev.Type == EventUnitDone {
			done = append(done, ev)
		}
		if ev.RunID == "" {
			t.Errorf("event without run id: %+v", ev)
		}
	}
	if len(done) != 2 || done[0].Current != 1 || done[1].Current != 2 || done[1].Total != 2 {
		t.Errorf("unit_done events = %+v", done)
	}
}

func TestRun_UsesUnitAndDefaultVoiceProvider(t *testing.T) {
	t.Parallel()
	synth := newScriptedSynth()
	p := New(NewMemRegistry(), synth, nil, WithDefaults(tts.KindCloudTTS, "Puck"))
	units := []*Unit{
		{ID: "a", Texts: map[string]string{"de": "Hallo."}},
		{ID: "b", Voice: "Kore", Provider: tts.KindElevenLabs, Texts: map[string]string{"en": "Hi."}},
	}
	opts := fastOptions()
	opts.CallerID = "alice"
	p.Process(context.Background(), "c", units, opts, func(Event) {})

	if r := synth.reqs[0]; r.Provider != tts.KindCloudTTS || r.Voice != "Puck" || r.Language != "de" || r.CallerID != "alice" {
		t.Errorf("default request = %+v", r)
	}
	if r := synth.reqs[1]; r.Provider != tts.KindElevenLabs || r.Voice != "Kore" {
		t.Errorf("unit request = %+v", r)
	}
}

type failingRegistry struct{ *MemRegistry }

func (failingRegistry) Upsert(context.Context, string, *Unit) error { return errors.New("disk full") }

func TestRun_SaveFailureIsReported(t *testing.T) {
	t.Parallel()
	p := New(failingRegistry{NewMemRegistry()}, newScriptedSynth(), nil)
	var saved Status
	sum := p.Process(context.Background(), "c", []*Unit{{ID: "u", Texts: map[string]string{"en": "A."}}}, fastOptions(), func(ev Event) {
		if ev.Type == EventUnitDone {
			saved = ev.SaveStatus
		}
	})
	if saved != StatusFailed || sum.Failed != 1 {
		t.Errorf("save status = %q, summary = %+v", saved, sum)
	}
}
