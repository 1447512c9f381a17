// Package batch drives bulk synthesis jobs: ordered collections of units
// (chapters, lessons, ...) that each need text and, optionally, audio for
// every sentence in every language.
//
// The [Pipeline] looks every unit up in a durable [Registry] first, so a
// rerun resumes where the previous run stopped: text that exists is never
// regenerated, and audio is only synthesized for sub-units that have not
// succeeded yet. A sub-unit gets a bounded number of attempts; one that
// exhausts them is marked failed and the pipeline moves on. Only
// cancellation of the run's context stops a batch early, and whatever was
// already persisted stays persisted.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/narrator/internal/gateway"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

const (
	// DefaultAttempts is the number of synthesis attempts per sub-unit.
	DefaultAttempts = 3

	// DefaultRetryDelay separates attempts of the same sub-unit.
	DefaultRetryDelay = 2 * time.Second

	// DefaultCourtesyDelay separates processed units.
	DefaultCourtesyDelay = 1500 * time.Millisecond

	// saveTimeout bounds persisting a unit after the run was cancelled.
	saveTimeout = 10 * time.Second
)

// Synthesizer produces audio for one sub-unit. [*gateway.Gateway]
// implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req gateway.Request) gateway.Result
}

// Options tune a single run.
type Options struct {
	// Audio requests audio for every sub-unit in addition to text.
	Audio bool

	// Attempts per sub-unit (and per text generation). Values below 1 mean
	// [DefaultAttempts].
	Attempts int

	// RetryDelay separates attempts. Zero means no delay.
	RetryDelay time.Duration

	// CourtesyDelay separates processed units. Zero means no delay.
	CourtesyDelay time.Duration

	// CallerID selects the caller's stored credential preferences.
	CallerID string

	// KeyOverride is passed to every synthesis request.
	KeyOverride string
}

// DefaultOptions returns options with the default attempt count and delays.
func DefaultOptions() Options {
	return Options{
		Attempts:      DefaultAttempts,
		RetryDelay:    DefaultRetryDelay,
		CourtesyDelay: DefaultCourtesyDelay,
	}
}

// EventType names a progress event.
type EventType string

const (
	EventUnitStarted EventType = "unit_started"
	EventText        EventType = "text"
	EventSubUnit     EventType = "sub_unit"
	EventUnitDone    EventType = "unit_done"
	EventDone        EventType = "done"
)

// Event is one progress report. Current and Total count units.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"run_id"`
	Collection string    `json:"collection"`
	UnitID     string    `json:"unit_id,omitempty"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`

	Resume   string `json:"resume,omitempty"`
	SubUnit  *int   `json:"sub_unit,omitempty"`
	Language string `json:"language,omitempty"`
	Status   Status `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`

	TextStatus  Status `json:"text_status,omitempty"`
	AudioStatus Status `json:"audio_status,omitempty"`
	SaveStatus  Status `json:"save_status,omitempty"`

	Summary *Summary `json:"summary,omitempty"`
}

// Summary is carried by the final [EventDone].
type Summary struct {
	Units     int  `json:"units"`
	Completed int  `json:"completed"`
	Partial   int  `json:"partial"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Cancelled bool `json:"cancelled"`
}

// Pipeline runs batch jobs. It is safe for concurrent use; concurrent runs
// over the same collection race on the registry and should be avoided.
type Pipeline struct {
	registry Registry
	synth    Synthesizer
	textgen  TextGenerator

	provider tts.Kind
	voice    string
	metrics  *observe.Metrics
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithDefaults sets the provider and voice used for units that name none.
// Default: [tts.KindGemini] and [tts.DefaultPersona].
func WithDefaults(provider tts.Kind, voice string) Option {
	return func(p *Pipeline) {
		if provider.Valid() {
			p.provider = provider
		}
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline. gen may be nil, in which case units without text
// fail their text stage.
func New(reg Registry, synth Synthesizer, gen TextGenerator, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: reg,
		synth:    synth,
		textgen:  gen,
		provider: tts.KindGemini,
		voice:    tts.DefaultPersona,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Run processes units in order in a new goroutine and streams progress. The
// returned channel is closed after a final [EventDone]; the caller must drain
// it. Cancelling ctx stops the run between units and between attempts.
func (p *Pipeline) Run(ctx context.Context, collectionID string, units []*Unit, opts Options) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		p.Process(ctx, collectionID, units, opts, func(ev Event) { ch <- ev })
	}()
	return ch
}

// Process is the synchronous form of [Pipeline.Run]: emit is called for
// every event, including the final [EventDone], on the calling goroutine.
func (p *Pipeline) Process(ctx context.Context, collectionID string, units []*Unit, opts Options, emit func(Event)) Summary {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultAttempts
	}
	r := &run{
		Pipeline:   p,
		id:         uuid.NewString(),
		collection: collectionID,
		opts:       opts,
		total:      len(units),
		emit:       emit,
	}
	ctx = observe.WithLogAttrs(ctx, slog.String("run", r.id), slog.String("collection", collectionID))
	ctx, span := observe.StartSpan(ctx, "batch.run")
	defer span.End()

	r.log = observe.Logger(ctx)
	r.log.Info("batch: run started", "units", len(units), "audio", opts.Audio)

	for i, in := range units {
		if ctx.Err() != nil {
			r.summary.Cancelled = true
			break
		}
		processed := r.unit(ctx, i, in)
		if processed && i < len(units)-1 && !resilience.Sleep(ctx, opts.CourtesyDelay) {
			r.summary.Cancelled = true
			break
		}
	}
	if ctx.Err() != nil {
		r.summary.Cancelled = true
	}

	r.summary.Units = len(units)
	if r.summary.Failed > 0 {
		observe.FailSpan(span, "units_failed", nil)
	}
	r.log.Info("batch: run finished",
		"completed", r.summary.Completed, "partial", r.summary.Partial,
		"failed", r.summary.Failed, "skipped", r.summary.Skipped, "cancelled", r.summary.Cancelled)
	s := r.summary
	emit(Event{Type: EventDone, RunID: r.id, Collection: collectionID, Current: r.done, Total: r.total, Summary: &s})
	return r.summary
}

// run holds the state of one Process call.
type run struct {
	*Pipeline
	id         string
	collection string
	opts       Options
	total      int
	done       int
	emit       func(Event)
	log        *slog.Logger
	summary    Summary
}

func (r *run) event(t EventType, u *Unit) Event {
	return Event{Type: t, RunID: r.id, Collection: r.collection, UnitID: u.ID, Current: r.done, Total: r.total}
}

// unit processes one unit and reports whether any work was done.
func (r *run) unit(ctx context.Context, i int, in *Unit) bool {
	u, found := r.load(ctx, in)
	resume := Classify(u, r.opts.Audio)

	ev := r.event(EventUnitStarted, u)
	ev.Current = i + 1
	ev.Resume = resume.String()
	r.emit(ev)

	if resume == Complete && found {
		r.done++
		r.summary.Skipped++
		r.finish(ctx, u, "skipped")
		return false
	}

	u.Attempts++
	if resume == NeedsText {
		if err := r.generateText(ctx, u); err != nil {
			u.TextStatus = StatusFailed
			r.log.Warn("batch: text generation failed", "unit", u.ID, "err", err)
			ev := r.event(EventText, u)
			ev.Status, ev.Error = StatusFailed, err.Error()
			r.emit(ev)
		} else {
			u.TextStatus = StatusSuccess
			u.SubUnits = nil
			ev := r.event(EventText, u)
			ev.Status = StatusSuccess
			r.emit(ev)
		}
	} else if u.TextStatus == StatusPending {
		u.TextStatus = StatusSuccess
	}

	if u.TextStatus == StatusSuccess && r.opts.Audio {
		r.synthesizeAudio(ctx, u)
	}

	r.save(ctx, u)
	r.done++

	outcome := "completed"
	switch {
	case u.TextStatus != StatusSuccess || u.AudioStatus == StatusFailed || u.SaveStatus == StatusFailed:
		outcome = "failed"
		r.summary.Failed++
	case u.AudioStatus == StatusPartial:
		outcome = "partial"
		r.summary.Partial++
	default:
		r.summary.Completed++
	}
	r.finish(ctx, u, outcome)
	return true
}

func (r *run) finish(ctx context.Context, u *Unit, outcome string) {
	r.metrics.RecordBatchUnit(ctx, outcome)
	ev := r.event(EventUnitDone, u)
	ev.TextStatus, ev.AudioStatus, ev.SaveStatus = u.TextStatus, u.AudioStatus, u.SaveStatus
	ev.Attempts = u.Attempts
	r.emit(ev)
}

// load returns the stored unit merged with the caller's definition, or a
// copy of in when nothing is stored. found reports whether a stored unit
// was used.
func (r *run) load(ctx context.Context, in *Unit) (u *Unit, found bool) {
	stored, err := r.registry.Get(ctx, r.collection, in.ID)
	if err != nil {
		r.log.Warn("batch: registry lookup failed, starting unit fresh", "unit", in.ID, "err", err)
	}
	if stored == nil {
		return in.Clone(), false
	}
	if stored.Prompt == "" {
		stored.Prompt = in.Prompt
	}
	if stored.Voice == "" {
		stored.Voice = in.Voice
	}
	if !stored.Provider.Valid() {
		stored.Provider = in.Provider
	}
	if len(stored.Languages) == 0 {
		stored.Languages = in.Languages
	}
	for lang, text := range in.Texts {
		if stored.Texts == nil {
			stored.Texts = make(map[string]string)
		}
		if stored.Texts[lang] == "" {
			stored.Texts[lang] = text
		}
	}
	return stored, true
}

func (r *run) generateText(ctx context.Context, u *Unit) error {
	if r.textgen == nil {
		return errors.New("batch: no text generator configured")
	}
	if u.Texts == nil {
		u.Texts = make(map[string]string)
	}
	missing := u.missingLanguages()
	if len(missing) == 0 {
		// Units without languages default to one.
		missing = []string{"en"}
		u.Languages = missing
	}
	for _, lang := range missing {
		start := time.Now()
		text, attempts, err := resilience.Do(ctx, r.policy(), func(ctx context.Context, attempt int) (string, error) {
			return r.textgen.Generate(ctx, u, lang)
		}, func(err error) bool { return !errors.Is(err, ErrNoPrompt) })
		r.metrics.TextGenDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("%s after %d attempts: %w", lang, attempts, err)
		}
		u.Texts[lang] = text
	}
	return nil
}

func (r *run) synthesizeAudio(ctx context.Context, u *Unit) {
	u.ensureSubUnits()

	provider := u.Provider
	if !provider.Valid() {
		provider = r.provider
	}
	voice := u.Voice
	if voice == "" {
		voice = r.voice
	}

	for i := range u.SubUnits {
		sub := &u.SubUnits[i]
		if sub.Status == StatusSuccess {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		req := gateway.Request{
			Text:        sub.Text,
			Voice:       voice,
			Language:    sub.Language,
			Provider:    provider,
			KeyOverride: r.opts.KeyOverride,
			CallerID:    r.opts.CallerID,
		}
		res, attempts, err := resilience.Do(ctx, r.policy(), func(ctx context.Context, attempt int) (gateway.Result, error) {
			res := r.synth.Synthesize(ctx, req)
			if res.Kind != gateway.KindNone {
				if attempt < r.opts.Attempts {
					r.log.Debug("batch: sub-unit attempt failed", "unit", u.ID, "sub_unit", sub.Index, "attempt", attempt, "kind", res.Kind)
				}
				return res, &resultError{res}
			}
			return res, nil
		}, retryable)

		sub.Attempts = attempts
		sub.Fingerprint = res.Fingerprint
		sub.Produced = res.Provider
		if err != nil {
			sub.Status = StatusFailed
			sub.Error = err.Error()
			r.log.Warn("batch: sub-unit failed", "unit", u.ID, "sub_unit", sub.Index,
				"language", sub.Language, "attempts", attempts, "err", err)
		} else {
			sub.Status = StatusSuccess
			sub.Error = ""
		}
		r.metrics.RecordBatchSubUnit(ctx, string(sub.Status))

		idx := sub.Index
		ev := r.event(EventSubUnit, u)
		ev.SubUnit = &idx
		ev.Language = sub.Language
		ev.Status = sub.Status
		ev.Attempts = attempts
		ev.Error = sub.Error
		r.emit(ev)
	}
	u.AudioStatus = aggregate(u.SubUnits)
}

// save persists u. It runs even after cancellation so the progress made so
// far survives.
func (r *run) save(ctx context.Context, u *Unit) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	u.UpdatedAt = time.Now().UTC()
	u.SaveStatus = StatusSuccess
	if err := r.registry.Upsert(ctx, r.collection, u); err != nil {
		u.SaveStatus = StatusFailed
		r.log.Error("batch: persisting unit failed", "unit", u.ID, "err", err)
	}
}

func (r *run) policy() resilience.Policy {
	return resilience.Policy{MaxAttempts: r.opts.Attempts, Delay: r.opts.RetryDelay}
}

// aggregate derives a unit's audio status from its sub-units.
func aggregate(subs []SubUnit) Status {
	ok := 0
	for _, s := range subs {
		if s.Status == StatusSuccess {
			ok++
		}
	}
	switch {
	case ok == len(subs):
		return StatusSuccess
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// resultError carries a failed gateway result through the retry loop.
type resultError struct{ res gateway.Result }

func (e *resultError) Error() string {
	if e.res.Err != nil {
		return fmt.Sprintf("%s: %v", e.res.Kind, e.res.Err)
	}
	return e.res.Kind.String()
}

func (e *resultError) Unwrap() error { return e.res.Err }

// retryable rejects failures another attempt cannot fix.
func retryable(err error) bool {
	if errors.Is(err, gateway.ErrEmptyText) {
		return false
	}
	var re *resultError
	if errors.As(err, &re) {
		switch re.res.Kind {
		case gateway.KindAuth, gateway.KindUnsupported:
			return false
		}
	}
	return true
}
