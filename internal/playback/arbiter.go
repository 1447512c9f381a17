// Package playback guarantees that at most one narration session is audible
// at a time.
//
// An [Arbiter] is created once per process and injected into every caller
// that can start playback. Callers register as the owner, receive a
// [Session] whose context is cancelled the moment another owner registers (or
// [Arbiter.StopAll] is called), and check that session between units. Every
// output handle tracked on a session is stopped when the session is
// superseded, so stale audio is never left playing.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/audio"
)

// ErrSuperseded is the cancellation cause of a session whose generation has
// been replaced by a newer owner or by [Arbiter.StopAll].
var ErrSuperseded = errors.New("playback: session superseded")

// State is the lifecycle position of a [Session].
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StateInterrupted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// NewToken returns a fresh random owner token.
func NewToken() string { return uuid.NewString() }

// Arbiter serializes ownership of the audio output. It is safe for concurrent
// use. The zero value is not usable; call [NewArbiter].
type Arbiter struct {
	// regMu serializes ownership changes, including the synchronous stop
	// callback of the previous owner.
	regMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	owner      *Session

	metrics *observe.Metrics
}

// ArbiterOption configures an [Arbiter].
type ArbiterOption func(*Arbiter)

// WithArbiterMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithArbiterMetrics(m *observe.Metrics) ArbiterOption {
	return func(a *Arbiter) { a.metrics = m }
}

// NewArbiter returns an Arbiter with no owner at generation 0.
func NewArbiter(opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// RegisterOwner installs token as the owner and returns its new session.
//
// If a different owner is registered, its stop callback runs exactly once and
// synchronously before the new owner is installed, and its session is
// superseded. Registering the current token again supersedes its previous
// session without invoking the callback. stop may be nil and must not call
// back into RegisterOwner or StopAll.
//
// The returned session's context derives from ctx.
func (a *Arbiter) RegisterOwner(ctx context.Context, token string, stop func()) *Session {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	a.mu.Lock()
	prev := a.owner
	a.mu.Unlock()

	if prev != nil {
		if prev.token != token {
			observe.Logger(ctx).Info("playback: preempting owner",
				"previous", prev.token, "owner", token, "generation", prev.generation)
			a.metrics.Preemptions.Add(ctx, 1)
			prev.runStop()
		}
		prev.supersede()
	}

	a.mu.Lock()
	a.generation++
	s := newSession(ctx, a, token, a.generation, stop)
	a.owner = s
	a.mu.Unlock()
	return s
}

// StopAll advances the generation, clears the owner, runs its stop callback
// and stops everything it scheduled.
func (a *Arbiter) StopAll() {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	a.mu.Lock()
	a.generation++
	prev := a.owner
	a.owner = nil
	a.mu.Unlock()

	if prev != nil {
		slog.Info("playback: stopping all playback", "owner", prev.token, "generation", prev.generation)
		prev.runStop()
		prev.supersede()
	}
}

// Generation returns the current generation.
func (a *Arbiter) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Owner returns the registered owner token, or "" when there is none.
func (a *Arbiter) Owner() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == nil {
		return ""
	}
	return a.owner.token
}

// current reports whether s is still the registered owner at its generation.
func (a *Arbiter) current(s *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner == s && a.generation == s.generation
}

// release clears s as owner without advancing the generation.
func (a *Arbiter) release(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner == s {
		a.owner = nil
	}
}

// Session is one owner's claim on the output at a fixed generation.
type Session struct {
	arbiter    *Arbiter
	token      string
	generation uint64

	ctx    context.Context
	cancel context.CancelCauseFunc

	stop     func()
	stopOnce sync.Once

	mu       sync.Mutex
	state    State
	handles  map[audio.Handle]struct{}
	finished bool
}

func newSession(ctx context.Context, a *Arbiter, token string, gen uint64, stop func()) *Session {
	sctx, cancel := context.WithCancelCause(ctx)
	return &Session{
		arbiter:    a,
		token:      token,
		generation: gen,
		ctx:        sctx,
		cancel:     cancel,
		stop:       stop,
		handles:    make(map[audio.Handle]struct{}),
	}
}

// Token returns the owner token.
func (s *Session) Token() string { return s.token }

// Generation returns the generation the session was registered at.
func (s *Session) Generation() uint64 { return s.generation }

// Context returns a context that is cancelled with [ErrSuperseded] when the
// session is superseded, or with the parent's error when the parent is done.
func (s *Session) Context() context.Context { return s.ctx }

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns nil while the session may keep emitting audio. Otherwise it
// returns [ErrSuperseded] or the parent context's error.
func (s *Session) Err() error {
	if s.ctx.Err() == nil && !s.arbiter.current(s) {
		return ErrSuperseded
	}
	return context.Cause(s.ctx)
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Track ties h to the session. Superseding the session stops every tracked
// handle. Tracking on a session that can no longer play stops h immediately
// and returns the session's error.
func (s *Session) Track(h audio.Handle) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		h.Stop()
		return s.errOrSuperseded()
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	if err := s.Err(); err != nil {
		s.Untrack(h)
		h.Stop()
		return err
	}
	return nil
}

// Emit starts buf on out and tracks the resulting handle. The session lock
// is held while out starts playing, so a concurrent supersede either keeps
// buf from ever reaching out or stops the handle as soon as Emit returns.
func (s *Session) Emit(out audio.Output, buf *audio.Buffer) (audio.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, s.errOrSuperseded()
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	h, err := out.Emit(s.ctx, buf)
	if err != nil {
		return nil, err
	}
	s.handles[h] = struct{}{}
	return h, nil
}

// Untrack forgets h, typically once it has finished playing.
func (s *Session) Untrack(h audio.Handle) {
	s.mu.Lock()
	delete(s.handles, h)
	s.mu.Unlock()
}

// Release ends the session normally: it stops anything still tracked, gives
// up ownership without advancing the generation and returns to idle. Release
// is idempotent and a no-op on a superseded session.
func (s *Session) Release() {
	s.arbiter.release(s)
	s.finish(StateIdle, context.Canceled)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if !s.finished {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *Session) runStop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *Session) supersede() {
	s.finish(StateInterrupted, ErrSuperseded)
}

// finish moves the session to its terminal state, cancels its context and
// stops every tracked handle. Only the first call has any effect.
func (s *Session) finish(st State, cause error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	if st == StateInterrupted && s.state == StateIdle {
		st = StateIdle
	}
	s.state = st
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	s.cancel(cause)
	for h := range handles {
		h.Stop()
	}
}

func (s *Session) errOrSuperseded() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSuperseded
}
