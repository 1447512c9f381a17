// Package mock provides an in-memory mock implementation of [audio.Output]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every emitted buffer so
// that tests can assert on call counts and ordering, and it exposes exported
// fields that the test can set to control behaviour.
//
// Typical usage:
//
//	out := &mock.Output{}
//	h, err := out.Emit(ctx, buf)
//	// ... later
//	if len(out.Emitted()) != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/audio"
)

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock [audio.Handle]. It completes when [Handle.Finish] or
// [Handle.Stop] is called.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	stopped bool
}

// NewHandle returns an unfinished handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Stop implements [audio.Handle]. It marks the handle as stopped.
func (h *Handle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

// Finish completes playback without marking the handle as stopped.
func (h *Handle) Finish() {
	h.once.Do(func() { close(h.done) })
}

// Done implements [audio.Handle].
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// ─── Output ───────────────────────────────────────────────────────────────────

// EmitCall records a single invocation of [Output.Emit].
type EmitCall struct {
	Buffer *audio.Buffer
	Handle *Handle
}

// Output is a mock implementation of [audio.Output].
type Output struct {
	mu sync.Mutex

	// EmitErr, when non-nil, is returned by every Emit call.
	EmitErr error

	// Hold keeps handles open until the test calls Finish or Stop on them.
	// When false, every handle completes immediately.
	Hold bool

	// OnEmit, when non-nil, is called synchronously after a buffer has been
	// recorded and before Emit returns.
	OnEmit func(call EmitCall)

	calls []EmitCall
}

// Emit implements [audio.Output].
func (o *Output) Emit(_ context.Context, buf *audio.Buffer) (audio.Handle, error) {
	o.mu.Lock()
	if o.EmitErr != nil {
		err := o.EmitErr
		o.mu.Unlock()
		return nil, err
	}
	h := NewHandle()
	if !o.Hold {
		h.Finish()
	}
	call := EmitCall{Buffer: buf, Handle: h}
	o.calls = append(o.calls, call)
	hook := o.OnEmit
	o.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return h, nil
}

// Emitted returns a copy of all recorded Emit calls in order.
func (o *Output) Emitted() []EmitCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EmitCall, len(o.calls))
	copy(out, o.calls)
	return out
}

// Reset clears the recorded calls.
func (o *Output) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = nil
}

var _ audio.Output = (*Output)(nil)
var _ audio.Handle = (*Handle)(nil)
