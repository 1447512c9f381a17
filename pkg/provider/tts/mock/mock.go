// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio payloads to consumers and to verify
// which requests reach the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    KindValue: tts.KindGemini,
//	    Result:    tts.Audio{Data: pcmBytes, Encoding: pcm.EncodingPCM},
//	}
//	a, _ := p.Synthesize(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Request is the request passed to Synthesize.
	Request tts.Request
}

// Response is one scripted outcome of Synthesize.
type Response struct {
	Audio tts.Audio
	Err   error
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// KindValue is returned by Kind.
	KindValue tts.Kind

	// Script holds per-call responses consumed in order. Once exhausted,
	// Result and Err are used.
	Script []Response

	// Result is returned by Synthesize when Script is exhausted.
	Result tts.Audio

	// Err, if non-nil, is returned when Script is exhausted.
	Err error

	// Gate, if non-nil, blocks every Synthesize call until the channel is
	// closed or ctx is cancelled. Use it to hold calls in flight.
	Gate chan struct{}

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall

	// started is signalled (non-blocking) each time a call begins.
	started chan struct{}
}

// Kind implements tts.Provider.
func (p *Provider) Kind() tts.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.KindValue
}

// Synthesize records the call, waits on Gate if set, and returns the next
// scripted response.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Request: req})
	gate := p.Gate
	var resp Response
	if len(p.Script) > 0 {
		resp = p.Script[0]
		p.Script = p.Script[1:]
	} else {
		resp = Response{Audio: p.Result, Err: p.Err}
	}
	started := p.started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	return resp.Audio, resp.Err
}

// Started returns a channel that receives a value whenever a Synthesize call
// begins. It must be called before the calls of interest are made.
func (p *Provider) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started == nil {
		p.started = make(chan struct{}, 64)
	}
	return p.started
}

// CallCount returns the number of recorded Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ tts.Provider = (*Provider)(nil)
