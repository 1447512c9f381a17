// Package mock is a scriptable [llm.Provider] for tests.
//
//	gen := &mock.Provider{Replies: []string{"First draft.", "Second draft."}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/provider/llm"
)

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers Complete from, in order of precedence: CompleteFunc, the
// next unused entry of Replies, then CompleteResponse/CompleteErr.
type Provider struct {
	mu sync.Mutex

	CompleteFunc     func(req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Replies          []string
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// CompleteCalls is appended to on every call. Read it through
	// [Provider.Calls] while Complete may still run concurrently.
	CompleteCalls []CompleteCall
	replied       int
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	var reply *llm.CompletionResponse
	if fn == nil && p.replied < len(p.Replies) {
		reply = &llm.CompletionResponse{Content: p.Replies[p.replied]}
		p.replied++
	}
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	switch {
	case fn != nil:
		return fn(req)
	case reply != nil:
		return reply, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resp, err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// CallCount returns the number of recorded Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastUserMessage returns the content of the final message of the most
// recent call, or "" before the first call.
func (p *Provider) LastUserMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return ""
	}
	msgs := p.CompleteCalls[len(p.CompleteCalls)-1].Req.Messages
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}
