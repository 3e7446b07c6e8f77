// Package mock provides a scripted llm.Provider for tests.
//
//	p := &mock.Provider{Reply: mock.Text(`{"0":"Hallo"}`)}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/captionist/pkg/provider/llm"
)

// ReplyFunc produces the response for one request.
type ReplyFunc func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

// Text replies with content and a normal stop every time.
func Text(content string) ReplyFunc {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: content, Stop: llm.StopEnd}, nil
	}
}

// Fail returns err every time.
func Fail(err error) ReplyFunc {
	return func(llm.CompletionRequest) (*llm.CompletionResponse, error) { return nil, err }
}

// Provider records every request and answers through Reply. A nil Reply
// answers with an empty reply. Set the fields before the first call.
type Provider struct {
	Reply       ReplyFunc
	ModelLimits llm.Limits

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider. It honours ctx cancellation before
// replying.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Reply == nil {
		return &llm.CompletionResponse{Stop: llm.StopEnd}, nil
	}
	return p.Reply(req)
}

// Limits implements llm.Provider.
func (p *Provider) Limits() llm.Limits { return p.ModelLimits }

// Requests returns a copy of the recorded requests in call order.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.requests)
}

// CallCount returns the number of Complete calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
