// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/TobiSchelling/KBCurator/internal/llm"
)

// Reply is a canned provider answer. Err takes precedence over Text.
type Reply struct {
	Text         string
	Err          error
	InputTokens  int
	OutputTokens int
}

// Provider answers requests from a queue of replies, or by matching the
// prompt against substrings registered with On. The most recently registered
// matching rule wins.
type Provider struct {
	mu       sync.Mutex
	queue    []Reply
	rules    []rule
	fallback Reply
	requests []llm.Request
}

type rule struct {
	contains string
	reply    func(llm.Request) Reply
}

// New returns a Provider whose default answer is "{}".
func New() *Provider {
	return &Provider{fallback: Reply{Text: "{}", InputTokens: 100, OutputTokens: 50}}
}

func (p *Provider) Name() string { return "fake" }

// Queue appends replies consumed in order before any rule is consulted.
func (p *Provider) Queue(replies ...Reply) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, replies...)
	return p
}

// On answers every prompt containing substr with text.
func (p *Provider) On(substr, text string) *Provider {
	return p.OnFunc(substr, func(llm.Request) Reply {
		return Reply{Text: text, InputTokens: 100, OutputTokens: 50}
	})
}

// OnFunc answers every prompt containing substr with fn.
func (p *Provider) OnFunc(substr string, fn func(llm.Request) Reply) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule{contains: substr, reply: fn})
	return p
}

// Generate returns the next scripted reply.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var r Reply
	switch {
	case len(p.queue) > 0:
		r = p.queue[0]
		p.queue = p.queue[1:]
	default:
		r = p.fallback
		for i := len(p.rules) - 1; i >= 0; i-- {
			if strings.Contains(req.Prompt, p.rules[i].contains) {
				r = p.rules[i].reply(req)
				break
			}
		}
	}
	p.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.Response{Text: r.Text, Model: req.Model, InputTokens: r.InputTokens, OutputTokens: r.OutputTokens}, nil
}

// Requests returns every request received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Count returns the number of requests whose prompt contains substr.
func (p *Provider) Count(substr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.requests {
		if strings.Contains(r.Prompt, substr) {
			n++
		}
	}
	return n
}
