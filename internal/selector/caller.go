package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Usage accumulates the AI calls of one execution. Counters are deltas on top
// of the request counts and month spend loaded when the execution began.
type Usage struct {
	mu        sync.Mutex
	baseRPD   map[string]int
	delta     map[string]int
	calls     int
	cost      float64
	baseSpent float64
}

// NewUsage seeds a Usage from the stored request counts and month spend.
func NewUsage(rpd map[string]int, monthSpent float64) *Usage {
	return &Usage{baseRPD: maps.Clone(rpd), delta: map[string]int{}, baseSpent: monthSpent}
}

// RPD returns the current per-model request counts.
func (u *Usage) RPD() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := maps.Clone(u.baseRPD)
	if out == nil {
		out = map[string]int{}
	}
	for k, v := range u.delta {
		out[k] += v
	}
	return out
}

// Delta returns the requests made during this execution per model.
func (u *Usage) Delta() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return maps.Clone(u.delta)
}

// Calls returns the number of successful AI calls.
func (u *Usage) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// Cost returns the spend accrued during this execution.
func (u *Usage) Cost() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cost
}

func (u *Usage) spent() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.baseSpent + u.cost
}

func (u *Usage) record(model string, cost float64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delta[model]++
	u.calls++
	u.cost += cost
}

// Result is a completed AI call.
type Result struct {
	Text   string
	Parsed map[string]any
	Handle Handle
	Cost   float64
}

// Caller renders prompts, picks a model and calls the provider with bounded
// retries. Grade-tier rate limits and deprecations fall back to the bulk tier.
type Caller struct {
	provider    llm.Provider
	sel         *Selector
	guard       *budget.Guard
	prompts     config.Prompts
	maxRetries  int
	baseBackoff time.Duration
	log         *slog.Logger

	// OnDeprecated runs once per process when the grade model is rejected.
	OnDeprecated func(ctx context.Context, model string, err error)
}

// NewCaller wires a Caller. provider may be nil, in which case every call
// fails with llm.ErrNotConfigured.
func NewCaller(provider llm.Provider, sel *Selector, guard *budget.Guard, prompts config.Prompts, maxRetries int, log *slog.Logger) *Caller {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Caller{
		provider:    provider,
		sel:         sel,
		guard:       guard,
		prompts:     prompts,
		maxRetries:  maxRetries,
		baseBackoff: 500 * time.Millisecond,
		log:         log.With("component", "selector"),
	}
}

// SetBackoff overrides the base retry delay.
func (c *Caller) SetBackoff(d time.Duration) {
	c.baseBackoff = d
}

// Status returns the budget status including spend accrued in u.
func (c *Caller) Status(u *Usage) budget.Status {
	return c.guard.StatusFor(u.spent())
}

// Call renders prompt with data and runs it for purpose.
func (c *Caller) Call(ctx context.Context, u *Usage, purpose Purpose, prompt string, data any) (*Result, error) {
	if c.provider == nil {
		return nil, llm.ErrNotConfigured
	}
	text, p, err := c.prompts.Render(prompt, data)
	if err != nil {
		return nil, err
	}

	h, err := c.sel.Select(purpose, u.RPD(), c.Status(u))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, c.baseBackoff<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		resp, err := c.provider.Generate(ctx, llm.Request{
			Model:       h.Model,
			Prompt:      text,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
		})
		telemetry.AILatency.WithLabelValues(string(purpose)).Observe(time.Since(start).Seconds())

		if err == nil {
			cost := budget.Cost(h.Pricing, resp.InputTokens, resp.OutputTokens)
			u.record(h.Model, cost)
			telemetry.AICalls.WithLabelValues(string(purpose), h.Model, "ok").Inc()
			return &Result{Text: resp.Text, Parsed: llm.ParseJSONResponse(resp.Text), Handle: h, Cost: cost}, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, llm.ErrModelUnavailable):
			telemetry.AICalls.WithLabelValues(string(purpose), h.Model, "unavailable").Inc()
			if h.Tier != GradeTier {
				return nil, err
			}
			if c.sel.MarkDeprecated() {
				c.log.Error("grade model rejected, using bulk tier for the rest of the process", "model", h.Model, "error", err)
				if c.OnDeprecated != nil {
					c.OnDeprecated(ctx, h.Model, err)
				}
			}
			if h, err = c.sel.Fallback(u.RPD()); err != nil {
				return nil, err
			}
			attempt--
		case errors.Is(err, llm.ErrRateLimited):
			telemetry.AICalls.WithLabelValues(string(purpose), h.Model, "rate_limited").Inc()
			if h.Tier == GradeTier {
				c.log.Warn("grade tier rate limited, falling back to bulk", "model", h.Model)
				if h, err = c.sel.Fallback(u.RPD()); err != nil {
					return nil, err
				}
				attempt--
			}
		default:
			telemetry.AICalls.WithLabelValues(string(purpose), h.Model, "error").Inc()
			c.log.Debug("ai call failed", "purpose", purpose, "model", h.Model, "attempt", attempt+1, "error", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s call failed after %d attempts: %w", purpose, c.maxRetries, lastErr)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
