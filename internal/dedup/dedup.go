// Package dedup decides whether a candidate repeats a known topic.
//
// URLs are matched exactly through the cache. Titles go through a fuzzy
// token-set comparison: high scores are duplicates outright, a middle band is
// confirmed once per title pair by the AI and the verdict cached.
package dedup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Verdict is the similarity band of a candidate.
type Verdict string

const (
	DefiniteDup Verdict = "DEFINITE_DUP"
	LikelyDup   Verdict = "LIKELY_DUP"
	Unique      Verdict = "UNIQUE"
)

// Result is the outcome of a dedup check.
type Result struct {
	Verdict   Verdict
	Duplicate bool
	Score     int
	Match     string
	// Reason explains a duplicate: url, title, ai, cached, budget or ai_error.
	Reason string
}

// ConfirmFunc asks whether two titles cover the same topic.
type ConfirmFunc func(ctx context.Context, titleA, titleB string) (bool, error)

// Engine runs dedup checks against the cache document.
type Engine struct {
	th      config.Dedup
	confirm ConfirmFunc
	now     func() time.Time
	log     *slog.Logger
}

// New returns an Engine. confirm may be nil, in which case every likely
// duplicate is treated as a duplicate.
func New(th config.Thresholds, confirm ConfirmFunc, log *slog.Logger) *Engine {
	return &Engine{th: th.Dedup, confirm: confirm, now: time.Now, log: log.With("component", "dedup")}
}

// AIConfirm returns a ConfirmFunc that asks the bulk tier through caller.
func AIConfirm(caller *selector.Caller, usage *selector.Usage) ConfirmFunc {
	return func(ctx context.Context, a, b string) (bool, error) {
		res, err := caller.Call(ctx, usage, selector.Dedup, "dedup", map[string]string{"TitleA": a, "TitleB": b})
		if err != nil {
			return false, err
		}
		if _, ok := res.Parsed["duplicate"]; !ok {
			return false, errors.New("dedup response missing duplicate field")
		}
		return llm.GetBool(res.Parsed, "duplicate", true), nil
	}
}

// Check classifies candidate against the known titles and the cache. A
// confirmed verdict is written to cache.DedupVerdicts.
func (e *Engine) Check(ctx context.Context, c state.Candidate, known []string, cache *state.Cache) (Result, error) {
	cache.Normalize()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if _, ok := cache.URLDedup[state.URLKey(c.URL)]; ok {
		return e.finish(Result{Verdict: DefiniteDup, Duplicate: true, Score: 100, Reason: "url"}), nil
	}

	best, match := 0, ""
	for _, k := range known {
		if s := TokenSetRatio(c.Title, k); s > best {
			best, match = s, k
		}
	}

	switch {
	case best >= e.th.Definite:
		return e.finish(Result{Verdict: DefiniteDup, Duplicate: true, Score: best, Match: match, Reason: "title"}), nil
	case best < e.th.Likely:
		return e.finish(Result{Verdict: Unique, Score: best, Match: match}), nil
	}

	r := Result{Verdict: LikelyDup, Score: best, Match: match}
	key := state.PairKey(NormalizeTitle(c.Title), NormalizeTitle(match))
	if v, ok := cache.DedupVerdicts[key]; ok {
		r.Duplicate = v.Duplicate
		r.Reason = "cached"
		return e.finish(r), nil
	}

	if e.confirm == nil {
		r.Duplicate, r.Reason = true, "ai_error"
		return e.finish(r), nil
	}

	dup, err := e.confirm(ctx, c.Title, match)
	switch {
	case errors.Is(err, selector.ErrAIDisabled):
		r.Duplicate, r.Reason = true, "budget"
	case err != nil:
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		e.log.Warn("dedup confirmation failed, treating as duplicate", "title", c.Title, "match", match, "error", err)
		r.Duplicate, r.Reason = true, "ai_error"
	default:
		cache.DedupVerdicts[key] = state.DedupVerdict{
			TitleA:    c.Title,
			TitleB:    match,
			Duplicate: dup,
			CachedAt:  e.now().UTC(),
		}
		r.Duplicate, r.Reason = dup, "ai"
	}
	return e.finish(r), nil
}

func (e *Engine) finish(r Result) Result {
	telemetry.DedupVerdicts.WithLabelValues(string(r.Verdict)).Inc()
	if r.Duplicate {
		e.log.Debug("duplicate", "verdict", r.Verdict, "score", r.Score, "match", r.Match, "reason", r.Reason)
	}
	return r
}

// Remember records a processed url and its title in the cache.
func Remember(cache *state.Cache, c state.Candidate, now time.Time) {
	cache.Normalize()
	key := state.URLKey(c.URL)
	if _, ok := cache.URLDedup[key]; ok {
		return
	}
	cache.URLDedup[key] = state.URLEntry{URL: c.URL, Title: c.Title, CachedAt: now.UTC()}
}
