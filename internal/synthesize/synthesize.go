// Package synthesize turns extracted article text into structured summaries
// and checks them against the source.
package synthesize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Result holds the counts of a synthesis run.
type Result struct {
	Summarized    int
	CacheHits     int
	Checked       int
	LowConfidence int
	Errors        int
}

// Synthesizer summarizes candidates, reusing cached summaries.
type Synthesizer struct {
	caller        *selector.Caller
	truncateWords int
	lowConfidence float64
	now           func() time.Time
	log           *slog.Logger
}

// NewSynthesizer creates a new summarizer. Summaries whose faithfulness score
// is below lowConfidence are flagged.
func NewSynthesizer(caller *selector.Caller, truncateWords int, lowConfidence float64, log *slog.Logger) *Synthesizer {
	return &Synthesizer{
		caller:        caller,
		truncateWords: truncateWords,
		lowConfidence: lowConfidence,
		now:           time.Now,
		log:           log.With("component", "synthesize"),
	}
}

// Summarize returns the summary of c from the cache, or builds it with the
// bulk tier and stores it. The faithfulness check runs only on fresh
// summaries and only while the budget allows it.
func (s *Synthesizer) Summarize(ctx context.Context, usage *selector.Usage, c state.Candidate, cache *state.Cache, r *Result) (state.Summary, error) {
	cache.Normalize()
	key := state.SummaryKey(c.URL, c.Method)
	if e, ok := cache.Summaries[key]; ok {
		r.CacheHits++
		return e.Summary, nil
	}

	content := llm.TruncateWords(c.Text, s.truncateWords)
	res, err := s.caller.Call(ctx, usage, selector.Summarize, "summarize", map[string]string{
		"Title":   c.Title,
		"Content": content,
	})
	if err != nil {
		r.Errors++
		return state.Summary{}, err
	}

	sum, err := parseSummary(res.Parsed, res.Text)
	if err != nil {
		r.Errors++
		return state.Summary{}, fmt.Errorf("summarizing %s: %w", c.URL, err)
	}
	r.Summarized++

	if s.caller.Status(usage).AllowsFaithfulness() {
		if score, err := s.checkFaithfulness(ctx, usage, content, sum); err != nil {
			if errors.Is(err, selector.ErrAIDisabled) {
				s.log.Info("faithfulness check skipped, budget exhausted")
			} else {
				s.log.Warn("faithfulness check failed", "url", c.URL, "error", err)
			}
		} else {
			r.Checked++
			sum.Faithfulness = &score
			if score < s.lowConfidence {
				sum.LowConfidence = true
				r.LowConfidence++
			}
		}
	}

	cache.Summaries[key] = state.SummaryEntry{
		URL:       c.URL,
		Method:    c.Method,
		Summary:   sum,
		WordCount: llm.WordCount(c.Text),
		CachedAt:  s.now().UTC(),
	}
	return sum, nil
}

func (s *Synthesizer) checkFaithfulness(ctx context.Context, usage *selector.Usage, content string, sum state.Summary) (float64, error) {
	res, err := s.caller.Call(ctx, usage, selector.Faithfulness, "faithfulness", map[string]string{
		"Content": content,
		"Summary": FormatSummary(sum),
	})
	if err != nil {
		return 0, err
	}
	if res.Parsed == nil {
		return 0, errors.New("unparseable faithfulness response")
	}
	score := llm.GetFloat(res.Parsed, "faithfulness_score", -1)
	if score < 0 {
		return 0, errors.New("faithfulness response missing score")
	}
	return min(max(score, 1), 10), nil
}

func parseSummary(parsed map[string]any, raw string) (state.Summary, error) {
	if parsed == nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			return state.Summary{}, errors.New("empty summary response")
		}
		return state.Summary{TLDR: text}, nil
	}
	sum := state.Summary{
		TLDR:          llm.GetString(parsed, "tldr", ""),
		WhyItMatters:  llm.GetString(parsed, "why_it_matters", ""),
		CoreMechanism: llm.GetString(parsed, "core_mechanism", ""),
		KeyTakeaways:  llm.GetStrings(parsed, "key_takeaways", 5),
	}
	if sum.TLDR == "" {
		return state.Summary{}, errors.New("summary response missing tldr")
	}
	return sum, nil
}

// FormatSummary renders a summary as plain text.
func FormatSummary(s state.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TL;DR: %s\n", s.TLDR)
	if s.WhyItMatters != "" {
		fmt.Fprintf(&b, "Why it matters: %s\n", s.WhyItMatters)
	}
	if s.CoreMechanism != "" {
		fmt.Fprintf(&b, "Core mechanism: %s\n", s.CoreMechanism)
	}
	for _, k := range s.KeyTakeaways {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	return b.String()
}
