// Package triage scores candidate articles for relevance with the bulk tier.
package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Scored dimensions, 1-10 each.
var dimensions = []string{"relevance", "technical_depth", "actionability", "novelty", "recency", "credibility"}

// Verdict is the relevance assessment of one candidate.
type Verdict struct {
	Candidate   state.Candidate
	Scores      map[string]int
	Composite   float64
	Promotional bool
	Reason      string
	Relevant    bool
}

// Result holds the counts of a triage run.
type Result struct {
	Processed int
	Relevant  int
	Skipped   int
	Errors    int
}

// Triager scores candidates through the selector.
type Triager struct {
	caller        *selector.Caller
	minRelevance  float64
	truncateWords int
	log           *slog.Logger
}

// NewTriager creates a new candidate triager.
func NewTriager(caller *selector.Caller, minRelevance float64, truncateWords int, log *slog.Logger) *Triager {
	return &Triager{caller: caller, minRelevance: minRelevance, truncateWords: truncateWords, log: log.With("component", "triage")}
}

// TriageCandidates scores every candidate. Candidates that fail to score are
// counted as errors and left out of the verdicts; a disabled budget stops the
// run early.
func (t *Triager) TriageCandidates(ctx context.Context, usage *selector.Usage, cands []state.Candidate) ([]Verdict, *Result, error) {
	r := &Result{}
	var verdicts []Verdict
	for _, c := range cands {
		v, err := t.Score(ctx, usage, c)
		if err != nil {
			if errors.Is(err, selector.ErrAIDisabled) || ctx.Err() != nil {
				return verdicts, r, err
			}
			t.log.Warn("error scoring candidate", "url", c.URL, "error", err)
			r.Errors++
			continue
		}
		verdicts = append(verdicts, *v)
		r.Processed++
		if v.Relevant {
			r.Relevant++
		} else {
			r.Skipped++
		}
	}
	t.log.Info("triage complete", "processed", r.Processed, "relevant", r.Relevant, "skipped", r.Skipped, "errors", r.Errors)
	return verdicts, r, nil
}

// Score asks the bulk tier for a relevance score of c.
func (t *Triager) Score(ctx context.Context, usage *selector.Usage, c state.Candidate) (*Verdict, error) {
	content := c.Text
	if content == "" {
		content = c.Title
	}
	res, err := t.caller.Call(ctx, usage, selector.Score, "score", map[string]string{
		"Title":   c.Title,
		"Source":  c.Source,
		"Content": llm.TruncateWords(content, t.truncateWords),
	})
	if err != nil {
		return nil, err
	}
	if res.Parsed == nil {
		return nil, fmt.Errorf("unparseable score response for %s", c.URL)
	}

	v := &Verdict{Candidate: c, Scores: make(map[string]int, len(dimensions))}
	sum := 0
	for _, d := range dimensions {
		s := min(max(llm.GetInt(res.Parsed, d, 1), 1), 10)
		v.Scores[d] = s
		sum += s
	}
	v.Composite = float64(sum) / float64(len(dimensions))
	v.Promotional = llm.GetBool(res.Parsed, "is_promotional", false)
	v.Reason = strings.TrimSpace(llm.GetString(res.Parsed, "rejection_reason", ""))
	if strings.EqualFold(v.Reason, "null") || strings.EqualFold(v.Reason, "none") {
		v.Reason = ""
	}

	switch {
	case v.Promotional:
		v.Reason = firstNonEmpty(v.Reason, "promotional")
	case v.Reason != "":
	case v.Composite < t.minRelevance:
		v.Reason = fmt.Sprintf("low relevance %.1f", v.Composite)
	default:
		v.Relevant = true
	}
	t.log.Debug("scored", "title", c.Title, "composite", v.Composite, "relevant", v.Relevant)
	return v, nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
