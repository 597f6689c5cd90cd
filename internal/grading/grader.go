// Package grading scores learner answers and caches the results.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/adaptive"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

var (
	// ErrAnswerTooShort rejects answers below the minimum word count.
	ErrAnswerTooShort = errors.New("answer too short")
	// ErrTopicCompleted rejects answers for topics that are already mastered.
	ErrTopicCompleted = errors.New("topic already completed")
)

// Decision is what happens to a topic after a grading.
type Decision string

const (
	Advance Decision = "advance"
	Retry   Decision = "retry"
	Reteach Decision = "reteach"
)

// Dimensions of the grading rubric, 25 points each.
var Dimensions = []string{"concept_clarity", "technical_correctness", "application_thinking", "ai_pm_relevance"}

const (
	dimensionMax = 25
	// Sub-concepts kept from a reteach plan.
	maxSubConcepts = 5
)

// Decide maps a score and the topic's retry count to a decision.
func Decide(score, retryCount int, th config.Grading) Decision {
	switch {
	case score >= th.AdvanceScore:
		return Advance
	case score < th.ReteachScore:
		return Reteach
	case retryCount < th.MaxRetries:
		return Retry
	default:
		return Reteach
	}
}

// Grader asks the grade tier to score answers against the rubric.
type Grader struct {
	caller *selector.Caller
	th     config.Grading
	now    func() time.Time
	log    *slog.Logger
}

// NewGrader returns a Grader.
func NewGrader(caller *selector.Caller, th config.Thresholds, log *slog.Logger) *Grader {
	return &Grader{caller: caller, th: th.Grading, now: time.Now, log: log.With("component", "grading")}
}

// Validate rejects answers that cannot be graded.
func (g *Grader) Validate(t state.Topic, answer string) error {
	if t.Status == state.TopicCompleted {
		return fmt.Errorf("%w: %s", ErrTopicCompleted, t.ID)
	}
	if n := len(strings.Fields(answer)); n < g.th.MinAnswerWords {
		return fmt.Errorf("%w: %d words, need %d", ErrAnswerTooShort, n, g.th.MinAnswerWords)
	}
	return nil
}

// Grade scores answer for topic t with one successful grade-tier call. A
// reteach decision also asks the bulk tier for a reteach plan; the grading
// stands without one when that call fails.
func (g *Grader) Grade(ctx context.Context, usage *selector.Usage, t state.Topic, answer string) (state.GradingResult, error) {
	if err := g.Validate(t, answer); err != nil {
		return state.GradingResult{}, err
	}

	res, err := g.caller.Call(ctx, usage, selector.Grade, "grade", map[string]any{
		"Topic":   t.Title,
		"Depth":   max(t.Depth, 1),
		"Context": topicContext(t),
		"Answer":  answer,
	})
	if err != nil {
		return state.GradingResult{}, fmt.Errorf("grading %s: %w", t.ID, err)
	}
	if res.Parsed == nil {
		return state.GradingResult{}, fmt.Errorf("grading %s: unparseable response", t.ID)
	}

	dims := make(map[string]int, len(Dimensions))
	score := 0
	for _, d := range Dimensions {
		v := min(max(llm.GetInt(res.Parsed, d, 0), 0), dimensionMax)
		dims[d] = v
		score += v
	}

	r := state.GradingResult{
		TopicID:    t.ID,
		Score:      score,
		Dimensions: dims,
		Feedback:   llm.GetString(res.Parsed, "feedback", ""),
		Decision:   string(Decide(score, t.RetryCount, g.th)),
		Depth:      max(t.Depth, 1),
		Model:      res.Handle.Model,
		GradedAt:   g.now().UTC(),
	}
	if Decision(r.Decision) == Reteach {
		plan, err := g.ReteachPlan(ctx, usage, t)
		if err != nil {
			g.log.Warn("reteach plan not generated", "topic", t.ID, "error", err)
		} else {
			r.Reteach = plan
		}
	}
	g.log.Info("graded", "topic", t.ID, "score", score, "decision", r.Decision, "model", r.Model)
	return r, nil
}

// ReteachPlan breaks topic t into simpler sub-concepts with a follow-up
// question.
func (g *Grader) ReteachPlan(ctx context.Context, usage *selector.Usage, t state.Topic) (*state.ReteachPlan, error) {
	res, err := g.caller.Call(ctx, usage, selector.Reteach, "reteach", map[string]any{
		"Topic":   t.Title,
		"Depth":   max(t.Depth, 1),
		"Context": topicContext(t),
	})
	if err != nil {
		return nil, fmt.Errorf("reteach plan for %s: %w", t.ID, err)
	}
	if res.Parsed == nil {
		return nil, fmt.Errorf("reteach plan for %s: unparseable response", t.ID)
	}

	plan := &state.ReteachPlan{Question: strings.TrimSpace(llm.GetString(res.Parsed, "reteach_question", ""))}
	items, _ := res.Parsed["sub_concepts"].([]any)
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		sc := state.SubConcept{
			Name:        strings.TrimSpace(llm.GetString(m, "name", "")),
			Explanation: strings.TrimSpace(llm.GetString(m, "explanation", "")),
		}
		if sc.Name == "" {
			continue
		}
		plan.SubConcepts = append(plan.SubConcepts, sc)
		if len(plan.SubConcepts) == maxSubConcepts {
			break
		}
	}
	if len(plan.SubConcepts) == 0 && plan.Question == "" {
		return nil, fmt.Errorf("reteach plan for %s: empty response", t.ID)
	}
	return plan, nil
}

func topicContext(t state.Topic) string {
	var b strings.Builder
	if t.Summary.TLDR != "" {
		fmt.Fprintf(&b, "TL;DR: %s\n", t.Summary.TLDR)
	}
	if t.Summary.CoreMechanism != "" {
		fmt.Fprintf(&b, "Core mechanism: %s\n", t.Summary.CoreMechanism)
	}
	for _, k := range t.Summary.KeyTakeaways {
		fmt.Fprintf(&b, "- %s\n", k)
	}
	if b.Len() == 0 {
		return t.Title
	}
	return b.String()
}

// Completes reports whether r masters the last depth of its topic.
func Completes(r state.GradingResult) bool {
	return Decision(r.Decision) == Advance && r.Depth >= state.MaxDepth
}

// Applied reports whether r is already part of the topic history.
func Applied(t *state.Topic, r state.GradingResult) bool {
	for _, h := range t.History {
		if h.GradedAt.Equal(r.GradedAt) {
			return true
		}
	}
	return false
}

// Apply folds a grading into the topic. It reports whether the topic
// completed. A result already in the history must not be applied again.
func Apply(t *state.Topic, r state.GradingResult, today string) bool {
	score := r.Score
	at := r.GradedAt
	t.MasteryScore = &score
	t.LastGradedAt = &at
	t.LastActivity = at
	t.History = append(t.History, state.HistoryEntry{Depth: r.Depth, Score: r.Score, Decision: r.Decision, GradedAt: at, Reteach: r.Reteach})

	switch Decision(r.Decision) {
	case Advance:
		t.RetryCount = 0
		t.Mode = state.ModeNormal
		t.ReteachUntil = nil
		if t.Depth >= state.MaxDepth {
			t.Status = state.TopicCompleted
			return true
		}
		t.Depth++
	case Retry:
		t.RetryCount++
	case Reteach:
		adaptive.EnterReteach(t, today)
	}
	return false
}
