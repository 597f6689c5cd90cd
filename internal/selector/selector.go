// Package selector chooses between the bulk and grade model tiers.
package selector

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm"
)

// ErrAIDisabled is returned instead of a model when the budget is RED.
var ErrAIDisabled = errors.New("ai calls disabled by budget")

// Purpose names why a model is needed.
type Purpose string

const (
	Score        Purpose = "score"
	Summarize    Purpose = "summarize"
	Faithfulness Purpose = "faithfulness"
	Dedup        Purpose = "dedup"
	Grade        Purpose = "grade"
	Reteach      Purpose = "reteach"
)

// Tier is a model tier.
type Tier string

const (
	Bulk      Tier = "bulk"
	GradeTier Tier = "grade"
)

// Handle identifies the model chosen for a call.
type Handle struct {
	Tier    Tier
	Model   string
	Pricing config.ModelTier
}

// Selector picks a model per purpose. The deprecation flag lives for the
// process lifetime.
type Selector struct {
	bulk       config.ModelTier
	grade      config.ModelTier
	gradeCap   int
	deprecated atomic.Bool
}

// New returns a Selector for the configured tiers.
func New(models config.Models, th config.Thresholds) *Selector {
	return &Selector{bulk: models.Bulk, grade: models.Grade, gradeCap: th.GradeCap}
}

// Select returns the model for purpose given today's request counts and the
// budget status. A RED budget yields ErrAIDisabled for every purpose.
func (s *Selector) Select(p Purpose, rpd map[string]int, status budget.Status) (Handle, error) {
	if !status.AllowsAI() {
		return Handle{}, ErrAIDisabled
	}
	if p == Grade && !s.deprecated.Load() && rpd[s.grade.Name] < s.gradeCap {
		return Handle{Tier: GradeTier, Model: s.grade.Name, Pricing: s.grade}, nil
	}
	return s.Fallback(rpd)
}

// Fallback returns the bulk tier, or ErrRateLimited when its daily cap is spent.
func (s *Selector) Fallback(rpd map[string]int) (Handle, error) {
	if s.bulk.DailyCap > 0 && rpd[s.bulk.Name] >= s.bulk.DailyCap {
		return Handle{}, fmt.Errorf("%w: %s daily cap %d reached", llm.ErrRateLimited, s.bulk.Name, s.bulk.DailyCap)
	}
	return Handle{Tier: Bulk, Model: s.bulk.Name, Pricing: s.bulk}, nil
}

// MarkDeprecated routes grading to the bulk tier for the rest of the process.
// It returns true only for the call that set the flag.
func (s *Selector) MarkDeprecated() bool {
	return s.deprecated.CompareAndSwap(false, true)
}

// Deprecated reports whether the grade model has been rejected.
func (s *Selector) Deprecated() bool {
	return s.deprecated.Load()
}
