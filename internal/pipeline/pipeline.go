// Package pipeline runs the slot state machine, digest dispatch and grading
// against the document store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/KBCurator/internal/adaptive"
	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/collect"
	"github.com/TobiSchelling/KBCurator/internal/compose"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/grading"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/notify"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/synthesize"
	"github.com/TobiSchelling/KBCurator/internal/triage"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Err     error  `json:"-"`
}

// SlotError is an unrecoverable failure inside a slot execution.
type SlotError struct {
	Slot  string
	Stage string
	Err   error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %s failed at %s: %v", e.Slot, e.Stage, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// Extractor fetches the full text of an article page.
type Extractor interface {
	Extract(ctx context.Context, url string) (text, method string, err error)
}

// Deps are the collaborators of a Pipeline. Source, Extractor and Provider
// may be nil; Notifier defaults to an empty manager.
type Deps struct {
	Store     *docstore.Store
	Source    collect.Source
	Extractor Extractor
	Provider  llm.Provider
	Notifier  *notify.Manager
	Prompts   config.Prompts
	Now       func() time.Time
	Logger    *slog.Logger
}

// Pipeline orchestrates slot runs, digest dispatch and grading. It keeps no
// document between calls; every execution loads what it needs.
type Pipeline struct {
	cfg       *config.Config
	th        config.Thresholds
	loc       *time.Location
	store     *docstore.Store
	source    collect.Source
	extractor Extractor
	notifier  *notify.Manager

	sel        *selector.Selector
	caller     *selector.Caller
	guard      *budget.Guard
	controller *adaptive.Controller
	triager    *triage.Triager
	summarizer *synthesize.Synthesizer
	grader     *grading.Grader
	composer   *compose.Composer

	// Category per source id.
	categories map[string]string

	now func() time.Time
	log *slog.Logger
}

// New creates a new pipeline.
func New(cfg *config.Config, deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewManager(log)
	}

	th := cfg.Thresholds()
	loc := cfg.Location()
	guard := budget.NewGuard(th, loc)
	sel := selector.New(cfg.Models, th)
	caller := selector.NewCaller(deps.Provider, sel, guard, deps.Prompts, cfg.Models.MaxRetries, log)

	p := &Pipeline{
		cfg:        cfg,
		th:         th,
		loc:        loc,
		store:      deps.Store,
		source:     deps.Source,
		extractor:  deps.Extractor,
		notifier:   notifier,
		sel:        sel,
		caller:     caller,
		guard:      guard,
		controller: adaptive.New(th, log),
		triager:    triage.NewTriager(caller, th.MinRelevance, cfg.Content.TruncateWords, log),
		summarizer: synthesize.NewSynthesizer(caller, cfg.Content.TruncateWords, th.LowConfidence, log),
		grader:     grading.NewGrader(caller, th, log),
		composer:   compose.NewComposer(loc, th.MaxReview),
		now:        now,
		log:        log.With("component", "pipeline"),
	}
	p.categories = make(map[string]string, len(cfg.Sources.Feeds))
	for _, f := range cfg.Sources.Feeds {
		if f.Category != "" {
			p.categories[state.SourceID(f.URL)] = f.Category
		}
	}
	caller.OnDeprecated = p.modelDeprecated
	return p
}

// category returns the topic category of a candidate from its source.
func (p *Pipeline) category(c state.Candidate) string {
	if cat, ok := p.categories[c.SourceID]; ok {
		return cat
	}
	return state.DefaultCategory
}

// SetRetryBackoff overrides the delay between AI call attempts.
func (p *Pipeline) SetRetryBackoff(d time.Duration) {
	p.caller.SetBackoff(d)
}

func (p *Pipeline) modelDeprecated(ctx context.Context, model string, err error) {
	p.recordErrors(ctx, "", state.ErrorRecord{
		Component: "selector",
		Kind:      "model_deprecated",
		Message:   fmt.Sprintf("%s: %v", model, err),
	})
	p.notifier.Alert(ctx, "Grading model unavailable",
		fmt.Sprintf("The grading model %s was rejected (%v). Grading now uses %s until the configuration is updated.",
			model, err, p.cfg.Models.Bulk.Name))
}

// recordErrors appends records to the errors document. A failure to record is
// logged and otherwise ignored.
func (p *Pipeline) recordErrors(ctx context.Context, slot string, recs ...state.ErrorRecord) {
	if len(recs) == 0 {
		return
	}
	recs = p.stamp(recs, slot)
	_, _, err := docstore.Update(ctx, p.store, state.KeyErrors, func(doc *state.Errors) error {
		doc.SetCapacity(p.cfg.Pipeline.ErrorsCap)
		for _, r := range recs {
			doc.Push(r)
		}
		return nil
	})
	if err != nil {
		p.log.Error("recording errors", "count", len(recs), "error", err)
	}
}

// stamp fills the id, time and slot of records once, so a reapplied update
// pushes the same records.
func (p *Pipeline) stamp(recs []state.ErrorRecord, slot string) []state.ErrorRecord {
	now := p.now().UTC()
	out := make([]state.ErrorRecord, len(recs))
	for i, r := range recs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.At.IsZero() {
			r.At = now
		}
		if r.Slot == "" {
			r.Slot = slot
		}
		out[i] = r
	}
	return out
}

// errorRecord builds a record for err raised by component.
func errorRecord(component string, err error) state.ErrorRecord {
	return state.ErrorRecord{Component: component, Kind: errorKind(err), Message: err.Error()}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, selector.ErrAIDisabled):
		return "budget_exceeded"
	case errors.Is(err, llm.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrModelUnavailable):
		return "model_deprecated"
	case errors.Is(err, llm.ErrNotConfigured):
		return "ai_not_configured"
	case errors.Is(err, docstore.ErrConflictExhausted):
		return "conflict_exhausted"
	case errors.Is(err, docstore.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, docstore.ErrInvariant):
		return "invariant"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// alertBudget sends the RED alert on the first crossing of the month.
func (p *Pipeline) alertBudget(ctx context.Context, tr budget.Transition) {
	if !tr.AlertDue {
		return
	}
	p.log.Warn("budget entered RED, AI features disabled", "month", tr.Month, "spent", tr.Spent)
	p.notifier.Alert(ctx, "AI budget exhausted",
		fmt.Sprintf("Spend for %s reached %.2f %s, over the RED threshold of %.2f. AI features are disabled until next month.",
			tr.Month, tr.Spent, p.cfg.Budget.Currency, p.cfg.Budget.Red))
}

// addRPD folds a usage delta into the pipeline state of today.
func addRPD(ps *state.PipelineState, today string, delta map[string]int) {
	ps.Rollover(today)
	for model, n := range delta {
		ps.RPD[model] += n
	}
}

// detach returns a context that survives cancellation of ctx, for the writes
// that close out an execution.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
}
