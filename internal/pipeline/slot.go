package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/collect"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Outcomes of a trigger that did not run the slot.
const (
	SkipAlreadyDone   = "already_done"
	SkipAlreadyFailed = "already_failed"
	SkipInProgress    = "in_progress"
	SkipAbandoned     = "abandoned"
)

// SlotResult is what a slot trigger did.
type SlotResult struct {
	Slot    string             `json:"slot"`
	Date    string             `json:"date"`
	RunID   string             `json:"run_id,omitempty"`
	Status  state.SlotStatus   `json:"status"`
	Skipped string             `json:"skipped,omitempty"`
	Summary *state.SlotSummary `json:"summary,omitempty"`
	Error   string             `json:"error,omitempty"`
	Steps   []StepResult       `json:"steps,omitempty"`
}

// ErrUnknownSlot is returned for a slot name outside the configured windows.
var ErrUnknownSlot = errors.New("unknown slot")

// run carries the working state of one slot execution.
type run struct {
	slot  string
	today string
	id    string
	now   time.Time
	usage *selector.Usage
	docs  *documents

	batch     *collect.Batch
	consumed  map[string]bool
	overflow  []state.Candidate
	evicted   []state.Candidate
	discarded []state.DiscardedEntry
	accepted  []state.Topic
	errs      []state.ErrorRecord
	summary   state.SlotSummary
	backedUp  bool
	stopAI    bool

	// Set once the commit has saved the spend of this run.
	costRecorded bool
}

// RunSlot executes slot for the current local day. A slot runs at most once
// per day: DONE and FAILED slots return their stored outcome, a RUNNING slot
// returns in_progress until it goes stale.
func (p *Pipeline) RunSlot(ctx context.Context, slot string) (*SlotResult, error) {
	if !calendar.ValidSlot(slot) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	now := p.now()
	today := calendar.Day(now, p.loc)
	r := &SlotResult{Slot: slot, Date: today}

	claimed, err := p.claim(ctx, slot, today, now, r)
	if err != nil {
		telemetry.SlotRuns.WithLabelValues(slot, "claim_error").Inc()
		return nil, &SlotError{Slot: slot, Stage: "claim", Err: err}
	}
	if !claimed {
		telemetry.SlotRuns.WithLabelValues(slot, r.Skipped).Inc()
		if r.Skipped == SkipAbandoned {
			fctx, cancel := detach(ctx)
			defer cancel()
			p.recordErrors(fctx, slot, state.ErrorRecord{
				Component: "pipeline",
				Kind:      "abandoned",
				Message:   r.Error,
			})
		}
		p.log.Info("slot not run", "slot", slot, "date", today, "outcome", r.Skipped)
		return r, nil
	}

	p.log.Info("slot started", "slot", slot, "date", today, "run_id", r.RunID)
	rn := &run{slot: slot, today: today, id: r.RunID, now: now, consumed: map[string]bool{}}
	stage, err := p.execute(ctx, rn, r)
	if err == nil {
		r.Status = state.SlotDone
		r.Summary = &rn.summary
		telemetry.SlotRuns.WithLabelValues(slot, string(state.SlotDone)).Inc()
		p.log.Info("slot done", "slot", slot, "accepted", rn.summary.Accepted,
			"discarded", rn.summary.Discarded, "overflowed", rn.summary.Overflowed, "cost", rn.summary.Cost)
		return r, nil
	}

	serr := &SlotError{Slot: slot, Stage: stage, Err: err}
	p.log.Error("slot failed", "slot", slot, "stage", stage, "error", err)
	telemetry.SlotRuns.WithLabelValues(slot, string(state.SlotFailed)).Inc()
	r.Status = state.SlotFailed
	r.Error = serr.Error()

	fctx, cancel := detach(ctx)
	defer cancel()
	p.recordErrors(fctx, slot, errorRecord("pipeline", serr))
	p.saveRunUsage(fctx, rn)
	if ferr := p.markFailed(fctx, slot, today, r.RunID, serr.Error()); ferr != nil {
		p.log.Error("marking slot failed", "slot", slot, "error", ferr)
	}
	if errors.Is(err, docstore.ErrInvariant) {
		return r, serr
	}
	return r, nil
}

// saveRunUsage keeps the spend and request counts of a failed run that the
// commit did not get to record.
func (p *Pipeline) saveRunUsage(ctx context.Context, rn *run) {
	if rn.usage == nil || rn.usage.Calls() == 0 {
		return
	}
	if !rn.costRecorded {
		p.commitUsage(ctx, rn.usage, rn.today, rn.now)
		return
	}
	if err := p.addUsage(ctx, rn.usage, rn.today); err != nil {
		p.log.Error("recording request counts", "slot", rn.slot, "error", err)
	}
}

// claim moves the slot from PENDING to RUNNING. It reports false when the
// trigger must not run the slot, with the reason in r.Skipped.
func (p *Pipeline) claim(ctx context.Context, slot, today string, now time.Time, r *SlotResult) (bool, error) {
	claimed := false
	_, _, err := docstore.Update(ctx, p.store, state.KeyPipeline, func(ps *state.PipelineState) error {
		claimed = false
		r.Skipped, r.Error, r.Summary = "", "", nil
		ps.Rollover(today)
		rec := ps.Slot(slot)
		r.Status, r.RunID = rec.Status, rec.RunID

		switch rec.Status {
		case state.SlotDone:
			r.Skipped, r.Summary = SkipAlreadyDone, rec.Result
			return docstore.ErrSkip
		case state.SlotFailed:
			r.Skipped, r.Error = SkipAlreadyFailed, rec.Error
			return docstore.ErrSkip
		case state.SlotRunning:
			if rec.StartedAt != nil && now.Sub(*rec.StartedAt) < p.cfg.Pipeline.StaleAfter {
				r.Skipped = SkipInProgress
				return docstore.ErrSkip
			}
			rec.Status = state.SlotFailed
			rec.FinishedAt = &now
			rec.Error = fmt.Sprintf("run %s abandoned: still RUNNING after %s", rec.RunID, p.cfg.Pipeline.StaleAfter)
			r.Status, r.Skipped, r.Error = state.SlotFailed, SkipAbandoned, rec.Error
			return nil
		}

		rec.Status = state.SlotRunning
		rec.RunID = uuid.NewString()
		rec.StartedAt = &now
		rec.FinishedAt = nil
		rec.Result = nil
		rec.Error = ""
		r.Status, r.RunID = rec.Status, rec.RunID
		claimed = true
		return nil
	})
	return claimed, err
}

// execute runs the slot steps and commits the outcome. It returns the name of
// the failing step with the error.
func (p *Pipeline) execute(ctx context.Context, rn *run, r *SlotResult) (string, error) {
	steps := []struct {
		name string
		fn   func(context.Context, *run) StepResult
	}{
		{"Load", p.stepLoad},
		{"Cleanup", p.stepCleanup},
		{"Collect", p.stepCollect},
		{"Intake", p.stepIntake},
		{"Commit", p.stepCommit},
	}
	for _, s := range steps {
		step := s.fn(ctx, rn)
		step.Name = s.name
		r.Steps = append(r.Steps, step)
		if step.Err != nil {
			return s.name, step.Err
		}
		if step.Summary != "" {
			p.log.Info(step.Summary, "slot", rn.slot, "step", s.name)
		}
	}
	return "", nil
}

func (p *Pipeline) stepLoad(ctx context.Context, rn *run) StepResult {
	docs, err := p.loadAll(ctx)
	if err != nil {
		return StepResult{Err: err}
	}
	rn.docs = docs
	docs.Pipeline.Rollover(rn.today)
	rn.usage = selector.NewUsage(docs.Pipeline.RPD, p.guard.Spent(docs.Metrics, rn.now))
	for _, f := range p.cfg.Sources.Feeds {
		docs.Sources.Seed(f.Name, f.URL)
	}
	return StepResult{Summary: fmt.Sprintf("Loaded %d topics, %d queued candidates", len(docs.Topics.Topics), docs.Pipeline.Overflow.Len())}
}

// markFailed records a failed run unless another run has taken the slot.
func (p *Pipeline) markFailed(ctx context.Context, slot, today, runID, msg string) error {
	_, _, err := docstore.Update(ctx, p.store, state.KeyPipeline, func(ps *state.PipelineState) error {
		if ps.Date != today {
			return docstore.ErrSkip
		}
		rec := ps.Slot(slot)
		if rec.RunID != runID || rec.Status != state.SlotRunning {
			return docstore.ErrSkip
		}
		now := p.now()
		rec.Status = state.SlotFailed
		rec.FinishedAt = &now
		rec.Error = msg
		return nil
	})
	return err
}
