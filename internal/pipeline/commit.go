package pipeline

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// stepCommit saves the outcome one document at a time. Every mutation is
// reapplied to a fresh copy on conflict, and content-keyed inserts make a
// partial commit safe to leave behind. Topics are saved before anything that
// records their urls as processed.
func (p *Pipeline) stepCommit(ctx context.Context, rn *run) StepResult {
	morning := rn.summary.Cleanup != nil
	cleanup := rn.summary.Cleanup
	if cleanup == nil {
		cleanup = &state.CleanupSummary{}
	}

	archived := map[string]bool{}
	if morning {
		_, _, err := docstore.Update(ctx, p.store, state.KeyArchive, func(a *state.Archive) error {
			clear(archived)
			for _, t := range rn.docs.Topics.Topics {
				reason, ok := p.archiveReason(t, rn.today)
				if !ok {
					continue
				}
				archived[t.ID] = true
				if !a.Has(t.ID) {
					a.Topics = append(a.Topics, state.ArchivedTopic{Topic: t, ArchiveReason: reason, ArchiveDate: rn.today})
				}
			}
			if len(archived) == 0 {
				return docstore.ErrSkip
			}
			return nil
		})
		if err != nil {
			return StepResult{Err: err}
		}
	}

	_, _, err := docstore.Update(ctx, p.store, state.KeyTopics, func(t *state.Topics) error {
		for _, nt := range rn.accepted {
			if t.Find(nt.ID) == nil && !t.HasURL(nt.SourceURL) {
				t.Topics = append(t.Topics, nt)
			}
		}
		if morning {
			kept := t.Topics[:0]
			for _, tp := range t.Topics {
				if _, still := p.archiveReason(tp, rn.today); archived[tp.ID] && still {
					continue
				}
				kept = append(kept, tp)
			}
			cleanup.Archived = len(t.Topics) - len(kept)
			t.Topics = kept
			cleanup.ReteachReverted = p.controller.RevertReteach(t, rn.today)
		}
		return nil
	})
	if err != nil {
		return StepResult{Err: err}
	}

	if len(rn.discarded) > 0 {
		_, _, err = docstore.Update(ctx, p.store, state.KeyDiscarded, func(d *state.Discarded) error {
			d.SetCapacity(p.cfg.Pipeline.DiscardedCap)
			for _, e := range rn.discarded {
				d.Push(e)
			}
			return nil
		})
		if err != nil {
			return StepResult{Err: err}
		}
	}

	// Processed urls are remembered only once their topics are saved.
	_, _, err = docstore.Update(ctx, p.store, state.KeyCache, func(c *state.Cache) error {
		c.Merge(rn.docs.Cache)
		if morning {
			cleanup.CachePruned = c.Prune(rn.now, p.cacheTTL())
		}
		return nil
	})
	if err != nil {
		return StepResult{Err: err}
	}

	var disabled []state.RssSource
	_, _, err = docstore.Update(ctx, p.store, state.KeyRssSources, func(s *state.RssSources) error {
		disabled = disabled[:0]
		for _, f := range p.cfg.Sources.Feeds {
			s.Seed(f.Name, f.URL)
		}
		if morning {
			cleanup.SourcesDecayed, cleanup.SourcesEnabled = s.Decay(rn.now, p.cfg.Content.ReenableDays)
		}
		for id, ferr := range rn.batch.Outcomes {
			if s.RecordOutcome(id, ferr != nil, rn.now, p.cfg.Content.DisableAfter) {
				for _, src := range s.Sources {
					if src.ID == id {
						disabled = append(disabled, src)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return StepResult{Err: err}
	}
	for _, src := range disabled {
		rn.errs = append(rn.errs, state.ErrorRecord{
			Component: "collect",
			Kind:      "source_disabled",
			Message:   fmt.Sprintf("%s (%s) disabled after %d consecutive failures: %v", src.Name, src.URL, src.ConsecutiveFailures, rn.batch.Outcomes[src.ID]),
		})
	}

	week := calendar.WeekOf(rn.today)
	cats := make([]string, 0, len(rn.accepted))
	for _, t := range rn.accepted {
		cats = append(cats, t.Category)
	}
	var tr budget.Transition
	_, _, err = docstore.Update(ctx, p.store, state.KeyMetrics, func(m *state.Metrics) error {
		tr = p.guard.RecordCost(m, rn.usage.Cost(), rn.now)
		if n := len(rn.accepted); n > 0 {
			m.DailyIntake[rn.today] += n
		}
		m.RecordCategories(rn.today, week, cats)
		if morning {
			cutoff := calendar.AddDays(rn.today, -p.th.DailyRetention)
			m.PruneDaily(cutoff)
			m.PruneWeeks(calendar.WeekOf(cutoff))
		}
		return nil
	})
	if err != nil {
		return StepResult{Err: err}
	}
	rn.costRecorded = true
	p.alertBudget(ctx, tr)

	errs := p.stamp(rn.errs, rn.slot)
	if len(errs) > 0 || morning {
		cutoff := rn.now.AddDate(0, 0, -p.cfg.Pipeline.ErrorRetention)
		_, _, err = docstore.Update(ctx, p.store, state.KeyErrors, func(e *state.Errors) error {
			e.SetCapacity(p.cfg.Pipeline.ErrorsCap)
			if morning {
				cleanup.ErrorsPruned = e.Filter(func(r state.ErrorRecord) bool { return !r.At.Before(cutoff) })
			}
			for _, r := range errs {
				e.Push(r)
			}
			return nil
		})
		if err != nil {
			return StepResult{Err: err}
		}
	}

	lost := false
	_, _, err = docstore.Update(ctx, p.store, state.KeyPipeline, func(ps *state.PipelineState) error {
		lost = false
		ps.Normalize()
		applyOverflow(&ps.Overflow, rn, p.cfg.Pipeline.OverflowCapacity, nil)
		if rn.backedUp {
			ps.LastBackupDate = rn.today
		}
		if ps.Date != rn.today {
			lost = true
			return nil
		}
		addRPD(ps, rn.today, rn.usage.Delta())
		rec := ps.Slot(rn.slot)
		if rec.RunID != rn.id || rec.Status != state.SlotRunning {
			lost = true
			return nil
		}
		finished := p.now()
		summary := rn.summary
		rec.Status = state.SlotDone
		rec.FinishedAt = &finished
		rec.Result = &summary
		return nil
	})
	if err != nil {
		return StepResult{Err: err}
	}
	if lost {
		p.log.Warn("slot claim lost before commit, outcome kept but status unchanged", "slot", rn.slot, "run_id", rn.id)
	}

	return StepResult{Summary: fmt.Sprintf("Committed %d topics, %d discarded, %d errors", len(rn.accepted), len(rn.discarded), len(errs))}
}
