package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/collect"
	"github.com/TobiSchelling/KBCurator/internal/dedup"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/synthesize"
	"github.com/TobiSchelling/KBCurator/internal/triage"
)

// Discard reasons.
const (
	DiscardMalformed  = "malformed"
	DiscardDuplicate  = "duplicate"
	DiscardTooShort   = "too_short"
	DiscardIrrelevant = "irrelevant"
	DiscardEvicted    = "overflow_evicted"
)

func (p *Pipeline) stepCollect(ctx context.Context, rn *run) StepResult {
	if p.source == nil {
		rn.batch = &collect.Batch{Outcomes: map[string]error{}}
		return StepResult{Summary: "No source configured"}
	}
	active := rn.docs.Sources.Active()
	rn.batch = p.source.Collect(ctx, active)
	return StepResult{Summary: fmt.Sprintf("Collected %d candidates from %d sources (%d failed)",
		len(rn.batch.Candidates), len(active), len(rn.batch.Failed()))}
}

// stepIntake turns candidates into topics until the slot capacity or the
// remaining daily quota is reached. Everything not processed is queued, as
// are candidates of a category already over-represented this week.
func (p *Pipeline) stepIntake(ctx context.Context, rn *run) StepResult {
	d := rn.docs
	remaining := p.controller.Quota(d.Metrics) - d.Metrics.DailyIntake[rn.today]
	limit := min(p.cfg.Pipeline.SlotCapacity, max(remaining, 0))

	cands := p.candidates(rn)
	cands, forced := p.prioritizeStarved(rn, cands)
	week := d.Metrics.WeekCounts(calendar.WeekOf(rn.today))
	known := knownTitles(d)
	engine := dedup.New(p.th, dedup.AIConfirm(p.caller, rn.usage), p.log)
	sres := &synthesize.Result{}

	for i := 0; i < len(cands); i++ {
		if len(rn.accepted) >= limit || rn.stopAI {
			rn.overflow = append(rn.overflow, cands[i:]...)
			break
		}
		c := cands[i]

		if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.URL) == "" {
			rn.discard(c, DiscardMalformed, "missing title or url")
			continue
		}
		cat := p.category(c)
		if c.URL != forced && state.OverRepresented(week, cat) {
			p.log.Debug("category over-represented this week, deferring", "category", cat, "url", c.URL)
			rn.summary.Deferred++
			rn.overflow = append(rn.overflow, c)
			continue
		}

		res, err := engine.Check(ctx, c, known, d.Cache)
		if err != nil {
			return StepResult{Err: fmt.Errorf("dedup: %w", err)}
		}
		if res.Duplicate {
			rn.summary.Duplicates++
			dedup.Remember(d.Cache, c, rn.now)
			rn.discard(c, DiscardDuplicate, fmt.Sprintf("%s of %q (score %d, %s)", res.Verdict, res.Match, res.Score, res.Reason))
			continue
		}

		c = p.ensureText(ctx, c)
		if llm.WordCount(c.Text) < p.cfg.Content.MinWords {
			dedup.Remember(d.Cache, c, rn.now)
			rn.discard(c, DiscardTooShort, fmt.Sprintf("%d words", llm.WordCount(c.Text)))
			continue
		}
		if p.cfg.Content.MaxWords > 0 && llm.WordCount(c.Text) > p.cfg.Content.MaxWords {
			c.Text = llm.TruncateWords(c.Text, p.cfg.Content.MaxWords)
		}

		v, err := p.triager.Score(ctx, rn.usage, c)
		if err != nil {
			if p.halt(ctx, rn, "triage", err) {
				rn.overflow = append(rn.overflow, c)
				rn.overflow = append(rn.overflow, cands[i+1:]...)
				break
			}
			rn.errs = append(rn.errs, errorRecord("triage", err))
			rn.overflow = append(rn.overflow, c)
			continue
		}
		if !v.Relevant {
			dedup.Remember(d.Cache, c, rn.now)
			rn.discard(c, DiscardIrrelevant, v.Reason)
			continue
		}

		sum, err := p.summarizer.Summarize(ctx, rn.usage, c, d.Cache, sres)
		if err != nil {
			if p.halt(ctx, rn, "synthesize", err) {
				rn.overflow = append(rn.overflow, c)
				rn.overflow = append(rn.overflow, cands[i+1:]...)
				break
			}
			rn.errs = append(rn.errs, errorRecord("synthesize", err))
			rn.overflow = append(rn.overflow, c)
			continue
		}

		rn.accepted = append(rn.accepted, newTopic(c, cat, v, sum, rn))
		week[cat]++
		known = append(known, c.Title)
		dedup.Remember(d.Cache, c, rn.now)
	}
	if err := ctx.Err(); err != nil {
		return StepResult{Err: err}
	}

	p.queue(rn)
	rn.summary.Accepted = len(rn.accepted)
	rn.summary.Overflowed = len(rn.overflow)
	rn.summary.Discarded = len(rn.discarded)
	rn.summary.AICalls = rn.usage.Calls()
	rn.summary.Cost = rn.usage.Cost()
	return StepResult{Summary: fmt.Sprintf("Accepted %d of %d candidates (limit %d), %d discarded, %d queued, %d summaries cached",
		rn.summary.Accepted, len(cands), limit, rn.summary.Discarded, rn.summary.Overflowed, sres.CacheHits)}
}

// candidates returns the queued candidates followed by the fetched ones,
// dropping urls that were already processed. A queued url that is already a
// topic was accepted by a run whose commit stopped early.
func (p *Pipeline) candidates(rn *run) []state.Candidate {
	d := rn.docs
	seen := map[string]bool{}
	var out []state.Candidate
	for _, c := range d.Pipeline.Overflow.Items {
		k := state.URLKey(c.URL)
		rn.consumed[k] = true
		if seen[k] {
			continue
		}
		seen[k] = true
		if c.URL != "" && d.Topics.HasURL(c.URL) {
			rn.summary.Duplicates++
			continue
		}
		out = append(out, c)
	}
	rn.summary.FromQueue = len(out)
	rn.summary.Candidates = len(out) + len(rn.batch.Candidates)

	for _, c := range rn.batch.Candidates {
		k := state.URLKey(c.URL)
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := d.Cache.URLDedup[k]; ok || (c.URL != "" && d.Topics.HasURL(c.URL)) {
			rn.summary.Duplicates++
			continue
		}
		out = append(out, c)
	}
	return out
}

// prioritizeStarved moves the first candidate of the category with the
// longest drought to the front once that drought reaches the configured days.
// It returns the reordered candidates and the url of the forced one.
func (p *Pipeline) prioritizeStarved(rn *run, cands []state.Candidate) ([]state.Candidate, string) {
	starved := rn.docs.Metrics.Starved(rn.today, p.th.DroughtDays)
	if starved == "" {
		return cands, ""
	}
	i := slices.IndexFunc(cands, func(c state.Candidate) bool { return p.category(c) == starved })
	if i < 0 {
		p.log.Info("starved category has no candidate", "category", starved)
		return cands, ""
	}
	c := cands[i]
	out := make([]state.Candidate, 0, len(cands))
	out = append(out, c)
	out = append(out, cands[:i]...)
	out = append(out, cands[i+1:]...)
	rn.summary.Forced = starved
	p.log.Info("drought override", "category", starved, "url", c.URL)
	return out, c.URL
}

// ensureText fetches the article page when the feed text is too short.
func (p *Pipeline) ensureText(ctx context.Context, c state.Candidate) state.Candidate {
	if p.extractor == nil || llm.WordCount(c.Text) >= p.cfg.Content.MinWords {
		return c
	}
	text, method, err := p.extractor.Extract(ctx, c.URL)
	if err != nil {
		p.log.Warn("extraction failed", "url", c.URL, "error", err)
		return c
	}
	if llm.WordCount(text) > llm.WordCount(c.Text) {
		c.Text, c.Method = text, method
	}
	return c
}

// halt reports whether err stops every further AI call in this slot.
func (p *Pipeline) halt(ctx context.Context, rn *run, component string, err error) bool {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, selector.ErrAIDisabled), errors.Is(err, llm.ErrRateLimited), errors.Is(err, llm.ErrNotConfigured):
		p.log.Warn("AI calls stopped for this slot", "component", component, "error", err)
		rn.errs = append(rn.errs, errorRecord(component, err))
	default:
		return false
	}
	rn.stopAI = true
	return true
}

// queue simulates the overflow update on the loaded copy to find which
// entries the capacity evicts.
func (p *Pipeline) queue(rn *run) {
	ov := rn.docs.Pipeline.Overflow
	ov.Items = append([]state.Candidate(nil), ov.Items...)
	applyOverflow(&ov, rn, p.cfg.Pipeline.OverflowCapacity, func(evicted []state.Candidate) {
		for _, c := range evicted {
			dedup.Remember(rn.docs.Cache, c, rn.now)
			rn.discard(c, DiscardEvicted, "")
		}
	})
}

// applyOverflow removes the candidates taken by this run and queues the
// deferred ones, skipping urls already queued.
func applyOverflow(ov *state.Capped[state.Candidate], rn *run, capacity int, onEvict func([]state.Candidate)) {
	ov.Filter(func(c state.Candidate) bool { return !rn.consumed[state.URLKey(c.URL)] })
	if ev := ov.SetCapacity(capacity); len(ev) > 0 && onEvict != nil {
		onEvict(ev)
	}
	queued := map[string]bool{}
	for _, c := range ov.Items {
		queued[state.URLKey(c.URL)] = true
	}
	for _, c := range rn.overflow {
		k := state.URLKey(c.URL)
		if queued[k] {
			continue
		}
		queued[k] = true
		if ev := ov.Push(c); len(ev) > 0 && onEvict != nil {
			onEvict(ev)
		}
	}
}

func (rn *run) discard(c state.Candidate, reason, detail string) {
	rn.discarded = append(rn.discarded, state.DiscardedEntry{
		Title:       c.Title,
		URL:         c.URL,
		Reason:      reason,
		Detail:      detail,
		DiscardedAt: rn.now.UTC(),
	})
}

func knownTitles(d *documents) []string {
	known := d.Topics.Titles()
	known = append(known, d.Archive.Titles()...)
	return append(known, d.Cache.Titles()...)
}

func newTopic(c state.Candidate, category string, v *triage.Verdict, sum state.Summary, rn *run) state.Topic {
	now := rn.now.UTC()
	return state.Topic{
		ID:               state.URLKey(c.URL)[:12],
		Title:            c.Title,
		SourceURL:        c.URL,
		SourceName:       c.Source,
		ExtractionMethod: c.Method,
		ContentHash:      state.Hash(c.Text),
		RelevanceScore:   v.Composite,
		Summary:          sum,
		Status:           state.TopicActive,
		Depth:            1,
		Mode:             state.ModeNormal,
		Category:         category,
		CreatedAt:        now,
		LastActivity:     now,
	}
}
