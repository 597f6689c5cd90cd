package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/grading"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// ErrTopicNotFound is returned when grading an unknown topic id.
var ErrTopicNotFound = errors.New("topic not found")

// GradeResult is a grading outcome and what it changed.
type GradeResult struct {
	state.GradingResult
	Cached    bool       `json:"cached"`
	Completed bool       `json:"completed"`
	Mode      state.Mode `json:"mode"`
}

// Grade scores an answer for a topic. An answer already graded for the same
// topic, depth and extraction returns the stored result and changes nothing.
//
// A fresh result is saved to the cache as pending before it touches the topic
// or the metrics. Pending results of the topic are applied first, so a
// grading interrupted by a failed save is completed by the next request.
func (p *Pipeline) Grade(ctx context.Context, topicID, answer string) (*GradeResult, error) {
	topics, _, err := docstore.Get[state.Topics](ctx, p.store, state.KeyTopics)
	if err != nil {
		return nil, fmt.Errorf("loading topics: %w", err)
	}
	topic := topics.Find(topicID)
	if topic == nil {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	cacheDoc, _, err := docstore.Get[state.Cache](ctx, p.store, state.KeyCache)
	if err != nil {
		return nil, fmt.Errorf("loading cache: %w", err)
	}
	gc := grading.NewCache(cacheDoc, p.now)

	if pending := gc.Pending(topicID); len(pending) > 0 {
		var resumed *GradeResult
		for _, e := range pending {
			out, _, err := p.applyGrading(ctx, e.Key, e.Result, nil, p.now())
			if err != nil {
				return nil, err
			}
			gc.MarkApplied(e.Key)
			p.log.Info("pending grading applied", "topic", topicID, "score", e.Result.Score)
			if e.Key == grading.Key(topic.SourceURL, topic.ExtractionMethod, e.Result.Depth, answer) {
				resumed = out
			}
		}
		if resumed != nil {
			resumed.Cached = true
			return resumed, nil
		}
		if topics, _, err = docstore.Get[state.Topics](ctx, p.store, state.KeyTopics); err != nil {
			return nil, fmt.Errorf("loading topics: %w", err)
		}
		if topic = topics.Find(topicID); topic == nil {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
		}
	}

	if err := p.grader.Validate(*topic, answer); err != nil {
		return nil, err
	}

	now := p.now()
	today := calendar.Day(now, p.loc)
	ps, _, err := docstore.Get[state.PipelineState](ctx, p.store, state.KeyPipeline)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline state: %w", err)
	}
	metrics, _, err := docstore.Get[state.Metrics](ctx, p.store, state.KeyMetrics)
	if err != nil {
		return nil, fmt.Errorf("loading metrics: %w", err)
	}
	ps.Rollover(today)
	usage := selector.NewUsage(ps.RPD, p.guard.Spent(metrics, now))

	key := grading.Key(topic.SourceURL, topic.ExtractionMethod, topic.Depth, answer)
	r, hit, err := gc.GetOrGrade(ctx, key, func(ctx context.Context) (state.GradingResult, error) {
		return p.grader.Grade(ctx, usage, *topic, answer)
	})
	if err != nil {
		p.recordErrors(ctx, "", errorRecord("grading", err))
		if usage.Calls() > 0 {
			p.commitUsage(ctx, usage, today, now)
		}
		return nil, err
	}
	if hit {
		p.log.Info("grading cache hit", "topic", topicID, "score", r.Score)
		return &GradeResult{GradingResult: r, Cached: true, Mode: topic.Mode}, nil
	}

	if _, _, err := docstore.Update(ctx, p.store, state.KeyCache, func(c *state.Cache) error {
		r = grading.NewCache(c, p.now).Store(key, r)
		return nil
	}); err != nil {
		p.commitUsage(ctx, usage, today, now)
		return nil, fmt.Errorf("saving grading: %w", err)
	}

	out, costSaved, err := p.applyGrading(ctx, key, r, usage, now)
	if err != nil {
		if !costSaved {
			p.commitUsage(ctx, usage, today, now)
		} else if uerr := p.addUsage(ctx, usage, today); uerr != nil {
			p.log.Error("recording request counts", "error", uerr)
		}
		return nil, err
	}
	if err := p.addUsage(ctx, usage, today); err != nil {
		return nil, err
	}
	return out, nil
}

// applyGrading folds a pending result into its topic and the metrics, then
// clears the pending flag. Each save skips work an earlier attempt already
// did. usage is nil when the spend was recorded by an earlier attempt;
// costSaved reports whether this call saved it.
func (p *Pipeline) applyGrading(ctx context.Context, key string, r state.GradingResult, usage *selector.Usage, now time.Time) (out *GradeResult, costSaved bool, err error) {
	day := calendar.Day(r.GradedAt, p.loc)
	out = &GradeResult{GradingResult: r, Completed: grading.Completes(r)}

	_, _, err = docstore.Update(ctx, p.store, state.KeyTopics, func(t *state.Topics) error {
		tp := t.Find(r.TopicID)
		if tp == nil {
			return docstore.ErrSkip
		}
		out.Mode = tp.Mode
		if grading.Applied(tp, r) {
			return docstore.ErrSkip
		}
		grading.Apply(tp, r, day)
		out.Mode = tp.Mode
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("applying grading: %w", err)
	}

	var tr budget.Transition
	_, _, err = docstore.Update(ctx, p.store, state.KeyMetrics, func(m *state.Metrics) error {
		tr = budget.Transition{}
		if usage != nil {
			tr = p.guard.RecordCost(m, usage.Cost(), now)
		}
		counted := m.RecordGrading(day, key, r.Score)
		if counted && out.Completed {
			m.TopicsCompleted++
		}
		if !counted && usage == nil {
			return docstore.ErrSkip
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("recording grading metrics: %w", err)
	}
	costSaved = usage != nil
	p.alertBudget(ctx, tr)

	if _, _, err := docstore.Update(ctx, p.store, state.KeyCache, func(c *state.Cache) error {
		if !grading.NewCache(c, p.now).MarkApplied(key) {
			return docstore.ErrSkip
		}
		return nil
	}); err != nil {
		return nil, costSaved, fmt.Errorf("clearing pending grading: %w", err)
	}
	return out, costSaved, nil
}

// commitUsage saves the spend and request counts of calls whose result was
// unusable.
func (p *Pipeline) commitUsage(ctx context.Context, usage *selector.Usage, today string, now time.Time) {
	var tr budget.Transition
	_, _, err := docstore.Update(ctx, p.store, state.KeyMetrics, func(m *state.Metrics) error {
		tr = p.guard.RecordCost(m, usage.Cost(), now)
		return nil
	})
	if err != nil {
		p.log.Error("recording spend", "error", err)
	} else {
		p.alertBudget(ctx, tr)
	}
	if err := p.addUsage(ctx, usage, today); err != nil {
		p.log.Error("recording request counts", "error", err)
	}
}

// addUsage folds the request counts of usage into today's pipeline state.
func (p *Pipeline) addUsage(ctx context.Context, usage *selector.Usage, today string) error {
	delta := usage.Delta()
	if len(delta) == 0 {
		return nil
	}
	_, _, err := docstore.Update(ctx, p.store, state.KeyPipeline, func(ps *state.PipelineState) error {
		addRPD(ps, today, delta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording request counts: %w", err)
	}
	return nil
}
