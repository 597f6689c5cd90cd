package pipeline

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/KBCurator/internal/adaptive"
	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/notify"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// DigestResult reports a digest dispatch.
type DigestResult struct {
	Date        string     `json:"date"`
	Subject     string     `json:"subject"`
	TopicIDs    []string   `json:"topic_ids"`
	AlreadySent bool       `json:"already_sent"`
	Sent        bool       `json:"sent"`
	Error       string     `json:"error,omitempty"`
	Streak      int        `json:"streak"`
	Mode        state.Mode `json:"mode,omitempty"`
	Paused      bool       `json:"paused"`
}

// DispatchDigest sends today's digest once. A successful send advances the
// streak and re-evaluates the adaptive mode; a failed send changes nothing and
// may be retried.
func (p *Pipeline) DispatchDigest(ctx context.Context) (*DigestResult, error) {
	now := p.now()
	today := calendar.Day(now, p.loc)
	r := &DigestResult{Date: today}

	ps, _, err := docstore.Get[state.PipelineState](ctx, p.store, state.KeyPipeline)
	if err != nil {
		return nil, fmt.Errorf("loading pipeline state: %w", err)
	}
	if ps.Digest != nil && ps.Digest.Date == today {
		r.AlreadySent = true
		r.Subject, r.TopicIDs = ps.Digest.Subject, ps.Digest.Topics
		p.log.Info("digest already sent", "date", today)
		return r, nil
	}

	topics, _, err := docstore.Get[state.Topics](ctx, p.store, state.KeyTopics)
	if err != nil {
		return nil, fmt.Errorf("loading topics: %w", err)
	}
	metrics, _, err := docstore.Get[state.Metrics](ctx, p.store, state.KeyMetrics)
	if err != nil {
		return nil, fmt.Errorf("loading metrics: %w", err)
	}

	d, err := p.composer.Compose(today, topics.Topics, metrics)
	if err != nil {
		return nil, fmt.Errorf("composing digest: %w", err)
	}
	r.Subject, r.TopicIDs = d.Subject, d.TopicIDs

	msg := &notify.Message{Kind: notify.KindDigest, Subject: d.Subject, Body: d.Markdown, HTML: d.HTML}
	if err := p.notifier.Send(ctx, msg); err != nil {
		p.log.Error("digest delivery failed", "date", today, "error", err)
		r.Error = err.Error()
		p.recordErrors(ctx, "", errorRecord("notify", err))
		return r, nil
	}
	r.Sent = true

	m, _, err := docstore.Update(ctx, p.store, state.KeyMetrics, func(m *state.Metrics) error {
		p.controller.Recompute(m, today)
		adaptive.RecordDispatch(m, today)
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("recording dispatch: %w", err)
	}
	r.Streak, r.Mode, r.Paused = m.Streak, m.AdaptiveMode, m.Paused

	sentAt := p.now().UTC()
	_, _, err = docstore.Update(ctx, p.store, state.KeyPipeline, func(ps *state.PipelineState) error {
		ps.Rollover(today)
		ps.Digest = &state.DigestRecord{Date: today, Topics: d.TopicIDs, Subject: d.Subject, SentAt: sentAt}
		return nil
	})
	if err != nil {
		return r, fmt.Errorf("recording digest: %w", err)
	}
	p.log.Info("digest sent", "date", today, "topics", len(d.TopicIDs), "streak", r.Streak, "mode", r.Mode)
	return r, nil
}
