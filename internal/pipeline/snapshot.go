package pipeline

import (
	"context"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Snapshot is a read-only view of every document for the dashboard.
type Snapshot struct {
	Date            string                       `json:"date"`
	GeneratedAt     time.Time                    `json:"generated_at"`
	BudgetStatus    budget.Status                `json:"budget_status"`
	MonthSpend      float64                      `json:"month_spend"`
	Currency        string                       `json:"currency"`
	Quota           int                          `json:"quota"`
	IntakeToday     int                          `json:"intake_today"`
	GradeDeprecated bool                         `json:"grade_model_deprecated"`
	Versions        map[string]string            `json:"versions"`
	Slots           map[string]*state.SlotRecord `json:"slots"`
	Topics          []state.Topic                `json:"topics"`
	Archived        int                          `json:"archived"`
	Metrics         *state.Metrics               `json:"metrics"`
	Pipeline        *state.PipelineState         `json:"pipeline_state"`
	Discarded       []state.DiscardedEntry       `json:"discarded"`
	Errors          []state.ErrorRecord          `json:"errors"`
	Sources         []state.RssSource            `json:"rss_sources"`
	CacheSizes      map[string]int               `json:"cache_sizes"`
}

// DashboardSnapshot loads every document concurrently and projects them. It
// writes nothing.
func (p *Pipeline) DashboardSnapshot(ctx context.Context) (*Snapshot, error) {
	docs, err := p.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	today := calendar.Day(now, p.loc)
	docs.Pipeline.Rollover(today)

	versions := make(map[string]string, len(docs.Versions))
	for k, v := range docs.Versions {
		versions[k] = string(v)
	}
	for i := range docs.Topics.Topics {
		t := &docs.Topics.Topics[i]
		t.Mode = p.controller.TopicMode(*t, today)
	}

	return &Snapshot{
		Date:            today,
		GeneratedAt:     now.UTC(),
		BudgetStatus:    p.guard.Status(docs.Metrics, now),
		MonthSpend:      p.guard.Spent(docs.Metrics, now),
		Currency:        p.cfg.Budget.Currency,
		Quota:           p.controller.Quota(docs.Metrics),
		IntakeToday:     docs.Metrics.DailyIntake[today],
		GradeDeprecated: p.sel.Deprecated(),
		Versions:        versions,
		Slots:           docs.Pipeline.Slots,
		Topics:          docs.Topics.Topics,
		Archived:        len(docs.Archive.Topics),
		Metrics:         docs.Metrics,
		Pipeline:        docs.Pipeline,
		Discarded:       docs.Discarded.Items,
		Errors:          docs.Errors.Items,
		Sources:         docs.Sources.Sources,
		CacheSizes: map[string]int{
			"url_dedup":      len(docs.Cache.URLDedup),
			"summaries":      len(docs.Cache.Summaries),
			"gradings":       len(docs.Cache.Gradings),
			"dedup_verdicts": len(docs.Cache.DedupVerdicts),
		},
	}, nil
}
