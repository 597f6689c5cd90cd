// Package state defines the JSON documents that hold all pipeline state.
package state

import (
	"slices"
	"time"
)

// Document keys.
const (
	KeyTopics     = "topics"
	KeyArchive    = "archived_topics"
	KeyMetrics    = "metrics"
	KeyCache      = "cache"
	KeyPipeline   = "pipeline_state"
	KeyDiscarded  = "discarded"
	KeyErrors     = "errors"
	KeyRssSources = "rss_sources"
)

// AllKeys lists every document key.
var AllKeys = []string{
	KeyTopics, KeyArchive, KeyMetrics, KeyCache,
	KeyPipeline, KeyDiscarded, KeyErrors, KeyRssSources,
}

// Normalizer is implemented by documents that need non-nil maps after decoding.
type Normalizer interface {
	Normalize()
}

// Topic statuses.
const (
	TopicActive    = "active"
	TopicCompleted = "completed"
)

// Mode is an adaptive learning mode.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeLow      Mode = "LOW"
	ModeRecovery Mode = "RECOVERY"
	ModeReteach  Mode = "RETEACH"
)

// MaxDepth is the deepest level a topic is taught at before it completes.
const MaxDepth = 5

// Summary is the structured digest of an article.
type Summary struct {
	TLDR          string   `json:"tldr"`
	WhyItMatters  string   `json:"why_it_matters"`
	CoreMechanism string   `json:"core_mechanism"`
	KeyTakeaways  []string `json:"key_takeaways"`
	Faithfulness  *float64 `json:"faithfulness_score,omitempty"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
}

// HistoryEntry records one grading of a topic.
type HistoryEntry struct {
	Depth    int          `json:"depth"`
	Score    int          `json:"score"`
	Decision string       `json:"decision"`
	GradedAt time.Time    `json:"graded_at"`
	Reteach  *ReteachPlan `json:"reteach,omitempty"`
}

// Topic is a subject accepted past dedup and being taught.
type Topic struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	SourceURL        string         `json:"source_url"`
	SourceName       string         `json:"source_name"`
	ExtractionMethod string         `json:"extraction_method"`
	ContentHash      string         `json:"content_hash"`
	RelevanceScore   float64        `json:"relevance_score"`
	Summary          Summary        `json:"summary"`
	Status           string         `json:"status"`
	Depth            int            `json:"depth"`
	RetryCount       int            `json:"retry_count"`
	MasteryScore     *int           `json:"mastery_score"`
	LastGradedAt     *time.Time     `json:"last_graded_at"`
	Mode             Mode           `json:"mode"`
	Category         string         `json:"category"`
	ReteachUntil     *string        `json:"reteach_until"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivity     time.Time      `json:"last_activity"`
	History          []HistoryEntry `json:"history"`
}

// ActiveReteach returns the reteach plan of the latest grading while the
// topic is in reteach mode.
func (t *Topic) ActiveReteach() *ReteachPlan {
	if t.Mode != ModeReteach || len(t.History) == 0 {
		return nil
	}
	return t.History[len(t.History)-1].Reteach
}

// Topics is the topics document.
type Topics struct {
	Topics []Topic `json:"topics"`
}

// Find returns the topic with id, or nil.
func (t *Topics) Find(id string) *Topic {
	for i := range t.Topics {
		if t.Topics[i].ID == id {
			return &t.Topics[i]
		}
	}
	return nil
}

// HasURL reports whether any topic was built from url.
func (t *Topics) HasURL(url string) bool {
	return slices.ContainsFunc(t.Topics, func(tp Topic) bool { return tp.SourceURL == url })
}

// Titles returns the titles of all topics.
func (t *Topics) Titles() []string {
	out := make([]string, 0, len(t.Topics))
	for _, tp := range t.Topics {
		out = append(out, tp.Title)
	}
	return out
}

// ArchivedTopic is an immutable snapshot of a topic leaving the active set.
type ArchivedTopic struct {
	Topic
	ArchiveReason string `json:"archive_reason"`
	ArchiveDate   string `json:"archive_date"`
}

// Archive is the archived_topics document. Entries are only ever appended.
type Archive struct {
	Topics []ArchivedTopic `json:"topics"`
}

// Has reports whether a topic id is already archived.
func (a *Archive) Has(id string) bool {
	return slices.ContainsFunc(a.Topics, func(at ArchivedTopic) bool { return at.ID == id })
}

// Titles returns the titles of all archived topics.
func (a *Archive) Titles() []string {
	out := make([]string, 0, len(a.Topics))
	for _, at := range a.Topics {
		out = append(out, at.Title)
	}
	return out
}

// DailyGrading aggregates the gradings completed on one day.
type DailyGrading struct {
	Graded   int `json:"graded"`
	ScoreSum int `json:"score_sum"`
}

// Average returns the mean score, or 0 when nothing was graded.
func (d DailyGrading) Average() float64 {
	if d.Graded == 0 {
		return 0
	}
	return float64(d.ScoreSum) / float64(d.Graded)
}

// Metrics is the metrics document.
type Metrics struct {
	TotalCost               float64                   `json:"total_cost"`
	MonthlyCost             map[string]float64        `json:"monthly_cost"`
	BudgetAlertMonth        string                    `json:"budget_alert_month"`
	Streak                  int                       `json:"streak"`
	LastDispatchDate        string                    `json:"last_dispatch_date"`
	ConsecutiveLowDays      int                       `json:"consecutive_low_days"`
	ConsecutiveRecoveryDays int                       `json:"consecutive_recovery_days"`
	ConsecutiveNeutralDays  int                       `json:"consecutive_neutral_days"`
	AdaptiveMode            Mode                      `json:"adaptive_mode"`
	LastModeEvalDate        string                    `json:"last_mode_eval_date"`
	Paused                  bool                      `json:"paused"`
	DailyGrading            map[string]DailyGrading   `json:"daily_grading"`
	DailyIntake             map[string]int            `json:"daily_intake"`
	TotalGradings           int                       `json:"total_gradings"`
	TopicsCompleted         int                       `json:"topics_completed"`
	GradingKeys             map[string]string         `json:"grading_keys"`
	CategoryLastSeen        map[string]string         `json:"category_last_seen"`
	WeeklyCategories        map[string]map[string]int `json:"weekly_categories"`
}

// Normalize fills nil maps and the default mode.
func (m *Metrics) Normalize() {
	if m.MonthlyCost == nil {
		m.MonthlyCost = map[string]float64{}
	}
	if m.DailyGrading == nil {
		m.DailyGrading = map[string]DailyGrading{}
	}
	if m.DailyIntake == nil {
		m.DailyIntake = map[string]int{}
	}
	if m.GradingKeys == nil {
		m.GradingKeys = map[string]string{}
	}
	if m.CategoryLastSeen == nil {
		m.CategoryLastSeen = map[string]string{}
	}
	if m.WeeklyCategories == nil {
		m.WeeklyCategories = map[string]map[string]int{}
	}
	if m.AdaptiveMode == "" {
		m.AdaptiveMode = ModeNormal
	}
}

// RecordGrading adds one completed grading to the day's aggregate. A grading
// key already recorded is ignored; it reports whether the grading counted.
func (m *Metrics) RecordGrading(day, key string, score int) bool {
	m.Normalize()
	if _, ok := m.GradingKeys[key]; ok {
		return false
	}
	m.GradingKeys[key] = day
	d := m.DailyGrading[day]
	d.Graded++
	d.ScoreSum += score
	m.DailyGrading[day] = d
	m.TotalGradings++
	return true
}

// PruneDaily drops per-day aggregates older than day.
func (m *Metrics) PruneDaily(day string) int {
	n := 0
	for k := range m.DailyGrading {
		if k < day {
			delete(m.DailyGrading, k)
			n++
		}
	}
	for k := range m.DailyIntake {
		if k < day {
			delete(m.DailyIntake, k)
			n++
		}
	}
	for k, d := range m.GradingKeys {
		if d < day {
			delete(m.GradingKeys, k)
		}
	}
	return n
}

// DiscardedEntry is a rejected candidate.
type DiscardedEntry struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	DiscardedAt time.Time `json:"discarded_at"`
}

// Discarded is the discarded document.
type Discarded struct {
	Capped[DiscardedEntry]
}

// ErrorRecord is one structured error.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Component string    `json:"component"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Slot      string    `json:"slot,omitempty"`
	At        time.Time `json:"at"`
}

// Errors is the errors document.
type Errors struct {
	Capped[ErrorRecord]
}
