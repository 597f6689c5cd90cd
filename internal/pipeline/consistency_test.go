package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

const (
	topicsPath  = "state/topics.json"
	metricsPath = "state/metrics.json"
	errorsPath  = "state/errors.json"
)

func TestGradeResumesAfterTopicsSaveFails(t *testing.T) {
	h := newHarness(t, wednesday)
	seedTopic(h)
	month := calendar.Month(h.clock(), time.UTC)

	h.mem.FailPutsTo(topicsPath, true)
	_, err := h.p.Grade(context.Background(), "t1", answer)
	require.Error(t, err)

	m := load[state.Metrics](h, state.KeyMetrics)
	assert.Positive(t, m.MonthlyCost[month])
	assert.Zero(t, m.TotalGradings)
	cache := load[state.Cache](h, state.KeyCache)
	require.Len(t, cache.Gradings, 1)
	for _, e := range cache.Gradings {
		assert.True(t, e.Pending)
	}
	spent := m.MonthlyCost[month]

	h.mem.FailPutsTo(topicsPath, false)
	r, err := h.p.Grade(context.Background(), "t1", answer)
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Equal(t, 80, r.Score)
	assert.Equal(t, 1, h.ai.Count("STUDENT ANSWER"))

	topic := load[state.Topics](h, state.KeyTopics).Find("t1")
	assert.Equal(t, 2, topic.Depth)
	require.NotNil(t, topic.MasteryScore)
	assert.Equal(t, 80, *topic.MasteryScore)
	assert.Len(t, topic.History, 1)

	m = load[state.Metrics](h, state.KeyMetrics)
	assert.Equal(t, 1, m.TotalGradings)
	assert.Equal(t, 1, m.DailyGrading[h.today()].Graded)
	assert.Equal(t, 80, m.DailyGrading[h.today()].ScoreSum)
	assert.InDelta(t, spent, m.MonthlyCost[month], 1e-9)

	cache = load[state.Cache](h, state.KeyCache)
	for _, e := range cache.Gradings {
		assert.False(t, e.Pending)
	}
}

func TestGradeAppliesOnceWhenMetricsSaveFails(t *testing.T) {
	h := newHarness(t, wednesday)
	seedTopic(h)

	h.mem.FailPutsTo(metricsPath, true)
	_, err := h.p.Grade(context.Background(), "t1", answer)
	require.Error(t, err)
	assert.Equal(t, 2, load[state.Topics](h, state.KeyTopics).Find("t1").Depth)
	// Request counts are kept even though the spend could not be saved.
	assert.Equal(t, 1, load[state.PipelineState](h, state.KeyPipeline).RPD[h.cfg.Models.Grade.Name])

	h.mem.FailPutsTo(metricsPath, false)
	r, err := h.p.Grade(context.Background(), "t1", answer)
	require.NoError(t, err)
	assert.True(t, r.Cached)
	assert.Equal(t, 1, h.ai.Count("STUDENT ANSWER"))

	topic := load[state.Topics](h, state.KeyTopics).Find("t1")
	assert.Equal(t, 2, topic.Depth)
	assert.Len(t, topic.History, 1)
	m := load[state.Metrics](h, state.KeyMetrics)
	assert.Equal(t, 1, m.TotalGradings)
	assert.Equal(t, 1, m.DailyGrading[h.today()].Graded)
}

func TestPendingGradingAppliedBeforeNewAnswer(t *testing.T) {
	h := newHarness(t, wednesday)
	seedTopic(h)

	h.mem.FailPutsTo(topicsPath, true)
	_, err := h.p.Grade(context.Background(), "t1", answer)
	require.Error(t, err)
	h.mem.FailPutsTo(topicsPath, false)
	h.advance(time.Minute)

	other := answer + " and evaluation sets catch regressions before launch"
	r, err := h.p.Grade(context.Background(), "t1", other)
	require.NoError(t, err)
	assert.False(t, r.Cached)
	// The pending grading advanced the topic, so the new answer is graded at depth 2.
	assert.Equal(t, 2, r.Depth)

	topic := load[state.Topics](h, state.KeyTopics).Find("t1")
	assert.Equal(t, 3, topic.Depth)
	assert.Len(t, topic.History, 2)
	assert.Equal(t, 2, load[state.Metrics](h, state.KeyMetrics).TotalGradings)
}

func TestAcceptedTopicsSurviveFailedTopicsSave(t *testing.T) {
	h := newHarness(t, wednesday)
	h.src.set(candidate(0), candidate(1))

	h.mem.FailPutsTo(topicsPath, true)
	r := h.run(calendar.Morning)
	require.Equal(t, state.SlotFailed, r.Status)
	assert.Contains(t, r.Error, "Commit")
	// Urls are not remembered for topics that were never saved.
	assert.Empty(t, load[state.Cache](h, state.KeyCache).URLDedup)

	h.mem.FailPutsTo(topicsPath, false)
	h.advance(4 * time.Hour)
	r = h.run(calendar.Midday)
	require.Equal(t, state.SlotDone, r.Status)
	assert.Equal(t, 2, r.Summary.Accepted)

	topics := load[state.Topics](h, state.KeyTopics)
	require.Len(t, topics.Topics, 2)
	assert.Len(t, load[state.Cache](h, state.KeyCache).URLDedup, 2)
}

func TestQueuedCandidateAlreadyATopicIsSkipped(t *testing.T) {
	h := newHarness(t, wednesday)
	seedTopic(h)
	ps := &state.PipelineState{Overflow: state.NewCapped[state.Candidate](h.cfg.Pipeline.OverflowCapacity)}
	ps.Overflow.Push(candidate(0))
	seed(h, state.KeyPipeline, ps)

	r := h.run(calendar.Midday)
	require.Equal(t, state.SlotDone, r.Status)
	assert.Zero(t, r.Summary.Accepted)
	assert.Equal(t, 1, r.Summary.Duplicates)
	assert.Zero(t, h.ai.Count("SCORING DIMENSIONS"))
	assert.Zero(t, load[state.PipelineState](h, state.KeyPipeline).Overflow.Len())
}

func TestFailedSlotKeepsSpendAndRequestCounts(t *testing.T) {
	h := newHarness(t, wednesday)
	h.src.set(candidate(0))

	h.mem.FailPutsTo(topicsPath, true)
	r := h.run(calendar.Morning)
	require.Equal(t, state.SlotFailed, r.Status)

	m := load[state.Metrics](h, state.KeyMetrics)
	assert.Positive(t, m.MonthlyCost[calendar.Month(h.clock(), time.UTC)])
	assert.Zero(t, m.DailyIntake[h.today()])

	ps := load[state.PipelineState](h, state.KeyPipeline)
	assert.Equal(t, state.SlotFailed, ps.Slots[calendar.Morning].Status)
	assert.Equal(t, len(h.ai.Requests()), ps.RPD[h.cfg.Models.Bulk.Name])
}

func TestSlotFailingAfterMetricsCountsSpendOnce(t *testing.T) {
	ok := newHarness(t, wednesday)
	ok.src.set(candidate(0))
	require.Equal(t, state.SlotDone, ok.run(calendar.Morning).Status)
	want := load[state.Metrics](ok, state.KeyMetrics).TotalCost

	h := newHarness(t, wednesday)
	h.src.set(candidate(0))
	h.mem.FailPutsTo(errorsPath, true)
	r := h.run(calendar.Morning)
	require.Equal(t, state.SlotFailed, r.Status)

	m := load[state.Metrics](h, state.KeyMetrics)
	assert.InDelta(t, want, m.TotalCost, 1e-9)
	assert.Equal(t, 1, m.DailyIntake[h.today()])
	ps := load[state.PipelineState](h, state.KeyPipeline)
	assert.Equal(t, len(h.ai.Requests()), ps.RPD[h.cfg.Models.Bulk.Name])
}

const ethicsFeedURL = "https://ethics.example.com/feed.xml"

func withEthicsFeed(c *config.Config) {
	c.Sources.Feeds = append(c.Sources.Feeds, config.Feed{URL: ethicsFeedURL, Name: "Ethics", Category: "ai_ethics"})
}

func ethicsCandidate(i int) state.Candidate {
	c := candidate(i)
	c.SourceID = state.SourceID(ethicsFeedURL)
	return c
}

func TestStarvedCategoryIsForcedFirst(t *testing.T) {
	h := newHarness(t, wednesday, withEthicsFeed)
	m := &state.Metrics{CategoryLastSeen: map[string]string{}}
	for _, c := range state.Categories {
		m.CategoryLastSeen[c] = calendar.AddDays(h.today(), -1)
	}
	m.CategoryLastSeen["ai_ethics"] = calendar.AddDays(h.today(), -8)
	seed(h, state.KeyMetrics, m)
	h.src.set(candidate(0), candidate(1), candidate(2), ethicsCandidate(3))

	r := h.run(calendar.Midday)
	require.Equal(t, state.SlotDone, r.Status)
	assert.Equal(t, "ai_ethics", r.Summary.Forced)
	assert.Equal(t, 3, r.Summary.Accepted)

	topics := load[state.Topics](h, state.KeyTopics)
	forced := topics.Find(state.URLKey(candidate(3).URL)[:12])
	require.NotNil(t, forced)
	assert.Equal(t, "ai_ethics", forced.Category)
	assert.Nil(t, topics.Find(state.URLKey(candidate(2).URL)[:12]))

	stored := load[state.Metrics](h, state.KeyMetrics)
	assert.Equal(t, h.today(), stored.CategoryLastSeen["ai_ethics"])
	week := calendar.WeekOf(h.today())
	assert.Equal(t, 1, stored.WeeklyCategories[week]["ai_ethics"])
	assert.Equal(t, 2, stored.WeeklyCategories[week]["ml_engineering"])
}

func TestOverRepresentedCategoryIsDeferred(t *testing.T) {
	h := newHarness(t, wednesday, withEthicsFeed)
	week := calendar.WeekOf(h.today())
	seed(h, state.KeyMetrics, &state.Metrics{WeeklyCategories: map[string]map[string]int{
		week: {"ml_engineering": 5, "ai_ethics": 0, "mlops": 0},
	}})
	h.src.set(candidate(0), ethicsCandidate(1))

	r := h.run(calendar.Midday)
	require.Equal(t, state.SlotDone, r.Status)
	assert.Equal(t, 1, r.Summary.Accepted)
	assert.Equal(t, 1, r.Summary.Deferred)
	assert.Equal(t, 1, h.ai.Count("SCORING DIMENSIONS"))

	topics := load[state.Topics](h, state.KeyTopics)
	require.Len(t, topics.Topics, 1)
	assert.Equal(t, "ai_ethics", topics.Topics[0].Category)

	ps := load[state.PipelineState](h, state.KeyPipeline)
	require.Equal(t, 1, ps.Overflow.Len())
	assert.Equal(t, candidate(0).URL, ps.Overflow.Items[0].URL)
}

func TestReteachDecisionStoresPlan(t *testing.T) {
	h := newHarness(t, wednesday)
	seedTopic(h)
	h.ai.On("STUDENT ANSWER", gradeJSON(5))
	h.ai.On("simpler building blocks", `{"sub_concepts": [{"name": "Retrieval", "explanation": "Fetch the passages first."}], "reteach_question": "Why retrieve before generating?"}`)

	r, err := h.p.Grade(context.Background(), "t1", answer)
	require.NoError(t, err)
	assert.Equal(t, "reteach", r.Decision)
	require.NotNil(t, r.Reteach)
	assert.Equal(t, "Why retrieve before generating?", r.Reteach.Question)

	topic := load[state.Topics](h, state.KeyTopics).Find("t1")
	assert.Equal(t, state.ModeReteach, topic.Mode)
	plan := topic.ActiveReteach()
	require.NotNil(t, plan)
	require.Len(t, plan.SubConcepts, 1)
	assert.Equal(t, "Retrieval", plan.SubConcepts[0].Name)

	ps := load[state.PipelineState](h, state.KeyPipeline)
	assert.Equal(t, 1, ps.RPD[h.cfg.Models.Bulk.Name])
	assert.Equal(t, 1, ps.RPD[h.cfg.Models.Grade.Name])
}

func TestDailyAggregatesPrunedByConfiguredRetention(t *testing.T) {
	h := newHarness(t, wednesday, func(c *config.Config) { c.Pipeline.DailyRetention = 10 })
	seed(h, state.KeyMetrics, &state.Metrics{DailyIntake: map[string]int{
		calendar.AddDays(h.today(), -11): 2,
		calendar.AddDays(h.today(), -9):  1,
	}})

	h.run(calendar.Morning)
	m := load[state.Metrics](h, state.KeyMetrics)
	assert.NotContains(t, m.DailyIntake, calendar.AddDays(h.today(), -11))
	assert.Contains(t, m.DailyIntake, calendar.AddDays(h.today(), -9))
}
