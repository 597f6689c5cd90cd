package grading

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm/llmtest"
	"github.com/TobiSchelling/KBCurator/internal/selector"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

const gradeReply = `{"concept_clarity": 20, "technical_correctness": 18, "application_thinking": 22, "ai_pm_relevance": 30, "feedback": "Solid."}`

var answer = strings.Repeat("retrieval augmented generation grounds answers in documents ", 4)

func newGrader(t *testing.T, p *llmtest.Provider) (*Grader, *config.Config) {
	t.Helper()
	cfg := config.Default()
	prompts, err := config.LoadPrompts("")
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	caller := selector.NewCaller(p, selector.New(cfg.Models, cfg.Thresholds()), budget.NewGuard(cfg.Thresholds(), time.UTC), prompts, 1, log)
	return NewGrader(caller, cfg.Thresholds(), log), cfg
}

func TestDecide(t *testing.T) {
	th := config.Default().Grading
	assert.Equal(t, Advance, Decide(70, 0, th))
	assert.Equal(t, Reteach, Decide(39, 0, th))
	assert.Equal(t, Retry, Decide(55, 0, th))
	assert.Equal(t, Retry, Decide(55, 1, th))
	assert.Equal(t, Reteach, Decide(55, 2, th))
}

func TestGradeClampsDimensions(t *testing.T) {
	p := llmtest.New().On("STUDENT ANSWER", gradeReply)
	g, cfg := newGrader(t, p)

	r, err := g.Grade(context.Background(), selector.NewUsage(nil, 0), state.Topic{ID: "t1", Title: "RAG", Depth: 2}, answer)
	require.NoError(t, err)
	assert.Equal(t, 85, r.Score)
	assert.Equal(t, 25, r.Dimensions["ai_pm_relevance"])
	assert.Equal(t, string(Advance), r.Decision)
	assert.Equal(t, cfg.Models.Grade.Name, r.Model)
}

func TestShortAnswerMakesNoCall(t *testing.T) {
	p := llmtest.New()
	g, _ := newGrader(t, p)
	_, err := g.Grade(context.Background(), selector.NewUsage(nil, 0), state.Topic{ID: "t1"}, "too short")
	assert.ErrorIs(t, err, ErrAnswerTooShort)
	assert.Empty(t, p.Requests())
}

func TestCacheHitMakesOneCall(t *testing.T) {
	p := llmtest.New().On("STUDENT ANSWER", gradeReply)
	g, _ := newGrader(t, p)
	doc := &state.Cache{}
	cache := NewCache(doc, nil)
	usage := selector.NewUsage(nil, 0)
	topic := state.Topic{ID: "t1", SourceURL: "https://a", ExtractionMethod: "readability", Depth: 1}

	key := Key(topic.SourceURL, topic.ExtractionMethod, topic.Depth, answer)
	grade := func(ctx context.Context) (state.GradingResult, error) { return g.Grade(ctx, usage, topic, answer) }

	first, hit, err := cache.GetOrGrade(context.Background(), key, grade)
	require.NoError(t, err)
	assert.False(t, hit)
	rpd := usage.RPD()

	// Whitespace and case do not change the key.
	second, hit, err := cache.GetOrGrade(context.Background(), Key(topic.SourceURL, topic.ExtractionMethod, 1, strings.ToUpper(answer)+"  "), grade)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, first, second)
	assert.Len(t, p.Requests(), 1)
	assert.Equal(t, rpd, usage.RPD())
}

func TestKeySeparatesExtractionMethods(t *testing.T) {
	assert.NotEqual(t, Key("https://a", "readability", 1, answer), Key("https://a", "goquery", 1, answer))
}

func TestApply(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	topic := &state.Topic{ID: "t", Depth: state.MaxDepth - 1, Status: state.TopicActive}

	assert.False(t, Apply(topic, state.GradingResult{Score: 80, Decision: string(Advance), GradedAt: now}, "2026-07-01"))
	assert.Equal(t, state.MaxDepth, topic.Depth)
	require.NotNil(t, topic.MasteryScore)
	assert.Equal(t, 80, *topic.MasteryScore)

	Apply(topic, state.GradingResult{Score: 50, Decision: string(Retry), GradedAt: now}, "2026-07-01")
	assert.Equal(t, 1, topic.RetryCount)
	assert.Equal(t, 50, *topic.MasteryScore)

	Apply(topic, state.GradingResult{Score: 20, Decision: string(Reteach), GradedAt: now}, "2026-07-01")
	assert.Equal(t, state.ModeReteach, topic.Mode)
	require.NotNil(t, topic.ReteachUntil)
	assert.Equal(t, "2026-07-01", *topic.ReteachUntil)

	assert.True(t, Apply(topic, state.GradingResult{Score: 95, Decision: string(Advance), GradedAt: now}, "2026-07-02"))
	assert.Equal(t, state.TopicCompleted, topic.Status)
	assert.Equal(t, state.ModeNormal, topic.Mode)
	assert.Len(t, topic.History, 4)
}

func TestCompletedTopicRejected(t *testing.T) {
	g, _ := newGrader(t, llmtest.New())
	err := g.Validate(state.Topic{ID: "t", Status: state.TopicCompleted}, answer)
	assert.ErrorIs(t, err, ErrTopicCompleted)
}

func TestGradedResultStaysPendingUntilApplied(t *testing.T) {
	p := llmtest.New().On("STUDENT ANSWER", gradeReply)
	g, _ := newGrader(t, p)
	doc := &state.Cache{}
	cache := NewCache(doc, nil)
	topic := state.Topic{ID: "t1", SourceURL: "https://a", ExtractionMethod: "feed", Depth: 1}
	key := Key(topic.SourceURL, topic.ExtractionMethod, topic.Depth, answer)

	r, hit, err := cache.GetOrGrade(context.Background(), key, func(ctx context.Context) (state.GradingResult, error) {
		return g.Grade(ctx, selector.NewUsage(nil, 0), topic, answer)
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, doc.Gradings[key].Pending)

	pending := cache.Pending("t1")
	require.Len(t, pending, 1)
	assert.Equal(t, key, pending[0].Key)
	assert.Equal(t, r, pending[0].Result)
	assert.Empty(t, cache.Pending("t2"))

	assert.True(t, cache.MarkApplied(key))
	assert.False(t, cache.MarkApplied(key))
	assert.False(t, cache.MarkApplied("missing"))
	assert.Empty(t, cache.Pending("t1"))
}

func TestStoreKeepsFirstResult(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	cache := NewCache(&state.Cache{}, func() time.Time { return now })

	first := cache.Store("k", state.GradingResult{TopicID: "t1", Score: 60, GradedAt: now})
	second := cache.Store("k", state.GradingResult{TopicID: "t1", Score: 90, GradedAt: now.Add(time.Minute)})
	assert.Equal(t, 60, first.Score)
	assert.Equal(t, 60, second.Score)
}

func TestPendingOldestFirst(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	cache := NewCache(&state.Cache{}, nil)
	cache.Store("late", state.GradingResult{TopicID: "t1", GradedAt: now.Add(time.Hour)})
	cache.Store("early", state.GradingResult{TopicID: "t1", GradedAt: now})

	pending := cache.Pending("t1")
	require.Len(t, pending, 2)
	assert.Equal(t, "early", pending[0].Key)
	assert.Equal(t, "late", pending[1].Key)
}

func TestReteachDecisionCarriesPlan(t *testing.T) {
	p := llmtest.New().
		On("STUDENT ANSWER", `{"concept_clarity": 5, "technical_correctness": 5, "application_thinking": 5, "ai_pm_relevance": 5, "feedback": "Revisit."}`).
		On("simpler building blocks", `{"sub_concepts": [{"name": "Embeddings", "explanation": "Text as vectors."}, {"name": "", "explanation": "dropped"}, {"name": "Ranking", "explanation": "Order by similarity."}], "reteach_question": "What does an embedding capture?"}`)
	g, cfg := newGrader(t, p)
	usage := selector.NewUsage(nil, 0)

	r, err := g.Grade(context.Background(), usage, state.Topic{ID: "t1", Title: "RAG", Depth: 2}, answer)
	require.NoError(t, err)
	assert.Equal(t, string(Reteach), r.Decision)
	require.NotNil(t, r.Reteach)
	assert.Equal(t, "What does an embedding capture?", r.Reteach.Question)
	require.Len(t, r.Reteach.SubConcepts, 2)
	assert.Equal(t, "Ranking", r.Reteach.SubConcepts[1].Name)

	rpd := usage.RPD()
	assert.Equal(t, 1, rpd[cfg.Models.Grade.Name])
	assert.Equal(t, 1, rpd[cfg.Models.Bulk.Name])
}

func TestReteachWithoutPlanStillGrades(t *testing.T) {
	p := llmtest.New().On("STUDENT ANSWER", `{"concept_clarity": 5, "technical_correctness": 5, "application_thinking": 5, "ai_pm_relevance": 5, "feedback": "Revisit."}`)
	g, _ := newGrader(t, p)

	r, err := g.Grade(context.Background(), selector.NewUsage(nil, 0), state.Topic{ID: "t1", Title: "RAG", Depth: 2}, answer)
	require.NoError(t, err)
	assert.Equal(t, string(Reteach), r.Decision)
	assert.Equal(t, 20, r.Score)
	assert.Nil(t, r.Reteach)
	assert.Equal(t, 1, p.Count("simpler building blocks"))
}

func TestAppliedAndCompletes(t *testing.T) {
	now := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	topic := &state.Topic{ID: "t", Depth: 1, Status: state.TopicActive}
	r := state.GradingResult{Score: 80, Decision: string(Advance), Depth: 1, GradedAt: now}

	assert.False(t, Applied(topic, r))
	Apply(topic, r, "2026-07-01")
	assert.True(t, Applied(topic, r))
	assert.False(t, Applied(topic, state.GradingResult{GradedAt: now.Add(time.Second)}))

	assert.False(t, Completes(r))
	assert.True(t, Completes(state.GradingResult{Decision: string(Advance), Depth: state.MaxDepth}))
	assert.False(t, Completes(state.GradingResult{Decision: string(Retry), Depth: state.MaxDepth}))
}
