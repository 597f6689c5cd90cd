package selector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KBCurator/internal/budget"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/llm/llmtest"
)

func newSelector() (*Selector, *config.Config) {
	cfg := config.Default()
	return New(cfg.Models, cfg.Thresholds()), cfg
}

func newCaller(t *testing.T, p llm.Provider) (*Caller, *Selector, *config.Config) {
	t.Helper()
	sel, cfg := newSelector()
	prompts, err := config.LoadPrompts("")
	require.NoError(t, err)
	c := NewCaller(p, sel, budget.NewGuard(cfg.Thresholds(), time.UTC), prompts, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetBackoff(time.Millisecond)
	return c, sel, cfg
}

func TestSelectGradeTierUntilCap(t *testing.T) {
	sel, cfg := newSelector()

	h, err := sel.Select(Grade, map[string]int{cfg.Models.Grade.Name: 89}, budget.Normal)
	require.NoError(t, err)
	assert.Equal(t, GradeTier, h.Tier)

	h, err = sel.Select(Grade, map[string]int{cfg.Models.Grade.Name: 90}, budget.Normal)
	require.NoError(t, err)
	assert.Equal(t, Bulk, h.Tier)
	assert.Equal(t, cfg.Models.Bulk.Name, h.Model)
}

func TestSelectBulkForOtherPurposes(t *testing.T) {
	sel, _ := newSelector()
	for _, p := range []Purpose{Score, Summarize, Faithfulness, Dedup} {
		h, err := sel.Select(p, nil, budget.Yellow)
		require.NoError(t, err)
		assert.Equal(t, Bulk, h.Tier, p)
	}
}

func TestSelectRedDisablesEverything(t *testing.T) {
	sel, _ := newSelector()
	for _, p := range []Purpose{Score, Summarize, Faithfulness, Dedup, Grade} {
		_, err := sel.Select(p, nil, budget.Red)
		assert.ErrorIs(t, err, ErrAIDisabled, p)
	}
}

func TestMarkDeprecatedOnce(t *testing.T) {
	sel, _ := newSelector()
	assert.True(t, sel.MarkDeprecated())
	assert.False(t, sel.MarkDeprecated())

	h, err := sel.Select(Grade, nil, budget.Normal)
	require.NoError(t, err)
	assert.Equal(t, Bulk, h.Tier)
}

func TestBulkCapExhausted(t *testing.T) {
	sel, cfg := newSelector()
	_, err := sel.Select(Score, map[string]int{cfg.Models.Bulk.Name: cfg.Models.Bulk.DailyCap}, budget.Normal)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}

func TestCallerCountsUsage(t *testing.T) {
	p := llmtest.New().On("Title A", `{"duplicate": true}`)
	c, _, cfg := newCaller(t, p)
	u := NewUsage(map[string]int{cfg.Models.Bulk.Name: 4}, 0)

	res, err := c.Call(context.Background(), u, Dedup, "dedup", map[string]string{"TitleA": "a", "TitleB": "b"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Parsed["duplicate"])
	assert.Equal(t, 1, u.Calls())
	assert.Equal(t, 5, u.RPD()[cfg.Models.Bulk.Name])
	assert.Equal(t, map[string]int{cfg.Models.Bulk.Name: 1}, u.Delta())
	assert.Greater(t, u.Cost(), 0.0)
}

func TestCallerGradeRateLimitFallsBack(t *testing.T) {
	p := llmtest.New().Queue(llmtest.Reply{Err: llm.ErrRateLimited}, llmtest.Reply{Text: `{"feedback":"ok"}`})
	c, _, cfg := newCaller(t, p)
	u := NewUsage(nil, 0)

	res, err := c.Call(context.Background(), u, Grade, "grade", map[string]any{
		"Topic": "t", "Depth": 1, "Context": "c", "Answer": "a",
	})
	require.NoError(t, err)
	assert.Equal(t, Bulk, res.Handle.Tier)

	reqs := p.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, cfg.Models.Grade.Name, reqs[0].Model)
	assert.Equal(t, cfg.Models.Bulk.Name, reqs[1].Model)
}

func TestCallerDeprecatedModelAlertsOnce(t *testing.T) {
	p := llmtest.New().Queue(llmtest.Reply{Err: llm.ErrModelUnavailable})
	c, sel, _ := newCaller(t, p)
	alerts := 0
	c.OnDeprecated = func(context.Context, string, error) { alerts++ }
	data := map[string]any{"Topic": "t", "Depth": 1, "Context": "c", "Answer": "a"}

	for range 3 {
		_, err := c.Call(context.Background(), NewUsage(nil, 0), Grade, "grade", data)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alerts)
	assert.True(t, sel.Deprecated())
}

func TestCallerRetriesThenFails(t *testing.T) {
	boom := errors.New("boom")
	p := llmtest.New().Queue(llmtest.Reply{Err: boom}, llmtest.Reply{Err: boom}, llmtest.Reply{Err: boom})
	c, _, _ := newCaller(t, p)

	_, err := c.Call(context.Background(), NewUsage(nil, 0), Score, "score", map[string]string{"Title": "x", "Source": "s", "Content": "c"})
	require.ErrorIs(t, err, boom)
	assert.Len(t, p.Requests(), 3)
}

func TestCallerStatusIncludesRunningSpend(t *testing.T) {
	c, _, _ := newCaller(t, llmtest.New())
	u := NewUsage(nil, 94.99)
	assert.Equal(t, budget.Yellow, c.Status(u))

	u.record("m", 0.02)
	assert.Equal(t, budget.Red, c.Status(u))

	_, err := c.Call(context.Background(), u, Score, "score", map[string]string{"Title": "x", "Source": "s", "Content": "c"})
	assert.ErrorIs(t, err, ErrAIDisabled)
}

func TestCallerWithoutProvider(t *testing.T) {
	c, _, _ := newCaller(t, nil)
	_, err := c.Call(context.Background(), NewUsage(nil, 0), Score, "score", nil)
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
}
