package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

func newGuard(t *testing.T) (*Guard, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return NewGuard(config.Default().Thresholds(), loc), loc
}

func TestRedCrossingAlertsOncePerMonth(t *testing.T) {
	g, loc := newGuard(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	m := &state.Metrics{}
	m.Normalize()
	m.MonthlyCost["2026-03"] = 94

	require.Equal(t, Yellow, g.Status(m, now))

	tr := g.RecordCost(m, 2, now)
	assert.Equal(t, Yellow, tr.Before)
	assert.Equal(t, Red, tr.After)
	assert.True(t, tr.AlertDue)
	assert.InDelta(t, 96.0, tr.Spent, 1e-9)
	assert.Equal(t, Red, g.Status(m, now))

	tr = g.RecordCost(m, 0.5, now.Add(time.Hour))
	assert.False(t, tr.AlertDue, "no re-alert within the month")

	next := time.Date(2026, 4, 1, 9, 0, 0, 0, loc)
	assert.Equal(t, Normal, g.Status(m, next))
	m.MonthlyCost["2026-04"] = 95
	tr = g.RecordCost(m, 0, next)
	assert.True(t, tr.AlertDue, "a new month alerts again")
}

func TestYellowDisablesFaithfulnessOnly(t *testing.T) {
	g, loc := newGuard(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, loc)
	m := &state.Metrics{}

	tr := g.RecordCost(m, 91, now)
	assert.Equal(t, Yellow, tr.After)
	assert.False(t, tr.AlertDue)
	assert.True(t, tr.After.AllowsAI())
	assert.False(t, tr.After.AllowsFaithfulness())
	assert.True(t, Normal.AllowsFaithfulness())
	assert.False(t, Red.AllowsAI())
	assert.InDelta(t, 91.0, m.TotalCost, 1e-9)
}

func TestMonthUsesLocalZone(t *testing.T) {
	g, loc := newGuard(t)
	m := &state.Metrics{}
	// 19:00 UTC on Mar 31 is already Apr 1 in IST.
	g.RecordCost(m, 1, time.Date(2026, 3, 31, 19, 0, 0, 0, time.UTC))
	assert.InDelta(t, 1.0, m.MonthlyCost["2026-04"], 1e-9)
	assert.Zero(t, g.Spent(m, time.Date(2026, 3, 15, 0, 0, 0, 0, loc)))
}

func TestCost(t *testing.T) {
	tier := config.ModelTier{InputPerMil: 0.30, OutputPerMil: 2.50}
	assert.InDelta(t, 0.0003+0.0025, Cost(tier, 1000, 1000), 1e-9)
	assert.Zero(t, Cost(tier, 0, 0))
}
