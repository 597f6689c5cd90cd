// Package budget tracks monthly AI spend and degrades features as it grows.
package budget

import (
	"math"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Status is the budget band of the current month.
type Status string

const (
	Normal Status = "NORMAL"
	Yellow Status = "YELLOW"
	Red    Status = "RED"
)

// AllowsAI reports whether any AI call may be made.
func (s Status) AllowsAI() bool { return s != Red }

// AllowsFaithfulness reports whether the secondary quality check may run.
func (s Status) AllowsFaithfulness() bool { return s == Normal }

// Transition describes the effect of recording a cost.
type Transition struct {
	Before   Status
	After    Status
	Month    string
	Spent    float64
	AlertDue bool
}

// Guard applies budget thresholds to the metrics document.
type Guard struct {
	th  config.Budget
	loc *time.Location
}

// NewGuard returns a Guard using the budget bands of th.
func NewGuard(th config.Thresholds, loc *time.Location) *Guard {
	return &Guard{th: th.Budget, loc: loc}
}

// Spent returns the running total of the month containing now.
func (g *Guard) Spent(m *state.Metrics, now time.Time) float64 {
	return m.MonthlyCost[calendar.Month(now, g.loc)]
}

// Status returns the band of the month containing now.
func (g *Guard) Status(m *state.Metrics, now time.Time) Status {
	return g.band(g.Spent(m, now))
}

// StatusFor returns the band a given monthly spend falls in.
func (g *Guard) StatusFor(spent float64) Status {
	return g.band(spent)
}

func (g *Guard) band(spent float64) Status {
	switch {
	case spent >= g.th.Red:
		return Red
	case spent >= g.th.Yellow:
		return Yellow
	default:
		return Normal
	}
}

// RecordCost adds amount to the monthly and total spend. The first crossing
// into RED in a month sets AlertDue and marks the month as alerted, so later
// calls in the same month never alert again.
func (g *Guard) RecordCost(m *state.Metrics, amount float64, now time.Time) Transition {
	m.Normalize()
	month := calendar.Month(now, g.loc)
	before := g.band(m.MonthlyCost[month])

	if amount > 0 {
		m.MonthlyCost[month] = round(m.MonthlyCost[month] + amount)
		m.TotalCost = round(m.TotalCost + amount)
	}
	spent := m.MonthlyCost[month]
	after := g.band(spent)
	telemetry.MonthlySpend.Set(spent)

	t := Transition{Before: before, After: after, Month: month, Spent: spent}
	if after == Red && m.BudgetAlertMonth != month {
		m.BudgetAlertMonth = month
		t.AlertDue = true
	}
	return t
}

// Cost prices a call from its token usage and the tier's per-million rates.
func Cost(tier config.ModelTier, inputTokens, outputTokens int) float64 {
	return round(float64(inputTokens)/1e6*tier.InputPerMil + float64(outputTokens)/1e6*tier.OutputPerMil)
}

func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
