// Package adaptive derives the learner's mode and streak from grading history.
package adaptive

import (
	"log/slog"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// maxBackfill bounds how many unevaluated days one recompute walks.
const maxBackfill = 90

// Day kinds.
const (
	KindNeutral  = "neutral"
	KindLow      = "low"
	KindRecovery = "recovery"
	KindFlat     = "flat"
)

// DayEval is the classification of one completed day.
type DayEval struct {
	Day     string
	Graded  int
	Average float64
	Kind    string
}

// Evaluation is the outcome of a recompute.
type Evaluation struct {
	Days   []DayEval
	Before state.Mode
	After  state.Mode
	Paused bool
}

// Changed reports whether the global mode moved.
func (e Evaluation) Changed() bool { return e.Before != e.After }

// Controller applies the adaptive thresholds to the metrics document.
type Controller struct {
	th  config.Thresholds
	log *slog.Logger
}

// New returns a Controller.
func New(th config.Thresholds, log *slog.Logger) *Controller {
	return &Controller{th: th, log: log.With("component", "adaptive")}
}

// Recompute walks every completed day after the last evaluated one and before
// today, updating the counters and the global mode. Calling it again on the
// same day changes nothing.
func (c *Controller) Recompute(m *state.Metrics, today string) Evaluation {
	m.Normalize()
	ev := Evaluation{Before: m.AdaptiveMode}

	yesterday := calendar.AddDays(today, -1)
	start := c.firstUnevaluated(m, today)
	for day := start; day != "" && day <= yesterday; day = calendar.AddDays(day, 1) {
		ev.Days = append(ev.Days, c.evaluateDay(m, day))
		m.LastModeEvalDate = day
	}

	ev.After = m.AdaptiveMode
	ev.Paused = m.Paused
	if ev.Changed() {
		c.log.Info("adaptive mode changed", "from", ev.Before, "to", ev.After,
			"low_days", m.ConsecutiveLowDays, "recovery_days", m.ConsecutiveRecoveryDays)
	}
	return ev
}

func (c *Controller) firstUnevaluated(m *state.Metrics, today string) string {
	floor := calendar.AddDays(today, -maxBackfill)
	if m.LastModeEvalDate != "" {
		next := calendar.AddDays(m.LastModeEvalDate, 1)
		return max(next, floor)
	}
	first := ""
	for day := range m.DailyGrading {
		if day < today && (first == "" || day < first) {
			first = day
		}
	}
	if first == "" {
		return calendar.AddDays(today, -1)
	}
	return max(first, floor)
}

func (c *Controller) evaluateDay(m *state.Metrics, day string) DayEval {
	a := c.th.Adaptive
	d := m.DailyGrading[day]
	ev := DayEval{Day: day, Graded: d.Graded, Average: d.Average()}

	if d.Graded == 0 {
		ev.Kind = KindNeutral
		m.ConsecutiveNeutralDays++
		if a.PauseAfter > 0 && m.ConsecutiveNeutralDays >= a.PauseAfter {
			m.Paused = true
		}
		return ev
	}

	m.ConsecutiveNeutralDays = 0
	m.Paused = false
	switch {
	case ev.Average < float64(a.LowScore):
		ev.Kind = KindLow
		m.ConsecutiveLowDays++
		m.ConsecutiveRecoveryDays = 0
	case ev.Average >= float64(a.RecoveryScore):
		ev.Kind = KindRecovery
		m.ConsecutiveRecoveryDays++
		m.ConsecutiveLowDays = 0
	default:
		ev.Kind = KindFlat
		m.ConsecutiveLowDays = max(m.ConsecutiveLowDays-1, 0)
		m.ConsecutiveRecoveryDays = max(m.ConsecutiveRecoveryDays-1, 0)
	}

	switch m.AdaptiveMode {
	case state.ModeLow:
		if m.ConsecutiveRecoveryDays >= a.RecoveryDays {
			m.AdaptiveMode = state.ModeRecovery
		}
	case state.ModeRecovery:
		switch {
		case m.ConsecutiveLowDays >= a.LowDays:
			m.AdaptiveMode = state.ModeLow
		case m.ConsecutiveRecoveryDays >= a.NormalDays:
			m.AdaptiveMode = state.ModeNormal
			m.ConsecutiveRecoveryDays = 0
		}
	default:
		m.AdaptiveMode = state.ModeNormal
		if m.ConsecutiveLowDays >= a.LowDays {
			m.AdaptiveMode = state.ModeLow
		}
	}
	return ev
}

// RecordDispatch advances the streak for a successful digest dispatch. Only
// the first dispatch of a day counts; a missed day restarts the streak at 1.
func RecordDispatch(m *state.Metrics, today string) bool {
	switch m.LastDispatchDate {
	case today:
		return false
	case calendar.AddDays(today, -1):
		m.Streak++
	default:
		m.Streak = 1
	}
	m.LastDispatchDate = today
	return true
}

// Quota returns the number of new topics the current mode admits per day.
// A paused learner receives none.
func (c *Controller) Quota(m *state.Metrics) int {
	if m.Paused {
		return 0
	}
	mode := m.AdaptiveMode
	if mode == "" {
		mode = state.ModeNormal
	}
	return c.th.Quota(string(mode))
}
