package adaptive

import (
	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// EnterReteach puts a topic into reteach mode anchored at today.
func EnterReteach(t *state.Topic, today string) {
	t.Mode = state.ModeReteach
	anchor := today
	t.ReteachUntil = &anchor
	t.RetryCount = 0
}

// TopicMode returns the effective mode of a topic on today. A reteach topic
// whose anchor day lies reteach_days or more in the past is NORMAL.
func (c *Controller) TopicMode(t state.Topic, today string) state.Mode {
	if t.Mode != state.ModeReteach {
		return state.ModeNormal
	}
	if t.ReteachUntil == nil || c.reteachExpired(*t.ReteachUntil, today) {
		return state.ModeNormal
	}
	return state.ModeReteach
}

// RevertReteach returns expired reteach topics to normal tracking and reports
// how many changed.
func (c *Controller) RevertReteach(topics *state.Topics, today string) int {
	n := 0
	for i := range topics.Topics {
		t := &topics.Topics[i]
		if t.Mode != state.ModeReteach {
			continue
		}
		if c.TopicMode(*t, today) == state.ModeNormal {
			t.Mode = state.ModeNormal
			t.ReteachUntil = nil
			n++
		}
	}
	if n > 0 {
		c.log.Info("reteach window elapsed", "topics", n, "day", today)
	}
	return n
}

func (c *Controller) reteachExpired(anchor, today string) bool {
	return calendar.DaysBetween(anchor, today) >= c.th.Adaptive.ReteachDays
}
