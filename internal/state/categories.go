package state

import (
	"maps"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
)

// Topic categories, in tie-break order.
var Categories = []string{"ml_engineering", "product_strategy", "mlops", "ai_ethics", "infrastructure"}

// DefaultCategory is assigned to sources configured without one.
const DefaultCategory = "ml_engineering"

// RecordCategories notes the categories of the topics accepted on day. Every
// known category starts its drought on the first day it is recorded; an
// accepted category resets it.
func (m *Metrics) RecordCategories(day, week string, accepted []string) {
	m.Normalize()
	for _, c := range Categories {
		if _, ok := m.CategoryLastSeen[c]; !ok {
			m.CategoryLastSeen[c] = day
		}
	}
	for _, c := range accepted {
		if c == "" {
			continue
		}
		if m.CategoryLastSeen[c] < day {
			m.CategoryLastSeen[c] = day
		}
		if m.WeeklyCategories[week] == nil {
			m.WeeklyCategories[week] = map[string]int{}
		}
		m.WeeklyCategories[week][c]++
	}
}

// Starved returns the category with the longest drought of at least minDays
// as of day, or "".
func (m *Metrics) Starved(day string, minDays int) string {
	best, bestDays := "", 0
	for _, c := range Categories {
		last, ok := m.CategoryLastSeen[c]
		if !ok {
			continue
		}
		if n := calendar.DaysBetween(last, day); n >= minDays && n > bestDays {
			best, bestDays = c, n
		}
	}
	return best
}

// WeekCounts returns a copy of the accepted counts per category for week.
func (m *Metrics) WeekCounts(week string) map[string]int {
	out := maps.Clone(m.WeeklyCategories[week])
	if out == nil {
		out = map[string]int{}
	}
	return out
}

// OverRepresented reports whether cat already holds more than twice the
// weekly average of the categories seen, with a floor of two.
func OverRepresented(counts map[string]int, cat string) bool {
	if len(counts) == 0 {
		return false
	}
	sum := 0
	for _, n := range counts {
		sum += n
	}
	avg := float64(sum) / float64(len(counts))
	return float64(counts[cat]) > max(2, 2*avg)
}

// PruneWeeks drops weekly category counts before week.
func (m *Metrics) PruneWeeks(week string) int {
	n := 0
	for k := range m.WeeklyCategories {
		if k < week {
			delete(m.WeeklyCategories, k)
			n++
		}
	}
	return n
}
