// Package calendar converts instants to local days, months and pipeline slots.
package calendar

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Slot names.
const (
	Morning = "morning"
	Midday  = "midday"
	Evening = "evening"
)

// Slots lists the slots in the order they run during a day.
var Slots = []string{Morning, Midday, Evening}

// Window is the local hour range [Start, End) in which a slot may be auto-selected.
type Window struct {
	Name  string
	Start int
	End   int
}

// Day returns the local date of t as YYYY-MM-DD.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// Month returns the local month of t as YYYY-MM.
func Month(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01")
}

// ParseDay parses a YYYY-MM-DD date at midnight UTC.
func ParseDay(day string) (time.Time, error) {
	t, err := time.Parse(dayLayout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing day %q: %w", day, err)
	}
	return t, nil
}

// AddDays shifts a YYYY-MM-DD date by n days.
func AddDays(day string, n int) string {
	t, err := ParseDay(day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, n).Format(dayLayout)
}

// DaysBetween returns the number of whole days from a to b. Unparseable input yields 0.
func DaysBetween(a, b string) int {
	ta, err := ParseDay(a)
	if err != nil {
		return 0
	}
	tb, err := ParseDay(b)
	if err != nil {
		return 0
	}
	return int(tb.Sub(ta).Hours() / 24)
}

// WeekOf returns the ISO week of a YYYY-MM-DD date as YYYY-Www, or "" for
// an unparseable date.
func WeekOf(day string) string {
	t, err := ParseDay(day)
	if err != nil {
		return ""
	}
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// IsSunday reports whether the local day of t is a Sunday.
func IsSunday(t time.Time, loc *time.Location) bool {
	return t.In(loc).Weekday() == time.Sunday
}

// ValidSlot reports whether name is a known slot.
func ValidSlot(name string) bool {
	for _, s := range Slots {
		if s == name {
			return true
		}
	}
	return false
}

// SlotAt returns the slot whose window contains the local hour of t.
func SlotAt(t time.Time, loc *time.Location, windows []Window) (string, bool) {
	h := t.In(loc).Hour()
	for _, w := range windows {
		if h >= w.Start && h < w.End {
			return w.Name, true
		}
	}
	return "", false
}

// FormatDisplay formats a YYYY-MM-DD date for human-readable display.
// Single day: "Feb 06, 2026"
func FormatDisplay(day string) string {
	d, err := ParseDay(day)
	if err != nil {
		return day
	}
	return d.Format("Jan 02, 2006")
}
