package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestDayUsesLocalZone(t *testing.T) {
	loc := ist(t)
	// 20:00 UTC is 01:30 the next day in IST.
	ts := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-02", Day(ts, loc))
	assert.Equal(t, "2026-03", Month(ts, loc))
}

func TestAddDaysAndDaysBetween(t *testing.T) {
	assert.Equal(t, "2026-03-01", AddDays("2026-02-28", 1))
	assert.Equal(t, "2026-02-15", AddDays("2026-03-01", -14))
	assert.Equal(t, 14, DaysBetween("2026-02-15", "2026-03-01"))
	assert.Equal(t, 0, DaysBetween("garbage", "2026-03-01"))
}

func TestWeekOf(t *testing.T) {
	assert.Equal(t, "2026-W01", WeekOf("2026-01-01"))
	assert.Equal(t, "2026-W53", WeekOf("2027-01-01"))
	assert.Equal(t, "2026-W43", WeekOf("2026-10-19"))
	assert.Empty(t, WeekOf("garbage"))
}

func TestSlotAt(t *testing.T) {
	loc := ist(t)
	windows := []Window{
		{Name: Morning, Start: 6, End: 10},
		{Name: Midday, Start: 10, End: 14},
		{Name: Evening, Start: 14, End: 19},
	}

	slot, ok := SlotAt(time.Date(2026, 3, 2, 8, 0, 0, 0, loc), loc, windows)
	assert.True(t, ok)
	assert.Equal(t, Morning, slot)

	slot, ok = SlotAt(time.Date(2026, 3, 2, 14, 0, 0, 0, loc), loc, windows)
	assert.True(t, ok)
	assert.Equal(t, Evening, slot)

	_, ok = SlotAt(time.Date(2026, 3, 2, 23, 0, 0, 0, loc), loc, windows)
	assert.False(t, ok)
}

func TestFormatDisplay(t *testing.T) {
	assert.Equal(t, "Feb 06, 2026", FormatDisplay("2026-02-06"))
	assert.Equal(t, "not-a-date", FormatDisplay("not-a-date"))
}
