package state

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCappedEvictsOldestFirst(t *testing.T) {
	d := Discarded{NewCapped[DiscardedEntry](500)}
	for i := 0; i < 500; i++ {
		assert.Empty(t, d.Push(DiscardedEntry{Title: fmt.Sprintf("t%d", i)}))
	}
	require.Equal(t, 500, d.Len())

	evicted := d.Push(DiscardedEntry{Title: "t500"})
	require.Len(t, evicted, 1)
	assert.Equal(t, "t0", evicted[0].Title)
	assert.Equal(t, 500, d.Len())
	assert.Equal(t, "t1", d.Items[0].Title)
	assert.Equal(t, "t500", d.Items[499].Title)
}

func TestErrorsCapacity(t *testing.T) {
	e := Errors{NewCapped[ErrorRecord](200)}
	for i := 0; i < 201; i++ {
		e.Push(ErrorRecord{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, 200, e.Len())
	assert.Equal(t, "1", e.Items[0].ID)
}

func TestCappedShrink(t *testing.T) {
	c := NewCapped[int](5)
	for i := range 5 {
		c.Push(i)
	}
	evicted := c.SetCapacity(2)
	assert.Equal(t, []int{0, 1, 2}, evicted)
	assert.Equal(t, []int{3, 4}, c.Items)
}

func TestCappedPushWithoutCapacityPanics(t *testing.T) {
	var c Capped[int]
	assert.Panics(t, func() { c.Push(1) })
}

func TestCappedFilter(t *testing.T) {
	c := NewCapped[int](10)
	for i := range 6 {
		c.Push(i)
	}
	removed := c.Filter(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 3, removed)
	assert.Equal(t, []int{0, 2, 4}, c.Items)
	assert.Equal(t, 3, c.Len())
}

func TestCappedJSONShape(t *testing.T) {
	d := Discarded{NewCapped[DiscardedEntry](2)}
	d.Push(DiscardedEntry{Title: "a", Reason: "duplicate", DiscardedAt: time.Unix(0, 0).UTC()})

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"capacity":2`)
	assert.Contains(t, string(data), `"items":[`)
}
