package grading

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/KBCurator/internal/state"
	"github.com/TobiSchelling/KBCurator/internal/telemetry"
)

// Key returns the cache key of a grading request. It extends the url and
// extraction method with the topic depth and the normalized answer so that a
// different answer is graded afresh.
func Key(url, method string, depth int, answer string) string {
	return state.Hash(url, method, strconv.Itoa(depth), normalizeAnswer(answer))
}

func normalizeAnswer(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// GradeFunc performs a real grading on a cache miss.
type GradeFunc func(ctx context.Context) (state.GradingResult, error)

// Cache looks up and stores grading results in the cache document.
type Cache struct {
	doc *state.Cache
	now func() time.Time
}

// NewCache wraps a loaded cache document.
func NewCache(doc *state.Cache, now func() time.Time) *Cache {
	doc.Normalize()
	if now == nil {
		now = time.Now
	}
	return &Cache{doc: doc, now: now}
}

// Lookup returns a stored result without grading.
func (c *Cache) Lookup(key string) (state.GradingResult, bool) {
	e, ok := c.doc.Gradings[key]
	return e.Result, ok
}

// GetOrGrade returns the stored result for key, or runs grade and keeps its
// result as pending. A hit reports hit=true and must not be applied to any
// counter.
func (c *Cache) GetOrGrade(ctx context.Context, key string, grade GradeFunc) (state.GradingResult, bool, error) {
	if r, ok := c.Lookup(key); ok {
		telemetry.GradingCacheLookups.WithLabelValues("hit").Inc()
		return r, true, nil
	}
	telemetry.GradingCacheLookups.WithLabelValues("miss").Inc()

	r, err := grade(ctx)
	if err != nil {
		return state.GradingResult{}, false, err
	}
	return c.Store(key, r), false, nil
}

// Store records r under key as pending unless a result exists. It returns
// the result kept under key.
func (c *Cache) Store(key string, r state.GradingResult) state.GradingResult {
	if e, ok := c.doc.Gradings[key]; ok {
		return e.Result
	}
	c.doc.Gradings[key] = state.GradingEntry{Result: r, CachedAt: c.now().UTC(), Pending: true}
	return r
}

// Entry is a cached grading with its key.
type Entry struct {
	Key    string
	Result state.GradingResult
}

// Pending returns the results of topicID still to be applied, oldest first.
func (c *Cache) Pending(topicID string) []Entry {
	var out []Entry
	for k, e := range c.doc.Gradings {
		if e.Pending && e.Result.TopicID == topicID {
			out = append(out, Entry{Key: k, Result: e.Result})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Result.GradedAt.Before(out[j].Result.GradedAt) })
	return out
}

// MarkApplied clears the pending flag of key. It reports whether anything
// changed.
func (c *Cache) MarkApplied(key string) bool {
	e, ok := c.doc.Gradings[key]
	if !ok || !e.Pending {
		return false
	}
	e.Pending = false
	c.doc.Gradings[key] = e
	return true
}
