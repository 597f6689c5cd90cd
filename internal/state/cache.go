package state

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Hash returns the hex sha256 of the parts joined by "|".
func Hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// URLKey returns the dedup key of a url.
func URLKey(url string) string {
	return Hash(strings.ToLower(strings.TrimRight(strings.TrimSpace(url), "/")))
}

// SummaryKey returns the cache key of a summary: one per url and extraction method.
func SummaryKey(url, method string) string {
	return Hash(url, method)
}

// PairKey returns an order-independent key for two titles.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return Hash(a, b)
}

// URLEntry marks a url as already processed.
type URLEntry struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	CachedAt time.Time `json:"cached_at"`
}

// SummaryEntry is a cached summary of one url extracted one way.
type SummaryEntry struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Summary   Summary   `json:"summary"`
	WordCount int       `json:"word_count"`
	CachedAt  time.Time `json:"cached_at"`
}

// GradingResult is the outcome of grading one answer.
type GradingResult struct {
	TopicID    string         `json:"topic_id"`
	Score      int            `json:"score"`
	Dimensions map[string]int `json:"dimensions"`
	Feedback   string         `json:"feedback"`
	Decision   string         `json:"decision"`
	Depth      int            `json:"depth"`
	Model      string         `json:"model"`
	GradedAt   time.Time      `json:"graded_at"`
	Reteach    *ReteachPlan   `json:"reteach,omitempty"`
}

// SubConcept is one building block of a reteach plan.
type SubConcept struct {
	Name        string `json:"name"`
	Explanation string `json:"explanation"`
}

// ReteachPlan breaks a topic into simpler parts after a failed grading.
type ReteachPlan struct {
	SubConcepts []SubConcept `json:"sub_concepts"`
	Question    string       `json:"reteach_question"`
}

// GradingEntry is a cached grading result. Pending is set while the result
// has not yet been folded into the topic and the metrics.
type GradingEntry struct {
	Result   GradingResult `json:"result"`
	CachedAt time.Time     `json:"cached_at"`
	Pending  bool          `json:"pending,omitempty"`
}

// DedupVerdict is an AI-confirmed duplicate decision for a title pair.
type DedupVerdict struct {
	TitleA    string    `json:"title_a"`
	TitleB    string    `json:"title_b"`
	Duplicate bool      `json:"duplicate"`
	CachedAt  time.Time `json:"cached_at"`
}

// Cache is the cache document. Keys are content hashes so inserts are idempotent.
type Cache struct {
	URLDedup      map[string]URLEntry     `json:"url_dedup"`
	Summaries     map[string]SummaryEntry `json:"summaries"`
	Gradings      map[string]GradingEntry `json:"gradings"`
	DedupVerdicts map[string]DedupVerdict `json:"dedup_verdicts"`
}

// Normalize fills nil maps.
func (c *Cache) Normalize() {
	if c.URLDedup == nil {
		c.URLDedup = map[string]URLEntry{}
	}
	if c.Summaries == nil {
		c.Summaries = map[string]SummaryEntry{}
	}
	if c.Gradings == nil {
		c.Gradings = map[string]GradingEntry{}
	}
	if c.DedupVerdicts == nil {
		c.DedupVerdicts = map[string]DedupVerdict{}
	}
}

// Titles returns the titles remembered alongside processed urls.
func (c *Cache) Titles() []string {
	out := make([]string, 0, len(c.URLDedup))
	for _, e := range c.URLDedup {
		if e.Title != "" {
			out = append(out, e.Title)
		}
	}
	sort.Strings(out)
	return out
}

// Merge copies every entry of other that c does not already hold.
func (c *Cache) Merge(other *Cache) {
	c.Normalize()
	for k, v := range other.URLDedup {
		if _, ok := c.URLDedup[k]; !ok {
			c.URLDedup[k] = v
		}
	}
	for k, v := range other.Summaries {
		if _, ok := c.Summaries[k]; !ok {
			c.Summaries[k] = v
		}
	}
	for k, v := range other.Gradings {
		if _, ok := c.Gradings[k]; !ok {
			c.Gradings[k] = v
		}
	}
	for k, v := range other.DedupVerdicts {
		if _, ok := c.DedupVerdicts[k]; !ok {
			c.DedupVerdicts[k] = v
		}
	}
}

// CacheTTL holds per-map retention in days and the per-map entry cap.
type CacheTTL struct {
	URLDedupDays int
	GradingDays  int
	SummaryDays  int
	MaxEntries   int
}

// Prune evicts expired entries, then the oldest entries of any map above
// MaxEntries. It returns the number of entries removed.
func (c *Cache) Prune(now time.Time, ttl CacheTTL) int {
	c.Normalize()
	removed := 0
	removed += pruneMap(c.URLDedup, now, ttl.URLDedupDays, ttl.MaxEntries, func(e URLEntry) time.Time { return e.CachedAt })
	removed += pruneMap(c.Summaries, now, ttl.SummaryDays, ttl.MaxEntries, func(e SummaryEntry) time.Time { return e.CachedAt })
	removed += pruneMap(c.Gradings, now, ttl.GradingDays, ttl.MaxEntries, func(e GradingEntry) time.Time { return e.CachedAt })
	removed += pruneMap(c.DedupVerdicts, now, ttl.URLDedupDays, ttl.MaxEntries, func(e DedupVerdict) time.Time { return e.CachedAt })
	return removed
}

func pruneMap[V any](m map[string]V, now time.Time, days, maxEntries int, at func(V) time.Time) int {
	removed := 0
	if days > 0 {
		cutoff := now.AddDate(0, 0, -days)
		for k, v := range m {
			if at(v).Before(cutoff) {
				delete(m, k)
				removed++
			}
		}
	}
	if maxEntries > 0 && len(m) > maxEntries {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			ti, tj := at(m[keys[i]]), at(m[keys[j]])
			if ti.Equal(tj) {
				return keys[i] < keys[j]
			}
			return ti.Before(tj)
		})
		for _, k := range keys[:len(m)-maxEntries] {
			delete(m, k)
			removed++
		}
	}
	return removed
}
