package config

import "maps"

// Thresholds is the single source of mode and threshold values. It is built
// once per execution and handed to every component that needs one.
type Thresholds struct {
	Dedup    Dedup
	Budget   Budget
	Adaptive Adaptive
	Grading  Grading
	Cache    Cache
	GradeCap int

	// Composite triage score a candidate needs to be relevant.
	MinRelevance float64
	// Faithfulness score under which a summary is flagged.
	LowConfidence float64
	// Days without an accepted topic before a category is forced.
	DroughtDays int
	// Days of per-day metrics kept by the morning cleanup.
	DailyRetention int
	// Review topics listed in a digest.
	MaxReview int
}

// Thresholds returns an immutable copy of the threshold settings.
func (c *Config) Thresholds() Thresholds {
	a := c.Adaptive
	a.Quotas = maps.Clone(c.Adaptive.Quotas)
	return Thresholds{
		Dedup:    c.Dedup,
		Budget:   c.Budget,
		Adaptive: a,
		Grading:  c.Grading,
		Cache:    c.Cache,
		GradeCap: c.Models.Grade.DailyCap,

		MinRelevance:   c.Pipeline.MinRelevance,
		LowConfidence:  c.Content.LowConfidence,
		DroughtDays:    c.Pipeline.DroughtDays,
		DailyRetention: c.Pipeline.DailyRetention,
		MaxReview:      c.Notify.MaxReview,
	}
}

// Quota returns the daily topic intake allowed in the given adaptive mode.
func (t Thresholds) Quota(mode string) int {
	if q, ok := t.Adaptive.Quotas[mode]; ok {
		return q
	}
	return t.Adaptive.Quotas["NORMAL"]
}
