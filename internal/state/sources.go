package state

import (
	"strings"
	"time"
)

// RssSource is a feed descriptor with its rolling failure counter.
type RssSource struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	DisabledAt          *time.Time `json:"disabled_at,omitempty"`
}

// RssSources is the rss_sources document.
type RssSources struct {
	Sources []RssSource `json:"sources"`
}

// Active returns the enabled sources.
func (r *RssSources) Active() []RssSource {
	var out []RssSource
	for _, s := range r.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// SourceID returns the id a source seeded from url receives.
func SourceID(url string) string {
	return Hash(url)[:12]
}

// Seed adds a source for every url not already present.
func (r *RssSources) Seed(name, url string) bool {
	for _, s := range r.Sources {
		if strings.EqualFold(s.URL, url) {
			return false
		}
	}
	r.Sources = append(r.Sources, RssSource{
		ID:      SourceID(url),
		Name:    name,
		URL:     url,
		Enabled: true,
	})
	return true
}

// RecordOutcome updates the failure counter of a source. A source reaching
// disableAfter consecutive failures is disabled. It reports whether the
// source was disabled by this call.
func (r *RssSources) RecordOutcome(id string, failed bool, now time.Time, disableAfter int) bool {
	for i := range r.Sources {
		s := &r.Sources[i]
		if s.ID != id {
			continue
		}
		if !failed {
			s.ConsecutiveFailures = 0
			s.LastSuccess = &now
			return false
		}
		s.ConsecutiveFailures++
		s.LastFailure = &now
		if s.Enabled && s.ConsecutiveFailures >= disableAfter {
			s.Enabled = false
			s.DisabledAt = &now
			return true
		}
		return false
	}
	return false
}

// Decay lowers the failure counter of enabled sources that have not failed in
// the last day, and re-enables sources disabled more than reenableDays ago.
func (r *RssSources) Decay(now time.Time, reenableDays int) (decayed, reenabled int) {
	for i := range r.Sources {
		s := &r.Sources[i]
		if !s.Enabled {
			if s.DisabledAt != nil && now.Sub(*s.DisabledAt) >= time.Duration(reenableDays)*24*time.Hour {
				s.Enabled = true
				s.DisabledAt = nil
				s.ConsecutiveFailures = 0
				reenabled++
			}
			continue
		}
		if s.ConsecutiveFailures == 0 {
			continue
		}
		if s.LastFailure == nil || now.Sub(*s.LastFailure) >= 24*time.Hour {
			s.ConsecutiveFailures--
			decayed++
		}
	}
	return decayed, reenabled
}
