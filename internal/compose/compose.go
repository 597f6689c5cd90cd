// Package compose renders the daily learning digest.
package compose

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Digest is a composed daily email.
type Digest struct {
	Date     string
	Subject  string
	Markdown string
	HTML     string
	TopicIDs []string
}

// Composer composes digests from the topics and metrics documents.
type Composer struct {
	md        goldmark.Markdown
	policy    *bluemonday.Policy
	loc       *time.Location
	maxReview int
}

// NewComposer creates a new digest composer listing at most maxReview review
// topics.
func NewComposer(loc *time.Location, maxReview int) *Composer {
	return &Composer{md: goldmark.New(), policy: bluemonday.UGCPolicy(), loc: loc, maxReview: maxReview}
}

// Compose builds the digest for date: topics added that day with their
// summaries, then the active topics most in need of practice.
func (c *Composer) Compose(date string, topics []state.Topic, m *state.Metrics) (*Digest, error) {
	var fresh, review []state.Topic
	for _, t := range topics {
		if t.Status != state.TopicActive {
			continue
		}
		if calendar.Day(t.CreatedAt, c.loc) == date {
			fresh = append(fresh, t)
		} else {
			review = append(review, t)
		}
	}
	sort.SliceStable(review, func(i, j int) bool { return needsPractice(review[i], review[j]) })
	if len(review) > c.maxReview {
		review = review[:c.maxReview]
	}

	d := &Digest{Date: date}
	for _, t := range fresh {
		d.TopicIDs = append(d.TopicIDs, t.ID)
	}
	for _, t := range review {
		d.TopicIDs = append(d.TopicIDs, t.ID)
	}

	d.Subject = fmt.Sprintf("Knowledge digest for %s: %d new, %d to practice", calendar.FormatDisplay(date), len(fresh), len(review))
	d.Markdown = assembleBody(date, fresh, review, m)

	var buf bytes.Buffer
	if err := c.md.Convert([]byte(d.Markdown), &buf); err != nil {
		return nil, fmt.Errorf("rendering digest: %w", err)
	}
	d.HTML = string(c.policy.SanitizeBytes(buf.Bytes()))
	return d, nil
}

// needsPractice orders reteach topics first, then by lowest mastery.
func needsPractice(a, b state.Topic) bool {
	if (a.Mode == state.ModeReteach) != (b.Mode == state.ModeReteach) {
		return a.Mode == state.ModeReteach
	}
	return mastery(a) < mastery(b)
}

func mastery(t state.Topic) int {
	if t.MasteryScore == nil {
		return -1
	}
	return *t.MasteryScore
}

func assembleBody(date string, fresh, review []state.Topic, m *state.Metrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Knowledge digest, %s\n\n", calendar.FormatDisplay(date))
	if m != nil {
		fmt.Fprintf(&b, "Streak: **%d** days · Mode: **%s**\n\n", m.Streak, m.AdaptiveMode)
	}

	if len(fresh) == 0 {
		b.WriteString("No new topics today.\n\n")
	}
	for _, t := range fresh {
		fmt.Fprintf(&b, "## %s\n\n", t.Title)
		if t.Summary.LowConfidence {
			b.WriteString("_Summary flagged as low confidence; check the source._\n\n")
		}
		if t.Summary.TLDR != "" {
			fmt.Fprintf(&b, "**TL;DR:** %s\n\n", t.Summary.TLDR)
		}
		if t.Summary.WhyItMatters != "" {
			fmt.Fprintf(&b, "**Why it matters:** %s\n\n", t.Summary.WhyItMatters)
		}
		if t.Summary.CoreMechanism != "" {
			fmt.Fprintf(&b, "**How it works:** %s\n\n", t.Summary.CoreMechanism)
		}
		for _, k := range t.Summary.KeyTakeaways {
			fmt.Fprintf(&b, "- %s\n", k)
		}
		fmt.Fprintf(&b, "\nSource: [%s](%s) · topic `%s`\n\n", sourceName(t), t.SourceURL, t.ID)
	}

	if len(review) > 0 {
		b.WriteString("---\n\n## Practice\n\n")
		for _, t := range review {
			line := fmt.Sprintf("- **%s** (depth %d/%d", t.Title, t.Depth, state.MaxDepth)
			if t.MasteryScore != nil {
				line += fmt.Sprintf(", last score %d", *t.MasteryScore)
			}
			if t.Mode == state.ModeReteach {
				line += ", reteach"
			}
			fmt.Fprintf(&b, "%s) topic `%s`\n", line, t.ID)
			if plan := t.ActiveReteach(); plan != nil {
				for _, sc := range plan.SubConcepts {
					fmt.Fprintf(&b, "  - *%s*: %s\n", sc.Name, sc.Explanation)
				}
				if plan.Question != "" {
					fmt.Fprintf(&b, "  - Try again: %s\n", plan.Question)
				}
			}
		}
	}
	return b.String()
}

func sourceName(t state.Topic) string {
	if t.SourceName != "" {
		return t.SourceName
	}
	return t.SourceURL
}
