package collect

import (
	"context"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/KBCurator/internal/state"
)

const defaultMaxPerFeed = 20

// FeedParser parses RSS/Atom feeds into candidates.
type FeedParser struct {
	maxPerFeed int
	timeout    time.Duration
	strip      *bluemonday.Policy
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(maxPerFeed int, timeout time.Duration) *FeedParser {
	if maxPerFeed <= 0 {
		maxPerFeed = defaultMaxPerFeed
	}
	return &FeedParser{maxPerFeed: maxPerFeed, timeout: timeout, strip: bluemonday.StrictPolicy()}
}

// Parse fetches one feed and returns at most maxPerFeed candidates.
func (fp *FeedParser) Parse(ctx context.Context, src state.RssSource) ([]state.Candidate, error) {
	if fp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fp.timeout)
		defer cancel()
	}
	feed, err := gofeed.NewParser().ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, err
	}

	name := src.Name
	if name == "" {
		name = extractSourceName(src.URL)
	}

	var out []state.Candidate
	for _, item := range feed.Items {
		if len(out) >= fp.maxPerFeed {
			break
		}
		if c := fp.parseItem(item, name, src.ID); c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

// parseItem keeps items without a title or link so the pipeline can record
// them as malformed.
func (fp *FeedParser) parseItem(item *gofeed.Item, source, sourceID string) *state.Candidate {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	title := strings.TrimSpace(item.Title)
	if itemURL == "" && title == "" {
		return nil
	}

	var publishedDate string
	if item.PublishedParsed != nil {
		publishedDate = item.PublishedParsed.Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		publishedDate = item.UpdatedParsed.Format("2006-01-02")
	}

	content := item.Content
	if content == "" {
		content = item.Description
	}

	return &state.Candidate{
		Title:       title,
		URL:         itemURL,
		Source:      source,
		SourceID:    sourceID,
		Text:        fp.stripHTML(content),
		Method:      "feed",
		PublishedAt: publishedDate,
	}
}

func (fp *FeedParser) stripHTML(text string) string {
	if text == "" {
		return ""
	}
	s := html.UnescapeString(fp.strip.Sanitize(text))
	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds.", "export."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	name := host
	if len(parts) >= 2 {
		name = parts[len(parts)-2]
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
