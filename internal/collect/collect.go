// Package collect gathers candidate articles from the configured feeds.
package collect

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/state"
)

// Batch is the outcome of one collection cycle.
type Batch struct {
	Candidates []state.Candidate
	// Outcomes maps a source id to its fetch error, nil on success.
	Outcomes map[string]error
}

// Failed returns the ids of sources that could not be fetched.
func (b *Batch) Failed() []string {
	var ids []string
	for id, err := range b.Outcomes {
		if err != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Source supplies candidates. A failing source contributes no candidates;
// it never fails the whole batch.
type Source interface {
	Collect(ctx context.Context, sources []state.RssSource) *Batch
}

// Collector fetches every enabled feed concurrently.
type Collector struct {
	parser      *FeedParser
	concurrency int
	maxArxiv    int
	log         *slog.Logger
}

// NewCollector creates a new feed collector.
func NewCollector(cfg config.Content, log *slog.Logger) *Collector {
	return &Collector{
		parser:      NewFeedParser(cfg.MaxPerFeed, cfg.FetchTimeout),
		concurrency: cfg.FetchConcurrent,
		maxArxiv:    cfg.MaxArxiv,
		log:         log.With("component", "collect"),
	}
}

// Collect fetches all enabled sources.
func (c *Collector) Collect(ctx context.Context, sources []state.RssSource) *Batch {
	b := &Batch{Outcomes: map[string]error{}}
	var mu sync.Mutex
	perSource := make([][]state.Candidate, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.concurrency, 1))
	for i, src := range sources {
		if !src.Enabled {
			continue
		}
		g.Go(func() error {
			entries, err := c.parser.Parse(gctx, src)
			mu.Lock()
			b.Outcomes[src.ID] = err
			mu.Unlock()
			if err != nil {
				c.log.Warn("failed to parse feed", "source", src.Name, "url", src.URL, "error", err)
				return nil
			}
			perSource[i] = entries
			c.log.Info("parsed feed", "source", src.Name, "entries", len(entries))
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now().UTC()
	arxiv := 0
	for _, entries := range perSource {
		for _, e := range entries {
			if isArxiv(e.URL) {
				if arxiv >= c.maxArxiv {
					continue
				}
				arxiv++
			}
			e.DiscoveredAt = now
			b.Candidates = append(b.Candidates, e)
		}
	}

	c.log.Info("collection complete", "candidates", len(b.Candidates), "failed_sources", len(b.Failed()))
	return b
}

func isArxiv(u string) bool {
	return strings.Contains(strings.ToLower(u), "arxiv.org")
}
