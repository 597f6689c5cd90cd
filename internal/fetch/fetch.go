// Package fetch downloads article pages and extracts their readable text.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/KBCurator/internal/llm"
)

// Extraction methods recorded on candidates and summary cache keys.
const (
	MethodFeed        = "feed"
	MethodReadability = "readability"
	MethodGoquery     = "goquery"
)

const maxBody = 5 << 20

// HTTPError is a non-success response from an article host.
type HTTPError struct {
	URL  string
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetching %s: %s", e.URL, http.StatusText(e.Code))
}

// ContentFetcher fetches full article text via HTTP and readability
// extraction, falling back to paragraph scraping.
type ContentFetcher struct {
	client   *http.Client
	limiter  *DomainLimiter
	minWords int
	log      *slog.Logger
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(timeout time.Duration, limiter *DomainLimiter, minWords int, log *slog.Logger) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter:  limiter,
		minWords: minWords,
		log:      log.With("component", "fetch"),
	}
}

// Extract downloads articleURL and returns its text and the method that
// produced it.
func (f *ContentFetcher) Extract(ctx context.Context, articleURL string) (string, string, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid url %q: %w", articleURL, err)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, parsedURL.Hostname()); err != nil {
			return "", "", err
		}
	}

	body, err := f.get(ctx, articleURL)
	if err != nil {
		return "", "", err
	}

	article, err := readability.FromReader(strings.NewReader(body), parsedURL)
	if err == nil {
		text := normalizeSpace(article.TextContent)
		if llm.WordCount(text) >= f.minWords {
			return text, MethodReadability, nil
		}
	}

	text, err := scrapeParagraphs(body)
	if err != nil {
		return "", "", err
	}
	if text == "" {
		return "", "", fmt.Errorf("no extractable content from %s", articleURL)
	}
	f.log.Debug("readability fell short, used paragraph scrape", "url", articleURL, "words", llm.WordCount(text))
	return text, MethodGoquery, nil
}

func (f *ContentFetcher) get(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "KBCurator/1.0 (learning digest)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", articleURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &HTTPError{URL: articleURL, Code: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", articleURL, err)
	}
	return string(b), nil
}

// scrapeParagraphs joins the paragraphs of the main content region.
func scrapeParagraphs(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}
	doc.Find("script, style, nav, header, footer, aside").Remove()

	root := doc.Find("article, main, .post-content, .entry-content").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var parts []string
	root.Find("p, li, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if t := normalizeSpace(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n"), nil
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
