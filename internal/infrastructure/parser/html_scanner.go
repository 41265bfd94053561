package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"Newsroom/internal/domain"
	"Newsroom/internal/scanner"
)

var dateExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

var defaultSelectors = domain.Selectors{
	Item:    "article",
	Title:   "h1, h2, h3",
	Summary: "p",
	Link:    "a[href]",
	Date:    "time",
	Layout:  time.RFC3339,
}

// HTMLScanner crawls listing pages of sources that publish neither a feed nor
// an API. Selectors come from the source config.
type HTMLScanner struct {
	client *http.Client
}

// NewHTMLScanner wires an HTTP client; nil uses a 20s timeout client.
func NewHTMLScanner(client *http.Client) *HTMLScanner {
	return &HTMLScanner{client: defaultClient(client)}
}

func (h *HTMLScanner) Type() domain.SourceType {
	return domain.SourceOther
}

// Scan fetches the listing page and extracts one entry per item block.
func (h *HTMLScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.FeedEntry, error) {
	base, err := url.Parse(req.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url %s: %w", req.Source.URL, err)
	}

	body, err := get(ctx, h.client, req.Source.URL, req.Source.Config.Auth, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	sel := withDefaults(req.Source.Config.Selectors)
	var entries []domain.FeedEntry
	seen := map[string]struct{}{}
	doc.Find(sel.Item).Each(func(_ int, node *goquery.Selection) {
		entry := parseEntry(node, sel, base)
		if entry.Title == "" && entry.Link == "" {
			return
		}
		key := entry.Link
		if key == "" {
			key = entry.Title
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		entries = append(entries, entry)
	})
	return entries, nil
}

func parseEntry(node *goquery.Selection, sel domain.Selectors, base *url.URL) domain.FeedEntry {
	entry := domain.FeedEntry{
		Title:   collapse(node.Find(sel.Title).First().Text()),
		Summary: collapse(node.Find(sel.Summary).First().Text()),
	}

	if href, ok := node.Find(sel.Link).First().Attr("href"); ok {
		entry.Link = resolve(base, href)
	}
	if src, ok := node.Find("img[src]").First().Attr("src"); ok {
		entry.MediaURL = resolve(base, src)
	}

	dateNode := node.Find(sel.Date).First()
	if stamp, ok := dateNode.Attr("datetime"); ok {
		entry.PublishedAt = parseDate(stamp, sel.Layout)
	}
	if entry.PublishedAt.IsZero() {
		entry.PublishedAt = parseDate(strings.TrimSpace(dateNode.Text()), sel.Layout)
	}
	return entry
}

func parseDate(text, layout string) time.Time {
	if text == "" {
		return time.Time{}
	}
	if parsed, err := time.Parse(layout, text); err == nil {
		return parsed.UTC()
	}
	if match := dateExpr.FindString(text); match != "" {
		if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func withDefaults(sel domain.Selectors) domain.Selectors {
	if sel.Item == "" {
		sel.Item = defaultSelectors.Item
	}
	if sel.Title == "" {
		sel.Title = defaultSelectors.Title
	}
	if sel.Summary == "" {
		sel.Summary = defaultSelectors.Summary
	}
	if sel.Link == "" {
		sel.Link = defaultSelectors.Link
	}
	if sel.Date == "" {
		sel.Date = defaultSelectors.Date
	}
	if sel.Layout == "" {
		sel.Layout = defaultSelectors.Layout
	}
	return sel
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
