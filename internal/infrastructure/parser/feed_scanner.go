package parser

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"Newsroom/internal/domain"
	"Newsroom/internal/scanner"
)

// FeedScanner reads RSS and Atom sources.
type FeedScanner struct {
	client *http.Client
}

func NewFeedScanner(client *http.Client) *FeedScanner {
	return &FeedScanner{client: defaultClient(client)}
}

func (f *FeedScanner) Type() domain.SourceType {
	return domain.SourceFeed
}

// Scan returns the feed entries in document order.
func (f *FeedScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.FeedEntry, error) {
	body, err := get(ctx, f.client, req.Source.URL, req.Source.Config.Auth,
		"application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	if err != nil {
		return nil, err
	}
	return ParseFeed(string(body))
}

// ParseFeed converts an RSS/Atom document into feed entries.
func ParseFeed(body string) ([]domain.FeedEntry, error) {
	parsed, err := gofeed.NewParser().ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]domain.FeedEntry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		entries = append(entries, domain.FeedEntry{
			Title:       strings.TrimSpace(item.Title),
			Summary:     strings.TrimSpace(stripTags(item.Description)),
			Body:        strings.TrimSpace(stripTags(item.Content)),
			Link:        extractLink(item),
			MediaURL:    extractMedia(item),
			PublishedAt: publishedAt(item),
		})
	}
	return entries, nil
}

// extractLink prefers the explicit link, falling back to a URL-shaped GUID.
func extractLink(item *gofeed.Item) string {
	if item.Link != "" {
		return item.Link
	}
	if strings.HasPrefix(item.GUID, "http") {
		return item.GUID
	}
	return ""
}

func extractMedia(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}

func publishedAt(item *gofeed.Item) time.Time {
	switch {
	case item.PublishedParsed != nil:
		return item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		return item.UpdatedParsed.UTC()
	}
	return time.Time{}
}
