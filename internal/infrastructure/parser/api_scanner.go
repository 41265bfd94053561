package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/scanner"
)

// Envelope keys and field aliases accepted from JSON news APIs.
var (
	listKeys    = []string{"items", "articles", "results", "data", "entries"}
	titleKeys   = []string{"title", "headline", "name"}
	summaryKeys = []string{"summary", "description", "excerpt", "abstract"}
	bodyKeys    = []string{"content", "body", "text"}
	linkKeys    = []string{"url", "link", "href", "webUrl"}
	mediaKeys   = []string{"image", "image_url", "imageUrl", "urlToImage", "thumbnail"}
	dateKeys    = []string{"published_at", "publishedAt", "pubDate", "date", "created_at"}
	dateLayouts = []string{time.RFC3339, time.RFC1123Z, time.RFC1123, "2006-01-02 15:04:05", "2006-01-02"}
)

// APIScanner reads JSON APIs returning either a bare array of objects or an
// envelope holding one.
type APIScanner struct {
	client *http.Client
}

func NewAPIScanner(client *http.Client) *APIScanner {
	return &APIScanner{client: defaultClient(client)}
}

func (a *APIScanner) Type() domain.SourceType {
	return domain.SourceAPI
}

func (a *APIScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.FeedEntry, error) {
	body, err := get(ctx, a.client, req.Source.URL, req.Source.Config.Auth, "application/json")
	if err != nil {
		return nil, err
	}
	return ParseAPI(body)
}

// ParseAPI maps a JSON payload onto feed entries.
func ParseAPI(body []byte) ([]domain.FeedEntry, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode api response: %w", err)
	}

	records, ok := raw.([]any)
	if !ok {
		envelope, isObject := raw.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("unexpected api response shape")
		}
		for _, key := range listKeys {
			if list, found := envelope[key].([]any); found {
				records = list
				break
			}
		}
	}

	entries := make([]domain.FeedEntry, 0, len(records))
	for _, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		entries = append(entries, domain.FeedEntry{
			Title:       pick(obj, titleKeys),
			Summary:     stripTags(pick(obj, summaryKeys)),
			Body:        stripTags(pick(obj, bodyKeys)),
			Link:        pick(obj, linkKeys),
			MediaURL:    pick(obj, mediaKeys),
			PublishedAt: parseAPIDate(pick(obj, dateKeys)),
		})
	}
	return entries, nil
}

func pick(obj map[string]any, keys []string) string {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			// {"image": {"url": "..."}}
			if s, ok := v["url"].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func parseAPIDate(text string) time.Time {
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, text); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
