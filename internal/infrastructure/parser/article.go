package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

// bodyContainers are tried in order; the first yielding paragraphs wins.
var bodyContainers = []string{"article", "main", "[role=main]", "body"}

// ArticleExtractor downloads an article page and keeps its paragraph text.
type ArticleExtractor struct {
	client *http.Client
}

var _ ports.ArticleExtractor = (*ArticleExtractor)(nil)

func NewArticleExtractor(client *http.Client) *ArticleExtractor {
	return &ArticleExtractor{client: defaultClient(client)}
}

func (e *ArticleExtractor) Extract(ctx context.Context, link string) (string, error) {
	body, err := get(ctx, e.client, link, domain.SourceAuth{}, "text/html")
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse article: %w", err)
	}
	return ExtractText(doc), nil
}

// ExtractText returns the readable paragraphs of a page joined by blank lines.
func ExtractText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, form").Remove()

	for _, container := range bodyContainers {
		var paragraphs []string
		doc.Find(container).First().Find("p").Each(func(_ int, p *goquery.Selection) {
			if text := collapse(p.Text()); text != "" {
				paragraphs = append(paragraphs, text)
			}
		})
		if len(paragraphs) > 0 {
			return strings.Join(paragraphs, "\n\n")
		}
	}
	return ""
}

// stripTags flattens an HTML fragment to text.
func stripTags(fragment string) string {
	if !strings.ContainsRune(fragment, '<') {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return collapse(doc.Text())
}
