package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"Newsroom/internal/domain"
)

const (
	defaultStyle          = "neutral, factual news reporting"
	defaultMaxPromptChars = 6000
)

var (
	codeFence     = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// generationRequest builds the prompt for an item. notes is non-empty on
// revisions.
func (p *Pipeline) generationRequest(item domain.PipelineItem, svc domain.Service, languages []string, notes string) domain.GenerationRequest {
	category := "general"
	var entities []string
	location := ""
	if item.Processed != nil {
		if item.Processed.Category != "" {
			category = item.Processed.Category
		}
		entities = item.Processed.Entities
		location = item.Processed.Location
	}
	style := p.writer.Styles[category]
	if style == "" {
		style = p.writer.Styles["default"]
	}
	if style == "" {
		style = defaultStyle
	}

	maxChars := p.writer.MaxPromptChars
	if maxChars <= 0 {
		maxChars = defaultMaxPromptChars
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a news article in English about the source material below.\n")
	fmt.Fprintf(&b, "Category: %s\nStyle: %s\n", category, style)
	if location != "" {
		fmt.Fprintf(&b, "Location: %s\n", location)
	}
	if len(entities) > 0 {
		fmt.Fprintf(&b, "Key entities: %s\n", strings.Join(entities, ", "))
	}
	if len(languages) > 0 {
		fmt.Fprintf(&b, "Also provide translations of the body into: %s.\n", strings.Join(languages, ", "))
	}
	if notes != "" {
		fmt.Fprintf(&b, "This is a revision. Editor notes: %s\n", notes)
	}
	fmt.Fprintf(&b, "\nSource title: %s\n", item.Raw.Title)
	if item.Raw.Summary != "" {
		fmt.Fprintf(&b, "Source summary: %s\n", item.Raw.Summary)
	}
	if item.Raw.Body != "" {
		fmt.Fprintf(&b, "Source text:\n%s\n", truncate(item.Raw.Body, maxChars))
	}
	b.WriteString("\nRespond with a single JSON object: ")
	b.WriteString(`{"headline": "...", "body": "...", "localized": {"<language code>": "<translated body>"}}`)

	maxTokens := p.writer.MaxTokens
	if svc.MaxTokens > 0 && svc.MaxTokens < maxTokens {
		maxTokens = svc.MaxTokens
	}

	return domain.GenerationRequest{
		Model:     svc.Model,
		System:    "You are a careful newsroom editor. Never invent facts that are not in the source material.",
		Prompt:    b.String(),
		MaxTokens: maxTokens,
	}
}

// ParseDraft extracts the article JSON from model output. It tolerates code
// fences, prose around the object and trailing commas.
func ParseDraft(text string) (domain.ArticleDraft, error) {
	if m := codeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return domain.ArticleDraft{}, &domain.ParseError{Err: errors.New("no JSON object in output")}
	}
	text = trailingComma.ReplaceAllString(text[start:end+1], "$1")

	var raw struct {
		Headline     string            `json:"headline"`
		Title        string            `json:"title"`
		Body         string            `json:"body"`
		Content      string            `json:"content"`
		Localized    map[string]string `json:"localized"`
		Translations map[string]string `json:"translations"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return domain.ArticleDraft{}, &domain.ParseError{Err: err}
	}

	draft := domain.ArticleDraft{
		Headline:  firstNonEmpty(raw.Headline, raw.Title),
		Body:      firstNonEmpty(raw.Body, raw.Content),
		Localized: raw.Localized,
	}
	if len(draft.Localized) == 0 {
		draft.Localized = raw.Translations
	}
	if draft.Headline == "" || draft.Body == "" {
		return domain.ArticleDraft{}, &domain.ParseError{Err: errors.New("headline or body missing")}
	}
	return draft, nil
}

// FallbackDraft derives a minimal article from the raw content.
func FallbackDraft(raw domain.RawContent) domain.ArticleDraft {
	parts := make([]string, 0, 2)
	for _, s := range []string{raw.Summary, raw.Body} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return domain.ArticleDraft{
		Headline: strings.TrimSpace(raw.Title),
		Body:     strings.Join(parts, "\n\n"),
		Fallback: true,
	}
}

func targetLanguages(src domain.Source, defaults []string) []string {
	langs := src.Config.Languages
	if len(langs) == 0 {
		langs = defaults
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || l == "en" {
			continue
		}
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}

func truncate(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	return string([]rune(s)[:maxChars]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
