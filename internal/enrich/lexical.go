// Package enrich extracts sentiment, entities, location and topics from raw
// content without calling a remote model.
package enrich

import (
	"context"
	"sort"
	"strings"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"Newsroom/internal/domain"
)

const (
	maxEntities        = 20
	sentimentThreshold = 0.2
	defaultCategory    = "general"
)

var (
	defaultPositive = []string{
		"growth", "record", "success", "improve", "win", "boost", "launch", "celebrate",
		"benefit", "opportunity", "gain", "approve", "expand", "strong", "recover",
	}
	defaultNegative = []string{
		"decline", "loss", "crisis", "fail", "crash", "delay", "ban", "cut",
		"warning", "risk", "drop", "protest", "injury", "fraud", "shortage",
	}
)

// Config feeds the lexicons and dictionaries.
type Config struct {
	Topics    map[string][]string `yaml:"topics"`
	Locations []string            `yaml:"locations"`
	Positive  []string            `yaml:"positive"`
	Negative  []string            `yaml:"negative"`
}

// Lexical is a deterministic enricher backed by Aho-Corasick dictionaries.
type Lexical struct {
	topicMatcher    *ahocorasick.Matcher
	topicKeywords   []string
	keywordTopics   map[string][]string
	locationMatcher *ahocorasick.Matcher
	locations       []string
	positive        map[string]struct{}
	negative        map[string]struct{}
}

// NewLexical compiles the dictionaries once.
func NewLexical(cfg Config) *Lexical {
	l := &Lexical{
		keywordTopics: map[string][]string{},
		positive:      toSet(cfg.Positive, defaultPositive),
		negative:      toSet(cfg.Negative, defaultNegative),
	}

	for topic, keywords := range cfg.Topics {
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if _, ok := l.keywordTopics[kw]; !ok {
				l.topicKeywords = append(l.topicKeywords, kw)
			}
			l.keywordTopics[kw] = append(l.keywordTopics[kw], topic)
		}
	}
	sort.Strings(l.topicKeywords)
	if len(l.topicKeywords) > 0 {
		l.topicMatcher = ahocorasick.NewStringMatcher(l.topicKeywords)
	}

	for _, loc := range cfg.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			l.locations = append(l.locations, loc)
		}
	}
	if len(l.locations) > 0 {
		lowered := make([]string, len(l.locations))
		for i, loc := range l.locations {
			lowered[i] = strings.ToLower(loc)
		}
		l.locationMatcher = ahocorasick.NewStringMatcher(lowered)
	}

	return l
}

// Enrich never fails; the error is part of the ports.Enricher contract.
func (l *Lexical) Enrich(_ context.Context, raw domain.RawContent) (domain.ProcessedContent, error) {
	text := strings.Join([]string{raw.Title, raw.Summary, raw.Body}, "\n")
	lower := []byte(strings.ToLower(text))

	label, score := l.sentiment(text)
	topics := l.topics(lower)

	out := domain.ProcessedContent{
		Sentiment:      label,
		SentimentScore: score,
		Entities:       Entities(text),
		Location:       l.location(lower),
		Topics:         topics,
		Category:       defaultCategory,
	}
	if len(topics) > 0 {
		out.Category = topics[0]
	}
	return out, nil
}

func (l *Lexical) sentiment(text string) (string, float64) {
	pos, neg := 0, 0
	for _, word := range strings.FieldsFunc(strings.ToLower(text), notLetter) {
		if _, ok := l.positive[word]; ok {
			pos++
		}
		if _, ok := l.negative[word]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return "neutral", 0
	}
	score := float64(pos-neg) / float64(pos+neg)
	switch {
	case score > sentimentThreshold:
		return "positive", score
	case score < -sentimentThreshold:
		return "negative", score
	}
	return "neutral", score
}

func (l *Lexical) topics(lower []byte) []string {
	if l.topicMatcher == nil {
		return nil
	}
	set := map[string]struct{}{}
	for _, idx := range l.topicMatcher.MatchThreadSafe(lower) {
		for _, topic := range l.keywordTopics[l.topicKeywords[idx]] {
			set[topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(set))
	for topic := range set {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// location returns the first configured location present in the text.
func (l *Lexical) location(lower []byte) string {
	if l.locationMatcher == nil {
		return ""
	}
	hits := l.locationMatcher.MatchThreadSafe(lower)
	if len(hits) == 0 {
		return ""
	}
	sort.Ints(hits)
	return l.locations[hits[0]]
}

// Entities returns capitalised multi-word phrases and acronyms in order of
// first appearance. Leading function words ("The", "In") are dropped.
func Entities(text string) []string {
	var (
		out    []string
		seen   = map[string]struct{}{}
		phrase []string
	)

	flush := func() {
		for len(phrase) > 0 {
			if _, stop := leadingStopwords[phrase[0]]; !stop {
				break
			}
			phrase = phrase[1:]
		}
		if len(phrase) >= 2 || (len(phrase) == 1 && isAcronym(phrase[0])) {
			name := strings.Join(phrase, " ")
			if _, ok := seen[name]; !ok && len(out) < maxEntities {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
		phrase = nil
	}

	for _, raw := range strings.Fields(text) {
		word := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if word == "" || !unicode.IsUpper([]rune(word)[0]) {
			flush()
			continue
		}
		phrase = append(phrase, word)
		if strings.ContainsAny(raw[len(raw)-1:], ".,;:!?") {
			flush()
		}
	}
	flush()
	return out
}

var leadingStopwords = map[string]struct{}{
	"The": {}, "A": {}, "An": {}, "In": {}, "On": {}, "At": {}, "This": {}, "That": {},
	"According": {}, "After": {}, "Before": {}, "When": {}, "While": {}, "For": {}, "From": {},
}

func isAcronym(word string) bool {
	if len(word) < 2 {
		return false
	}
	for _, r := range word {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func notLetter(r rune) bool {
	return !unicode.IsLetter(r)
}

func toSet(values, fallback []string) map[string]struct{} {
	if len(values) == 0 {
		values = fallback
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
