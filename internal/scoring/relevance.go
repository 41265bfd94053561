// Package scoring holds the deterministic relevance and quality functions used
// by the source monitor and the analyze/write stages.
package scoring

import (
	"strings"

	"Newsroom/internal/domain"
)

// Priority cut-offs for relevance-derived task priority.
const (
	HighRelevance   = 0.7
	MediumRelevance = 0.5
)

// Relevance is the fraction of distinct keywords found in text, matched
// case-insensitively as substrings. A source with no keywords accepts everything.
func Relevance(text string, keywords []string) float64 {
	lower := strings.ToLower(text)

	total, matched := 0, 0
	seen := map[string]struct{}{}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		total++
		if strings.Contains(lower, kw) {
			matched++
		}
	}

	if total == 0 {
		return 1
	}
	return clamp(float64(matched) / float64(total))
}

// PriorityFor maps relevance onto task priority.
func PriorityFor(relevance float64) domain.Priority {
	switch {
	case relevance >= HighRelevance:
		return domain.PriorityHigh
	case relevance >= MediumRelevance:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
