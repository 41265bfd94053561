package scoring

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"Newsroom/internal/domain"
)

// Weights are the fixed contributions of each quality signal. They must sum to 1.
type Weights struct {
	ContentLength float64 `yaml:"contentLength"`
	TitleLength   float64 `yaml:"titleLength"`
	Summary       float64 `yaml:"summary"`
	Media         float64 `yaml:"media"`
	Entities      float64 `yaml:"entities"`
	Location      float64 `yaml:"location"`
	TrustTier     float64 `yaml:"trustTier"`
	Freshness     float64 `yaml:"freshness"`
}

// Bands are the ranges that earn a signal its weight.
type Bands struct {
	MinContent int           `yaml:"minContent"`
	MaxContent int           `yaml:"maxContent"`
	MinTitle   int           `yaml:"minTitle"`
	MaxTitle   int           `yaml:"maxTitle"`
	FreshFull  time.Duration `yaml:"freshFull"`
	FreshHalf  time.Duration `yaml:"freshHalf"`
}

// DefaultWeights is the empirically chosen weighting.
func DefaultWeights() Weights {
	return Weights{
		ContentLength: 0.25,
		TitleLength:   0.15,
		Summary:       0.10,
		Media:         0.10,
		Entities:      0.10,
		Location:      0.05,
		TrustTier:     0.15,
		Freshness:     0.10,
	}
}

// DefaultBands returns the optimal content/title bands and freshness windows.
func DefaultBands() Bands {
	return Bands{
		MinContent: 300,
		MaxContent: 5000,
		MinTitle:   20,
		MaxTitle:   120,
		FreshFull:  24 * time.Hour,
		FreshHalf:  72 * time.Hour,
	}
}

// Sum adds all weights.
func (w Weights) Sum() float64 {
	return w.ContentLength + w.TitleLength + w.Summary + w.Media +
		w.Entities + w.Location + w.TrustTier + w.Freshness
}

// Validate requires non-negative weights summing to 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.ContentLength, w.TitleLength, w.Summary, w.Media, w.Entities, w.Location, w.TrustTier, w.Freshness} {
		if v < 0 {
			return fmt.Errorf("quality weights must not be negative")
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("quality weights sum to %.4f, want 1.0", w.Sum())
	}
	return nil
}

// QualityInput is everything the quality function looks at. ReferenceTime makes
// freshness explicit so the function stays pure.
type QualityInput struct {
	Title         string
	Content       string
	Summary       string
	HasMedia      bool
	EntityCount   int
	Location      string
	TrustTier     domain.TrustTier
	PublishedAt   time.Time
	ReferenceTime time.Time
}

// Scorer computes quality with fixed weights and bands.
type Scorer struct {
	weights Weights
	bands   Bands
}

// NewScorer falls back to defaults for invalid weights or zero bands.
func NewScorer(w Weights, b Bands) *Scorer {
	if w.Validate() != nil {
		w = DefaultWeights()
	}
	def := DefaultBands()
	if b.MaxContent <= 0 {
		b.MinContent, b.MaxContent = def.MinContent, def.MaxContent
	}
	if b.MaxTitle <= 0 {
		b.MinTitle, b.MaxTitle = def.MinTitle, def.MaxTitle
	}
	if b.FreshFull <= 0 {
		b.FreshFull = def.FreshFull
	}
	if b.FreshHalf <= 0 {
		b.FreshHalf = def.FreshHalf
	}
	return &Scorer{weights: w, bands: b}
}

// Quality returns a score in [0,1]. Same input, same output.
func (s *Scorer) Quality(in QualityInput) float64 {
	w, b := s.weights, s.bands
	score := 0.0

	if n := utf8.RuneCountInString(in.Content); n >= b.MinContent && n <= b.MaxContent {
		score += w.ContentLength
	}
	if n := utf8.RuneCountInString(in.Title); n >= b.MinTitle && n <= b.MaxTitle {
		score += w.TitleLength
	}
	if in.Summary != "" {
		score += w.Summary
	}
	if in.HasMedia {
		score += w.Media
	}
	if in.EntityCount > 0 {
		score += w.Entities
	}
	if in.Location != "" {
		score += w.Location
	}

	switch in.TrustTier {
	case domain.TrustTrusted:
		score += w.TrustTier
	case domain.TrustStandard:
		score += w.TrustTier / 2
	}

	if !in.PublishedAt.IsZero() && !in.ReferenceTime.IsZero() {
		age := in.ReferenceTime.Sub(in.PublishedAt)
		switch {
		case age <= b.FreshFull:
			score += w.Freshness
		case age <= b.FreshHalf:
			score += w.Freshness / 2
		}
	}

	return clamp(score)
}

// ItemInput builds the quality input of an enriched item.
func ItemInput(item domain.PipelineItem, ref time.Time) QualityInput {
	in := QualityInput{
		Title:         item.Raw.Title,
		Content:       item.Raw.Body,
		Summary:       item.Raw.Summary,
		HasMedia:      item.Raw.MediaURL != "",
		TrustTier:     item.TrustTier,
		PublishedAt:   item.Raw.PublishedAt,
		ReferenceTime: ref,
	}
	if item.Processed != nil {
		in.EntityCount = len(item.Processed.Entities)
		in.Location = item.Processed.Location
	}
	return in
}

// ArticleInput builds the article-level quality input of a drafted item.
func ArticleInput(item domain.PipelineItem, draft domain.ArticleDraft, ref time.Time) QualityInput {
	in := ItemInput(item, ref)
	in.Title = draft.Headline
	in.Content = draft.Body
	return in
}
