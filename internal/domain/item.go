package domain

import "time"

// Stage enumerates editorial milestones of a pipeline item.
type Stage string

const (
	StageRaw       Stage = "raw"
	StageFetched   Stage = "fetched"
	StageProcessed Stage = "processed"
	StageWritten   Stage = "written"
	StageReviewed  Stage = "reviewed"
	StagePublished Stage = "published"
	StageArchived  Stage = "archived"
	StageRejected  Stage = "rejected"
)

// stageTransitions is the complete set of legal moves. reviewed -> written is
// the only backward edge (send back for revision).
var stageTransitions = map[Stage][]Stage{
	StageRaw:       {StageFetched},
	StageFetched:   {StageProcessed},
	StageProcessed: {StageWritten},
	StageWritten:   {StageReviewed},
	StageReviewed:  {StagePublished, StageArchived, StageRejected, StageWritten},
}

// CanAdvance reports whether from -> to is a legal stage transition.
func CanAdvance(from, to Stage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the stage ends the item's lifecycle.
func (s Stage) Terminal() bool {
	return s == StagePublished || s == StageArchived || s == StageRejected
}

// RawContent is what the fetch stage captured.
type RawContent struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Body        string    `json:"body"`
	Link        string    `json:"link"`
	MediaURL    string    `json:"media_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// ProcessedContent holds enrichment produced by the analyze stage.
type ProcessedContent struct {
	Sentiment      string   `json:"sentiment"`
	SentimentScore float64  `json:"sentiment_score"`
	Entities       []string `json:"entities"`
	Location       string   `json:"location,omitempty"`
	Topics         []string `json:"topics"`
	Category       string   `json:"category"`
}

// ArticleDraft is the write stage output.
type ArticleDraft struct {
	Headline     string            `json:"headline"`
	Body         string            `json:"body"`
	Localized    map[string]string `json:"localized,omitempty"`
	QualityScore float64           `json:"quality_score"`
	ServiceID    string            `json:"service_id"`
	Fallback     bool              `json:"fallback"`
}

// PipelineItem is one piece of content moving through editorial stages.
type PipelineItem struct {
	ID           string
	SourceID     string
	Signature    string
	TitleKey     string
	TrustTier    TrustTier
	Raw          RawContent
	Processed    *ProcessedContent
	Draft        *ArticleDraft
	Stage        Stage
	QualityScore float64
	Revisions    int
	ReviewNotes  string
	CreatedAt    time.Time
	ProcessedAt  time.Time
	UpdatedAt    time.Time
}

// StageUpdate is a partial update owned by exactly one stage transition.
// Nil fields are left untouched.
type StageUpdate struct {
	From         Stage
	To           Stage
	Processed    *ProcessedContent
	Draft        *ArticleDraft
	QualityScore *float64
	Revisions    *int
	ReviewNotes  *string
	ProcessedAt  *time.Time
}
