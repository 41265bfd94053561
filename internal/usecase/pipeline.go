package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
	"Newsroom/internal/scoring"
)

const (
	DefaultPromotionThreshold = 0.6
	DefaultPublishThreshold   = 0.75
	DefaultRejectThreshold    = 0.3
	DefaultMaxRevisions       = 2
	DefaultMinBodyChars       = 280
	DefaultMaxTokens          = 1500
	DefaultCallTimeout        = 60 * time.Second
	DefaultWriterCaller       = "writer"
)

// WriterConfig drives the write stage.
type WriterConfig struct {
	Caller             string            `yaml:"caller"`
	PromotionThreshold float64           `yaml:"promotionThreshold"`
	Languages          []string          `yaml:"languages"`
	Styles             map[string]string `yaml:"styles"`
	MaxTokens          int               `yaml:"maxTokens"`
	MaxPromptChars     int               `yaml:"maxPromptChars"`
	CallTimeout        time.Duration     `yaml:"callTimeout"`
}

// ReviewConfig drives the review gate.
type ReviewConfig struct {
	PublishThreshold float64 `yaml:"publishThreshold"`
	RejectThreshold  float64 `yaml:"rejectThreshold"`
	MaxRevisions     int     `yaml:"maxRevisions"`
}

// FetchConfig drives the fetch stage.
type FetchConfig struct {
	MinBodyChars   int           `yaml:"minBodyChars"`
	ArticleTimeout time.Duration `yaml:"articleTimeout"`
}

// PipelineDeps wires all driven adapters into the stage workers.
type PipelineDeps struct {
	Items     ports.ItemRepository
	Sources   ports.SourceRepository
	Queue     Enqueuer
	Extractor ports.ArticleExtractor
	Enricher  ports.Enricher
	Services  ports.ServiceCatalog
	Budget    ports.BudgetGate
	Breaker   ports.Breaker
	Scorer    *scoring.Scorer
	Fetch     FetchConfig
	Writer    WriterConfig
	Review    ReviewConfig
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Pipeline implements the fetch, analyze, write and review stages. Every stage
// acts on items in its expected predecessor stage, resumes items it already
// advanced but did not hand on, and no-ops otherwise.
type Pipeline struct {
	items     ports.ItemRepository
	sources   ports.SourceRepository
	queue     Enqueuer
	extractor ports.ArticleExtractor
	enricher  ports.Enricher
	services  ports.ServiceCatalog
	budget    ports.BudgetGate
	breaker   ports.Breaker
	scorer    *scoring.Scorer
	fetchCfg  FetchConfig
	writer    WriterConfig
	review    ReviewConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline constructs the stage workers and applies defaults.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		items:     deps.Items,
		sources:   deps.Sources,
		queue:     deps.Queue,
		extractor: deps.Extractor,
		enricher:  deps.Enricher,
		services:  deps.Services,
		budget:    deps.Budget,
		breaker:   deps.Breaker,
		scorer:    deps.Scorer,
		fetchCfg:  deps.Fetch,
		writer:    deps.Writer,
		review:    deps.Review,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.scorer == nil {
		p.scorer = scoring.NewScorer(scoring.DefaultWeights(), scoring.DefaultBands())
	}
	if p.fetchCfg.MinBodyChars <= 0 {
		p.fetchCfg.MinBodyChars = DefaultMinBodyChars
	}
	if p.fetchCfg.ArticleTimeout <= 0 {
		p.fetchCfg.ArticleTimeout = 20 * time.Second
	}
	if p.writer.Caller == "" {
		p.writer.Caller = DefaultWriterCaller
	}
	if p.writer.PromotionThreshold <= 0 {
		p.writer.PromotionThreshold = DefaultPromotionThreshold
	}
	if p.writer.MaxTokens <= 0 {
		p.writer.MaxTokens = DefaultMaxTokens
	}
	if p.writer.CallTimeout <= 0 {
		p.writer.CallTimeout = DefaultCallTimeout
	}
	if p.review.PublishThreshold <= 0 {
		p.review.PublishThreshold = DefaultPublishThreshold
	}
	if p.review.RejectThreshold <= 0 {
		p.review.RejectThreshold = DefaultRejectThreshold
	}
	if p.review.MaxRevisions < 0 {
		p.review.MaxRevisions = 0
	} else if p.review.MaxRevisions == 0 {
		p.review.MaxRevisions = DefaultMaxRevisions
	}
	return p
}

// Register binds every stage handler to the scheduler.
func (p *Pipeline) Register(s *Scheduler) {
	s.Register(domain.TaskFetch, p.Fetch)
	s.Register(domain.TaskAnalyze, p.Analyze)
	s.Register(domain.TaskWrite, p.Write)
	s.Register(domain.TaskReview, p.Review)
}

// loadAt returns the item when it is in one of the expected stages. ok is false
// (with a nil error) when the item moved on or is elsewhere.
func (p *Pipeline) loadAt(ctx context.Context, id string, log *slog.Logger, expected ...domain.Stage) (domain.PipelineItem, bool, error) {
	item, err := p.items.Get(ctx, id)
	if err != nil {
		return domain.PipelineItem{}, false, fmt.Errorf("load item %s: %w", id, err)
	}
	for _, stage := range expected {
		if item.Stage == stage {
			return item, true, nil
		}
	}
	log.Info("item not in expected stage, skipping", "item_id", id, "stage", item.Stage, "expected", expected)
	return item, false, nil
}

// advance treats a lost stage race as a no-op.
func (p *Pipeline) advance(ctx context.Context, id string, update domain.StageUpdate, log *slog.Logger) (bool, error) {
	err := p.items.Advance(ctx, id, update, p.now())
	if errors.Is(err, domain.ErrStageConflict) {
		log.Info("item stage changed concurrently, skipping", "item_id", id, "from", update.From, "to", update.To)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance item %s to %s: %w", id, update.To, err)
	}
	return true, nil
}

// guard runs fn behind the named circuit when a breaker is wired.
func (p *Pipeline) guard(ctx context.Context, operation string, fn func(context.Context) error) error {
	if p.breaker == nil {
		return fn(ctx)
	}
	return p.breaker.Do(ctx, operation, fn)
}

// source loads the item's source; a missing source is not fatal for stages.
func (p *Pipeline) source(ctx context.Context, id string) (domain.Source, bool) {
	if p.sources == nil || id == "" {
		return domain.Source{}, false
	}
	src, err := p.sources.Get(ctx, id)
	if err != nil {
		p.logger.Debug("source lookup failed", "source_id", id, "error", err)
		return domain.Source{}, false
	}
	return src, true
}

func payloadAs[T domain.TaskPayload](task domain.Task) (T, error) {
	payload, ok := task.Payload.(T)
	if !ok {
		var zero T
		return zero, &domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("task %s carries %T", task.ID, task.Payload)}
	}
	return payload, nil
}

func ptr[T any](v T) *T {
	return &v
}
