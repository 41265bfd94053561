package usecase

import (
	"context"
	"fmt"

	"Newsroom/internal/domain"
	"Newsroom/internal/scoring"
)

// Analyze enriches a fetched item, rescores it and queues the write stage.
// A re-run on an item already processed only queues the write stage again.
func (p *Pipeline) Analyze(ctx context.Context, task domain.Task) error {
	payload, err := payloadAs[domain.AnalyzePayload](task)
	if err != nil {
		return err
	}
	log := p.logger.With("task_id", task.ID, "item_id", payload.PipelineItemID)

	item, ok, err := p.loadAt(ctx, payload.PipelineItemID, log, domain.StageFetched, domain.StageProcessed)
	if err != nil || !ok {
		return err
	}
	if item.Stage == domain.StageProcessed {
		log.Info("item already processed, queueing write stage")
		return p.enqueueWrite(ctx, task, item)
	}

	processed, err := p.enricher.Enrich(ctx, item.Raw)
	if err != nil {
		return fmt.Errorf("enrich item %s: %w", item.ID, err)
	}
	if len(processed.Topics) == 0 {
		if src, found := p.source(ctx, item.SourceID); found && src.Config.Category != "" {
			processed.Category = src.Config.Category
		}
	}

	now := p.now()
	item.Processed = &processed
	quality := p.scorer.Quality(scoring.ItemInput(item, now))

	moved, err := p.advance(ctx, item.ID, domain.StageUpdate{
		From:         domain.StageFetched,
		To:           domain.StageProcessed,
		Processed:    &processed,
		QualityScore: &quality,
		ProcessedAt:  &now,
	}, log)
	if err != nil || !moved {
		return err
	}

	if err := p.enqueueWrite(ctx, task, item); err != nil {
		return err
	}
	log.Debug("item analyzed", "quality", quality, "category", processed.Category)
	return nil
}

func (p *Pipeline) enqueueWrite(ctx context.Context, task domain.Task, item domain.PipelineItem) error {
	if _, err := p.queue.Enqueue(ctx, domain.NewTask{
		Owner:     task.Owner,
		Priority:  task.Priority,
		SourceURL: item.Raw.Link,
		Payload:   domain.WritePayload{PipelineItemID: item.ID},
	}); err != nil {
		return fmt.Errorf("enqueue write: %w", err)
	}
	return nil
}
