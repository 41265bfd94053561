package usecase

import (
	"context"
	"fmt"
	"strings"

	"Newsroom/internal/domain"
)

// Review gates a written draft: publish, reject, send back for revision or
// archive once revisions are exhausted. A re-run on an item left at reviewed
// repeats the decision.
func (p *Pipeline) Review(ctx context.Context, task domain.Task) error {
	payload, err := payloadAs[domain.ReviewPayload](task)
	if err != nil {
		return err
	}
	log := p.logger.With("task_id", task.ID, "item_id", payload.PipelineItemID)

	item, ok, err := p.loadAt(ctx, payload.PipelineItemID, log, domain.StageWritten, domain.StageReviewed)
	if err != nil || !ok {
		return err
	}

	quality := item.QualityScore
	hasBody := item.Draft != nil && strings.TrimSpace(item.Draft.Body) != ""

	notes := item.ReviewNotes
	if item.Stage == domain.StageWritten {
		notes = reviewNotes(item, quality, p.review.PublishThreshold)
		moved, err := p.advance(ctx, item.ID, domain.StageUpdate{
			From:        domain.StageWritten,
			To:          domain.StageReviewed,
			ReviewNotes: &notes,
		}, log)
		if err != nil || !moved {
			return err
		}
	} else {
		log.Info("item already reviewed, repeating decision")
		if notes == "" {
			notes = reviewNotes(item, quality, p.review.PublishThreshold)
		}
	}

	var next domain.Stage
	switch {
	case quality >= p.review.PublishThreshold && hasBody:
		next = domain.StagePublished
	case quality < p.review.RejectThreshold || !hasBody:
		next = domain.StageRejected
	case item.Revisions < p.review.MaxRevisions:
		return p.sendBack(ctx, task, item, notes)
	default:
		next = domain.StageArchived
	}

	if _, err := p.advance(ctx, item.ID, domain.StageUpdate{From: domain.StageReviewed, To: next}, log); err != nil {
		return err
	}
	log.Info("review decided", "stage", next, "quality", quality, "revisions", item.Revisions)
	return nil
}

// sendBack leaves the item at reviewed; the revision write moves it back to
// written.
func (p *Pipeline) sendBack(ctx context.Context, task domain.Task, item domain.PipelineItem, notes string) error {
	serviceID := ""
	if item.Draft != nil {
		serviceID = item.Draft.ServiceID
	}
	if _, err := p.queue.Enqueue(ctx, domain.NewTask{
		Owner:     task.Owner,
		Priority:  task.Priority,
		SourceURL: item.Raw.Link,
		Payload: domain.WritePayload{
			PipelineItemID: item.ID,
			ServiceID:      serviceID,
			Revision:       item.Revisions + 1,
			RevisionNotes:  notes,
		},
	}); err != nil {
		return fmt.Errorf("enqueue revision: %w", err)
	}
	p.logger.Info("draft sent back for revision", "item_id", item.ID, "revision", item.Revisions+1)
	return nil
}

func reviewNotes(item domain.PipelineItem, quality, threshold float64) string {
	var notes []string
	if quality < threshold {
		notes = append(notes, fmt.Sprintf("quality %.2f below %.2f", quality, threshold))
	}
	if item.Draft == nil || strings.TrimSpace(item.Draft.Body) == "" {
		notes = append(notes, "body is empty")
		return strings.Join(notes, "; ")
	}
	if item.Draft.Fallback {
		notes = append(notes, "draft is a fallback from raw content, rewrite it properly")
	}
	if n := len([]rune(item.Draft.Headline)); n < 20 || n > 120 {
		notes = append(notes, "headline should be 20 to 120 characters")
	}
	if n := len([]rune(item.Draft.Body)); n < 300 {
		notes = append(notes, "body is too short, expand with facts from the source")
	}
	return strings.Join(notes, "; ")
}
