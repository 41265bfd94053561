package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"Newsroom/internal/budget"
	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
	"Newsroom/internal/scoring"
)

// Write drafts an article for a processed item, or a revision for an item
// sent back by review. The call goes through the budget gate and the
// generate:<service> circuit. A re-run on an item already written at the
// same revision skips generation and only repeats the promotion step.
func (p *Pipeline) Write(ctx context.Context, task domain.Task) error {
	payload, err := payloadAs[domain.WritePayload](task)
	if err != nil {
		return err
	}
	log := p.logger.With("task_id", task.ID, "item_id", payload.PipelineItemID)

	from := domain.StageProcessed
	if payload.Revision > 0 {
		from = domain.StageReviewed
	}
	item, ok, err := p.loadAt(ctx, payload.PipelineItemID, log, from, domain.StageWritten)
	if err != nil || !ok {
		return err
	}
	if item.Stage == domain.StageWritten {
		if item.Revisions != payload.Revision {
			log.Info("item written at another revision, skipping", "revision", payload.Revision, "item_revisions", item.Revisions)
			return nil
		}
		log.Info("draft already written, repeating promotion")
		return p.promote(ctx, task, item, item.QualityScore, log)
	}

	serviceID := payload.ServiceID
	if serviceID == "" {
		serviceID = p.services.Default()
	}
	svc, gen, err := p.lookupService(serviceID)
	if err != nil {
		return err
	}

	var languages []string
	if src, found := p.source(ctx, item.SourceID); found {
		languages = targetLanguages(src, p.writer.Languages)
	} else {
		languages = targetLanguages(domain.Source{}, p.writer.Languages)
	}

	req := p.generationRequest(item, svc, languages, payload.RevisionNotes)
	svc, gen, req, err = p.permit(ctx, svc, gen, req, item, languages, payload.RevisionNotes, log)
	if err != nil {
		return err
	}
	log = log.With("service", svc.ID)

	var result domain.GenerationResult
	err = p.guard(ctx, "generate:"+svc.ID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.writer.CallTimeout)
		defer cancel()

		var callErr error
		result, callErr = gen.Generate(ctx, req)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("generate with %s: %w", svc.ID, err)
	}

	cost := svc.Cost(result.InputTokens, result.OutputTokens)
	if p.budget != nil {
		if err := p.budget.RecordUsage(ctx, p.writer.Caller, svc.ID, cost); err != nil {
			log.Error("record usage", "cost", cost, "error", err)
		}
	}

	draft, err := ParseDraft(result.Text)
	if err != nil {
		log.Warn("generated output unusable, using fallback draft", "error", err)
		draft = FallbackDraft(item.Raw)
	}
	draft.ServiceID = svc.ID

	quality := p.scorer.Quality(scoring.ArticleInput(item, draft, p.now()))
	draft.QualityScore = quality

	moved, err := p.advance(ctx, item.ID, domain.StageUpdate{
		From:         from,
		To:           domain.StageWritten,
		Draft:        &draft,
		QualityScore: &quality,
		Revisions:    ptr(payload.Revision),
	}, log)
	if err != nil || !moved {
		return err
	}
	log.Debug("draft written", "quality", quality, "fallback", draft.Fallback, "cost", cost)
	return p.promote(ctx, task, item, quality, log)
}

// promote queues review for a written draft, or leaves it for manual triage
// below the promotion threshold.
func (p *Pipeline) promote(ctx context.Context, task domain.Task, item domain.PipelineItem, quality float64, log *slog.Logger) error {
	if quality < p.writer.PromotionThreshold {
		log.Info("draft below promotion threshold, left for manual triage",
			"quality", quality, "threshold", p.writer.PromotionThreshold)
		return nil
	}
	if _, err := p.queue.Enqueue(ctx, domain.NewTask{
		Owner:     task.Owner,
		Priority:  task.Priority,
		SourceURL: item.Raw.Link,
		Payload:   domain.ReviewPayload{PipelineItemID: item.ID},
	}); err != nil {
		return fmt.Errorf("enqueue review: %w", err)
	}
	return nil
}

// permit asks the budget gate for svc. A downgrade is retried once with the
// suggested alternative; any other denial is returned as BudgetDeniedError.
func (p *Pipeline) permit(ctx context.Context, svc domain.Service, gen ports.Generator, req domain.GenerationRequest,
	item domain.PipelineItem, languages []string, notes string, log *slog.Logger,
) (domain.Service, ports.Generator, domain.GenerationRequest, error) {
	if p.budget == nil {
		return svc, gen, req, nil
	}
	for attempt := 0; ; attempt++ {
		estimate := budget.EstimateCost(svc, len(req.System)+len(req.Prompt), req.MaxTokens)
		decision, err := p.budget.CheckPermission(ctx, p.writer.Caller, svc.ID, estimate)
		if err != nil {
			return svc, gen, req, fmt.Errorf("check budget for %s: %w", svc.ID, err)
		}
		if decision.Allowed {
			if decision.Action == domain.ActionWarn {
				log.Warn("budget warning", "service", svc.ID, "reason", decision.Reason)
			}
			return svc, gen, req, nil
		}

		canDowngrade := decision.Action == domain.ActionDowngrade && decision.SuggestedAlternative != "" && attempt == 0
		if !canDowngrade {
			return svc, gen, req, &domain.BudgetDeniedError{Decision: decision}
		}

		altSvc, altGen, err := p.lookupService(decision.SuggestedAlternative)
		if err != nil {
			log.Warn("suggested alternative unavailable", "alternative", decision.SuggestedAlternative, "error", err)
			return svc, gen, req, &domain.BudgetDeniedError{Decision: decision}
		}
		log.Info("budget downgrade", "from", svc.ID, "to", altSvc.ID, "reason", decision.Reason)
		svc, gen = altSvc, altGen
		req = p.generationRequest(item, svc, languages, notes)
	}
}

func (p *Pipeline) lookupService(id string) (domain.Service, ports.Generator, error) {
	if p.services == nil {
		return domain.Service{}, nil, errors.New("no generative services configured")
	}
	svc, gen, ok := p.services.Lookup(id)
	if !ok {
		return domain.Service{}, nil, &domain.ValidationError{Field: "service_id", Reason: fmt.Sprintf("unknown service %q", id)}
	}
	return svc, gen, nil
}
