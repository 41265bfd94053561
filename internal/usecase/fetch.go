package usecase

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"Newsroom/internal/dedup"
	"Newsroom/internal/domain"
)

// Fetch materialises a monitored entry as a pipeline item at "fetched" and
// queues its analysis. Re-running the task reuses the existing item.
func (p *Pipeline) Fetch(ctx context.Context, task domain.Task) error {
	payload, err := payloadAs[domain.FetchPayload](task)
	if err != nil {
		return err
	}
	log := p.logger.With("task_id", task.ID, "source_id", payload.SourceID)
	entry := payload.Entry

	if utf8.RuneCountInString(strings.TrimSpace(entry.Body)) < p.fetchCfg.MinBodyChars && entry.Link != "" && p.extractor != nil {
		if body, err := p.extractArticle(ctx, payload.SourceID, entry.Link); err != nil {
			log.Warn("article extraction failed, keeping feed content", "link", entry.Link, "error", err)
		} else if utf8.RuneCountInString(body) > utf8.RuneCountInString(entry.Body) {
			entry.Body = body
		}
	}

	trust := domain.TrustUnknown
	if src, ok := p.source(ctx, payload.SourceID); ok && src.Config.TrustTier != "" {
		trust = src.Config.TrustTier
	}

	fp := dedup.Compute(dedup.Content{Title: entry.Title, Summary: entry.Summary, Body: payload.Entry.Body})
	signature := payload.Signature
	if signature == "" {
		signature = fp.Signature
	}

	item, created, err := p.items.Create(ctx, domain.PipelineItem{
		SourceID:  payload.SourceID,
		Signature: signature,
		TitleKey:  fp.TitleKey,
		TrustTier: trust,
		Raw: domain.RawContent{
			Title:       entry.Title,
			Summary:     entry.Summary,
			Body:        entry.Body,
			Link:        entry.Link,
			MediaURL:    entry.MediaURL,
			PublishedAt: entry.PublishedAt,
		},
		Stage: domain.StageFetched,
	})
	if err != nil {
		return fmt.Errorf("create pipeline item: %w", err)
	}
	log = log.With("item_id", item.ID)
	if !created {
		log.Info("item with same signature exists, reusing", "stage", item.Stage)
	}
	if item.Stage != domain.StageFetched {
		return nil
	}

	if _, err := p.queue.Enqueue(ctx, domain.NewTask{
		Owner:     task.Owner,
		Priority:  task.Priority,
		SourceURL: entry.Link,
		Payload:   domain.AnalyzePayload{PipelineItemID: item.ID},
	}); err != nil {
		return err
	}
	log.Debug("item fetched", "created", created)
	return nil
}

// articleOperation names the extraction circuit of one source, or of the
// link's host for entries without a source.
func articleOperation(sourceID, link string) string {
	key := sourceID
	if key == "" {
		if u, err := url.Parse(link); err == nil {
			key = u.Hostname()
		}
	}
	if key == "" {
		return "fetch:article"
	}
	return "fetch:" + key + ":article"
}

func (p *Pipeline) extractArticle(ctx context.Context, sourceID, link string) (string, error) {
	var body string
	err := p.guard(ctx, articleOperation(sourceID, link), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.fetchCfg.ArticleTimeout)
		defer cancel()

		text, err := p.extractor.Extract(ctx, link)
		body = text
		return err
	})
	return strings.TrimSpace(body), err
}
