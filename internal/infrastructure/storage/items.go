package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

var itemColumns = []string{
	"id", "source_id", "signature", "title_key", "trust_tier", "raw", "processed", "draft",
	"stage", "quality_score", "revisions", "review_notes", "created_at", "processed_at", "updated_at",
}

// ItemRepository persists pipeline items in Postgres.
type ItemRepository struct {
	base
}

var _ ports.ItemRepository = (*ItemRepository)(nil)

// NewItemRepository wires a sql.DB; timeout bounds each statement (0 = none).
func NewItemRepository(db *sql.DB, timeout time.Duration) *ItemRepository {
	return &ItemRepository{base{db: db, timeout: timeout}}
}

// Create inserts the item unless its signature already exists, in which case
// the stored item is returned with created=false.
func (r *ItemRepository) Create(ctx context.Context, item domain.PipelineItem) (domain.PipelineItem, bool, error) {
	if item.Signature == "" {
		return domain.PipelineItem{}, false, &domain.ValidationError{Field: "signature", Reason: "required"}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Stage == "" {
		item.Stage = domain.StageFetched
	}

	raw, err := json.Marshal(item.Raw)
	if err != nil {
		return domain.PipelineItem{}, false, fmt.Errorf("encode raw content: %w", err)
	}
	processed, err := jsonOrNull(item.Processed)
	if err != nil {
		return domain.PipelineItem{}, false, err
	}
	draft, err := jsonOrNull(item.Draft)
	if err != nil {
		return domain.PipelineItem{}, false, err
	}

	res, err := r.exec(ctx, psql.Insert("pipeline_items").
		Columns("id", "source_id", "signature", "title_key", "trust_tier", "raw", "processed", "draft",
			"stage", "quality_score", "revisions").
		Values(item.ID, item.SourceID, item.Signature, item.TitleKey, string(item.TrustTier), raw, processed, draft,
			string(item.Stage), item.QualityScore, item.Revisions).
		Suffix("ON CONFLICT (signature) DO NOTHING"))
	if err != nil {
		return domain.PipelineItem{}, false, fmt.Errorf("insert pipeline item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.PipelineItem{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		created, err := r.Get(ctx, item.ID)
		return created, true, err
	}

	existing, err := r.one(ctx, sq.Eq{"signature": item.Signature})
	if err != nil {
		return domain.PipelineItem{}, false, fmt.Errorf("load item by signature: %w", err)
	}
	return existing, false, nil
}

// Get loads one item.
func (r *ItemRepository) Get(ctx context.Context, id string) (domain.PipelineItem, error) {
	item, err := r.one(ctx, sq.Eq{"id": id})
	if err != nil {
		return domain.PipelineItem{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// Advance applies a stage-owned partial update only while the item is still in
// update.From.
func (r *ItemRepository) Advance(ctx context.Context, id string, update domain.StageUpdate, now time.Time) error {
	if !domain.CanAdvance(update.From, update.To) {
		return &domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("illegal transition %s -> %s", update.From, update.To)}
	}

	builder := psql.Update("pipeline_items").
		Set("stage", string(update.To)).
		Set("updated_at", now)
	if update.Processed != nil {
		raw, err := json.Marshal(update.Processed)
		if err != nil {
			return fmt.Errorf("encode processed content: %w", err)
		}
		builder = builder.Set("processed", raw)
	}
	if update.Draft != nil {
		raw, err := json.Marshal(update.Draft)
		if err != nil {
			return fmt.Errorf("encode draft: %w", err)
		}
		builder = builder.Set("draft", raw)
	}
	if update.QualityScore != nil {
		builder = builder.Set("quality_score", *update.QualityScore)
	}
	if update.Revisions != nil {
		builder = builder.Set("revisions", *update.Revisions)
	}
	if update.ReviewNotes != nil {
		builder = builder.Set("review_notes", *update.ReviewNotes)
	}
	if update.ProcessedAt != nil {
		builder = builder.Set("processed_at", *update.ProcessedAt)
	}

	res, err := r.exec(ctx, builder.Where(sq.And{sq.Eq{"id": id}, sq.Eq{"stage": string(update.From)}}))
	if err != nil {
		return fmt.Errorf("advance item %s: %w", id, err)
	}
	return affectedOne(res, domain.ErrStageConflict)
}

// Recent lists items created at or after since, newest first.
func (r *ItemRepository) Recent(ctx context.Context, since time.Time, limit int) ([]domain.PipelineItem, error) {
	builder := psql.Select(itemColumns...).From("pipeline_items").
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	var items []domain.PipelineItem
	err := r.query(ctx, builder, func(rows *sql.Rows) error {
		item, err := scanItem(rows)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recent items: %w", err)
	}
	return items, nil
}

// ExistingSignatures returns the subset of signatures already stored.
func (r *ItemRepository) ExistingSignatures(ctx context.Context, signatures []string) (map[string]bool, error) {
	result := map[string]bool{}
	if len(signatures) == 0 {
		return result, nil
	}

	err := r.query(ctx, psql.Select("signature").From("pipeline_items").
		Where(sq.Expr("signature = ANY(?)", pq.Array(signatures))),
		func(rows *sql.Rows) error {
			var sig string
			if err := rows.Scan(&sig); err != nil {
				return err
			}
			result[sig] = true
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	return result, nil
}

func (r *ItemRepository) one(ctx context.Context, where sq.Sqlizer) (domain.PipelineItem, error) {
	var (
		item  domain.PipelineItem
		found bool
	)
	err := r.query(ctx, psql.Select(itemColumns...).From("pipeline_items").Where(where).Limit(1),
		func(rows *sql.Rows) error {
			var err error
			item, err = scanItem(rows)
			found = err == nil
			return err
		})
	if err != nil {
		return domain.PipelineItem{}, err
	}
	if !found {
		return domain.PipelineItem{}, domain.ErrNotFound
	}
	return item, nil
}

func scanItem(rows *sql.Rows) (domain.PipelineItem, error) {
	var (
		item                  domain.PipelineItem
		trust, stage          string
		raw, processed, draft []byte
		processedAt           sql.NullTime
	)
	err := rows.Scan(&item.ID, &item.SourceID, &item.Signature, &item.TitleKey, &trust,
		&raw, &processed, &draft, &stage, &item.QualityScore, &item.Revisions, &item.ReviewNotes,
		&item.CreatedAt, &processedAt, &item.UpdatedAt)
	if err != nil {
		return domain.PipelineItem{}, fmt.Errorf("scan item: %w", err)
	}

	item.TrustTier = domain.TrustTier(trust)
	item.Stage = domain.Stage(stage)
	item.ProcessedAt = timeOf(processedAt)

	if err := json.Unmarshal(raw, &item.Raw); err != nil {
		return domain.PipelineItem{}, fmt.Errorf("decode raw content of %s: %w", item.ID, err)
	}
	if len(processed) > 0 {
		item.Processed = &domain.ProcessedContent{}
		if err := json.Unmarshal(processed, item.Processed); err != nil {
			return domain.PipelineItem{}, fmt.Errorf("decode processed content of %s: %w", item.ID, err)
		}
	}
	if len(draft) > 0 {
		item.Draft = &domain.ArticleDraft{}
		if err := json.Unmarshal(draft, item.Draft); err != nil {
			return domain.PipelineItem{}, fmt.Errorf("decode draft of %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func jsonOrNull(v any) (any, error) {
	switch p := v.(type) {
	case *domain.ProcessedContent:
		if p == nil {
			return nil, nil
		}
	case *domain.ArticleDraft:
		if p == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return raw, nil
}
