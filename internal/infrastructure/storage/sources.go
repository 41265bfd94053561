package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

var sourceColumns = []string{
	"id", "name", "type", "url", "fetch_interval_seconds", "is_active",
	"last_fetched", "error_count", "last_error", "config",
}

// SourceRepository persists monitored sources.
type SourceRepository struct {
	base
}

var _ ports.SourceRepository = (*SourceRepository)(nil)

func NewSourceRepository(db *sql.DB, timeout time.Duration) *SourceRepository {
	return &SourceRepository{base{db: db, timeout: timeout}}
}

// Create registers a source after validation.
func (r *SourceRepository) Create(ctx context.Context, source domain.Source) (string, error) {
	if err := source.Validate(); err != nil {
		return "", err
	}
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(source.Config)
	if err != nil {
		return "", fmt.Errorf("encode source config: %w", err)
	}

	_, err = r.exec(ctx, psql.Insert("sources").
		Columns("id", "name", "type", "url", "fetch_interval_seconds", "is_active", "config").
		Values(source.ID, source.Name, string(source.Type), source.URL,
			int64(source.FetchInterval/time.Second), source.IsActive, cfg))
	if err != nil {
		return "", fmt.Errorf("insert source: %w", err)
	}
	return source.ID, nil
}

// Get loads one source.
func (r *SourceRepository) Get(ctx context.Context, id string) (domain.Source, error) {
	sources, err := r.list(ctx, sq.Eq{"id": id})
	if err != nil {
		return domain.Source{}, err
	}
	if len(sources) == 0 {
		return domain.Source{}, fmt.Errorf("source %s: %w", id, domain.ErrNotFound)
	}
	return sources[0], nil
}

func (r *SourceRepository) List(ctx context.Context) ([]domain.Source, error) {
	return r.list(ctx, nil)
}

func (r *SourceRepository) ListActive(ctx context.Context) ([]domain.Source, error) {
	return r.list(ctx, sq.Eq{"is_active": true})
}

func (r *SourceRepository) list(ctx context.Context, where sq.Sqlizer) ([]domain.Source, error) {
	builder := psql.Select(sourceColumns...).From("sources").OrderBy("created_at ASC")
	if where != nil {
		builder = builder.Where(where)
	}

	var sources []domain.Source
	err := r.query(ctx, builder, func(rows *sql.Rows) error {
		var (
			s           domain.Source
			kind        string
			interval    int64
			lastFetched sql.NullTime
			cfg         []byte
		)
		if err := rows.Scan(&s.ID, &s.Name, &kind, &s.URL, &interval, &s.IsActive,
			&lastFetched, &s.ErrorCount, &s.LastError, &cfg); err != nil {
			return fmt.Errorf("scan source: %w", err)
		}
		s.Type = domain.SourceType(kind)
		s.FetchInterval = time.Duration(interval) * time.Second
		s.LastFetched = timeOf(lastFetched)
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &s.Config); err != nil {
				return fmt.Errorf("decode config of source %s: %w", s.ID, err)
			}
		}
		sources = append(sources, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// RecordSuccess stamps the fetch time and resets the error counter.
func (r *SourceRepository) RecordSuccess(ctx context.Context, id string, fetchedAt time.Time) error {
	res, err := r.exec(ctx, psql.Update("sources").
		Set("last_fetched", fetchedAt).
		Set("error_count", 0).
		Set("last_error", "").
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("record source success: %w", err)
	}
	return affectedOne(res, domain.ErrNotFound)
}

// RecordFailure increments the error counter. last_fetched moves too so a
// failing source keeps to its interval.
func (r *SourceRepository) RecordFailure(ctx context.Context, id string, message string, at time.Time) error {
	res, err := r.exec(ctx, psql.Update("sources").
		Set("error_count", sq.Expr("error_count + 1")).
		Set("last_error", message).
		Set("last_fetched", at).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("record source failure: %w", err)
	}
	return affectedOne(res, domain.ErrNotFound)
}
