package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

var taskColumns = []string{
	"id", "owner", "type", "priority", "status", "source_url", "payload",
	"error_details", "deny_reason", "retry_after", "retry_of", "requeued_at",
	"created_at", "started_at", "completed_at",
}

// TaskRepository persists tasks in Postgres.
type TaskRepository struct {
	base
	logger *slog.Logger
}

var _ ports.TaskRepository = (*TaskRepository)(nil)

// NewTaskRepository wires a sql.DB; timeout bounds each statement (0 = none).
func NewTaskRepository(db *sql.DB, timeout time.Duration) *TaskRepository {
	return &TaskRepository{base: base{db: db, timeout: timeout}, logger: slog.New(slog.DiscardHandler)}
}

// WithLogger sets where quarantined rows are reported.
func (r *TaskRepository) WithLogger(l *slog.Logger) *TaskRepository {
	if l != nil {
		r.logger = l
	}
	return r
}

// Insert validates the payload variant and stores a pending task.
func (r *TaskRepository) Insert(ctx context.Context, task domain.NewTask) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	payload, err := domain.EncodePayload(task.Payload)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = r.exec(ctx, psql.Insert("tasks").
		Columns("id", "owner", "type", "priority", "priority_rank", "status", "source_url", "payload", "retry_of").
		Values(id, task.Owner, string(task.Type()), string(task.Priority), task.Priority.Rank(),
			string(domain.TaskPending), task.SourceURL, payload, nullString(task.RetryOf)))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// Get loads one task.
func (r *TaskRepository) Get(ctx context.Context, id string) (domain.Task, error) {
	var (
		task  domain.Task
		found bool
	)
	err := r.query(ctx, psql.Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}),
		func(rows *sql.Rows) error {
			t, payload, err := scanTask(rows)
			if err != nil {
				return err
			}
			task, found = t, true
			return decodeTask(&task, payload)
		})
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if !found {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return task, nil
}

// ListPending orders by priority rank, then age.
func (r *TaskRepository) ListPending(ctx context.Context, limit int) ([]domain.Task, error) {
	builder := psql.Select(taskColumns...).From("tasks").
		Where(sq.Eq{"status": string(domain.TaskPending)}).
		OrderBy("priority_rank DESC", "created_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	tasks, err := r.list(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	return tasks, nil
}

// Claim is a compare-and-swap on status: only one worker wins.
func (r *TaskRepository) Claim(ctx context.Context, id string, now time.Time) error {
	res, err := r.exec(ctx, psql.Update("tasks").
		Set("status", string(domain.TaskProcessing)).
		Set("started_at", now).
		Where(sq.And{sq.Eq{"id": id}, sq.Eq{"status": string(domain.TaskPending)}}))
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	return affectedOne(res, domain.ErrConcurrencyConflict)
}

// Finish writes a terminal outcome for a processing task.
func (r *TaskRepository) Finish(ctx context.Context, id string, outcome domain.Outcome, now time.Time) error {
	if !domain.TaskProcessing.CanTransition(outcome.Status) {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot finish with %q", outcome.Status)}
	}

	update := psql.Update("tasks").
		Set("status", string(outcome.Status)).
		Set("completed_at", now)
	switch outcome.Status {
	case domain.TaskFailed:
		update = update.Set("error_details", outcome.Details)
	case domain.TaskDeferred:
		update = update.Set("deny_reason", outcome.Details).Set("retry_after", nullTime(outcome.RetryAfter))
	}

	res, err := r.exec(ctx, update.Where(sq.And{sq.Eq{"id": id}, sq.Eq{"status": string(domain.TaskProcessing)}}))
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}
	return affectedOne(res, domain.ErrConcurrencyConflict)
}

// ListDeferredDue returns deferred tasks not yet requeued whose retry time passed.
func (r *TaskRepository) ListDeferredDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	builder := psql.Select(taskColumns...).From("tasks").
		Where(sq.And{
			sq.Eq{"status": string(domain.TaskDeferred)},
			sq.Eq{"requeued_at": nil},
			sq.Or{sq.Eq{"retry_after": nil}, sq.LtOrEq{"retry_after": now}},
		}).
		OrderBy("completed_at ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	tasks, err := r.list(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("list deferred tasks: %w", err)
	}
	return tasks, nil
}

// MarkRequeued sets the audit marker once.
func (r *TaskRepository) MarkRequeued(ctx context.Context, id string, now time.Time) error {
	res, err := r.exec(ctx, psql.Update("tasks").
		Set("requeued_at", now).
		Where(sq.And{
			sq.Eq{"id": id},
			sq.Eq{"status": string(domain.TaskDeferred)},
			sq.Eq{"requeued_at": nil},
		}))
	if err != nil {
		return fmt.Errorf("mark task %s requeued: %w", id, err)
	}
	return affectedOne(res, domain.ErrConcurrencyConflict)
}

// FailAbandoned fails processing tasks claimed before startedBefore. A task
// finished concurrently is left alone by the status condition.
func (r *TaskRepository) FailAbandoned(ctx context.Context, startedBefore time.Time, details string, now time.Time) (int, error) {
	res, err := r.exec(ctx, psql.Update("tasks").
		Set("status", string(domain.TaskFailed)).
		Set("error_details", details).
		Set("completed_at", now).
		Where(sq.And{
			sq.Eq{"status": string(domain.TaskProcessing)},
			sq.Lt{"started_at": startedBefore},
		}))
	if err != nil {
		return 0, fmt.Errorf("fail abandoned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountByStatus summarises the queue.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	counts := map[domain.TaskStatus]int{}
	err := r.query(ctx, psql.Select("status", "COUNT(*)").From("tasks").GroupBy("status"),
		func(rows *sql.Rows) error {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[domain.TaskStatus(status)] = n
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

// brokenTask is a stored row whose payload no longer decodes.
type brokenTask struct {
	id     string
	status domain.TaskStatus
	err    error
}

// list skips rows whose payload cannot be decoded and fails them, so one bad
// row never blocks the queue.
func (r *TaskRepository) list(ctx context.Context, builder sq.SelectBuilder) ([]domain.Task, error) {
	var (
		tasks  []domain.Task
		broken []brokenTask
	)
	err := r.query(ctx, builder, func(rows *sql.Rows) error {
		t, payload, err := scanTask(rows)
		if err != nil {
			return err
		}
		if err := decodeTask(&t, payload); err != nil {
			broken = append(broken, brokenTask{id: t.ID, status: t.Status, err: err})
			return nil
		}
		tasks = append(tasks, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, b := range broken {
		r.logger.Error("task payload unreadable, failing task", "task_id", b.id, "error", b.err)
		if err := r.quarantine(ctx, b); err != nil {
			r.logger.Error("fail unreadable task", "task_id", b.id, "error", err)
		}
	}
	return tasks, nil
}

func (r *TaskRepository) quarantine(ctx context.Context, b brokenTask) error {
	verr := &domain.ValidationError{Field: "payload", Reason: b.err.Error()}
	_, err := r.exec(ctx, psql.Update("tasks").
		Set("status", string(domain.TaskFailed)).
		Set("error_details", verr.Error()).
		Set("completed_at", time.Now()).
		Where(sq.And{sq.Eq{"id": b.id}, sq.Eq{"status": string(b.status)}}))
	return err
}

func scanTask(rows *sql.Rows) (domain.Task, []byte, error) {
	var (
		t                          domain.Task
		taskType, priority, status string
		payload                    []byte
		retryOf                    sql.NullString
		retryAfter, requeuedAt     sql.NullTime
		startedAt, completedAt     sql.NullTime
	)
	err := rows.Scan(&t.ID, &t.Owner, &taskType, &priority, &status, &t.SourceURL, &payload,
		&t.ErrorDetails, &t.DenyReason, &retryAfter, &retryOf, &requeuedAt,
		&t.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return domain.Task{}, nil, fmt.Errorf("scan task: %w", err)
	}

	t.Type = domain.TaskType(taskType)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.RetryOf = retryOf.String
	t.RetryAfter = timeOf(retryAfter)
	t.RequeuedAt = timeOf(requeuedAt)
	t.StartedAt = timeOf(startedAt)
	t.CompletedAt = timeOf(completedAt)
	return t, payload, nil
}

func decodeTask(t *domain.Task, payload []byte) error {
	decoded, err := domain.DecodePayload(t.Type, payload)
	if err != nil {
		return fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	t.Payload = decoded
	return nil
}
