package storage_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Newsroom/internal/domain"
	"Newsroom/internal/infrastructure/storage"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func TestTaskRepository_Insert(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, time.Second)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(sqlmock.AnyArg(), "monitor", string(domain.TaskAnalyze), "high", domain.PriorityHigh.Rank(),
			"pending", "https://example.com/a", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.Insert(context.Background(), domain.NewTask{
		Owner:     "monitor",
		Priority:  domain.PriorityHigh,
		SourceURL: "https://example.com/a",
		Payload:   domain.AnalyzePayload{PipelineItemID: "item-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestTaskRepository_InsertRejectsInvalidPayload(t *testing.T) {
	db, _ := newMock(t)
	repo := storage.NewTaskRepository(db, 0)

	_, err := repo.Insert(context.Background(), domain.NewTask{Priority: domain.PriorityLow})
	assert.True(t, domain.IsValidation(err))
}

func TestTaskRepository_Claim(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "winner claims the task", affected: 1},
		{name: "loser gets a concurrency conflict", affected: 0, wantErr: domain.ErrConcurrencyConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMock(t)
			repo := storage.NewTaskRepository(db, 0)

			mock.ExpectExec("UPDATE tasks SET status").
				WithArgs("processing", now, "task-1", "pending").
				WillReturnResult(sqlmock.NewResult(0, tc.affected))

			err := repo.Claim(context.Background(), "task-1", now)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTaskRepository_FinishDeferred(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	retry := now.Add(10 * time.Minute)

	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("deferred", now, "budget: rate limit exceeded", sqlmock.AnyArg(), "task-1", "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Finish(context.Background(), "task-1", domain.Outcome{
		Status:     domain.TaskDeferred,
		Details:    "budget: rate limit exceeded",
		RetryAfter: retry,
	}, now)
	assert.NoError(t, err)
}

func TestTaskRepository_FinishRejectsNonTerminal(t *testing.T) {
	db, _ := newMock(t)
	repo := storage.NewTaskRepository(db, 0)

	err := repo.Finish(context.Background(), "task-1", domain.Outcome{Status: domain.TaskPending}, time.Now())
	assert.True(t, domain.IsValidation(err))
}

func TestTaskRepository_MarkRequeuedTwice(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE tasks SET requeued_at").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE tasks SET requeued_at").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkRequeued(context.Background(), "task-1", now))
	assert.ErrorIs(t, repo.MarkRequeued(context.Background(), "task-1", now), domain.ErrConcurrencyConflict)
}

func TestTaskRepository_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)

	mock.ExpectQuery("SELECT (.+) FROM tasks").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepository_CountByStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("deferred", 1))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[domain.TaskStatus]int{domain.TaskPending: 3, domain.TaskDeferred: 1}, counts)
}

func itemRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "source_id", "signature", "title_key", "trust_tier", "raw", "processed", "draft",
		"stage", "quality_score", "revisions", "review_notes", "created_at", "processed_at", "updated_at",
	}).AddRow("item-1", "src-1", "sig-1", "metro opens", "trusted",
		[]byte(`{"title":"Metro opens","link":"https://example.com/a"}`), nil, nil,
		"fetched", 0.0, 0, "", now, nil, now)
}

func TestItemRepository_CreateIsIdempotentOnSignature(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewItemRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO pipeline_items").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM pipeline_items").
		WithArgs("sig-1").
		WillReturnRows(itemRows(now))

	item, created, err := repo.Create(context.Background(), domain.PipelineItem{
		ID:        "item-2",
		SourceID:  "src-1",
		Signature: "sig-1",
		Raw:       domain.RawContent{Title: "Metro opens"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, domain.StageFetched, item.Stage)
	assert.Equal(t, domain.TrustTrusted, item.TrustTier)
	assert.Equal(t, "https://example.com/a", item.Raw.Link)
	assert.Nil(t, item.Processed)
}

func TestItemRepository_CreateRequiresSignature(t *testing.T) {
	db, _ := newMock(t)
	repo := storage.NewItemRepository(db, 0)

	_, _, err := repo.Create(context.Background(), domain.PipelineItem{})
	assert.True(t, domain.IsValidation(err))
}

func TestItemRepository_Advance(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("illegal transition never reaches the database", func(t *testing.T) {
		db, _ := newMock(t)
		repo := storage.NewItemRepository(db, 0)

		err := repo.Advance(context.Background(), "item-1",
			domain.StageUpdate{From: domain.StageFetched, To: domain.StagePublished}, now)
		assert.True(t, domain.IsValidation(err))
	})

	t.Run("item already moved on is a stage conflict", func(t *testing.T) {
		db, mock := newMock(t)
		repo := storage.NewItemRepository(db, 0)

		mock.ExpectExec("UPDATE pipeline_items SET stage").
			WithArgs("processed", now, sqlmock.AnyArg(), now, "item-1", "fetched").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Advance(context.Background(), "item-1", domain.StageUpdate{
			From:        domain.StageFetched,
			To:          domain.StageProcessed,
			Processed:   &domain.ProcessedContent{Sentiment: "neutral"},
			ProcessedAt: &now,
		}, now)
		assert.ErrorIs(t, err, domain.ErrStageConflict)
	})
}

func TestItemRepository_ExistingSignatures(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewItemRepository(db, 0)

	mock.ExpectQuery("SELECT signature FROM pipeline_items").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"signature"}).AddRow("a"))

	got, err := repo.ExistingSignatures(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true}, got)

	empty, err := repo.ExistingSignatures(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSourceRepository_ListActive(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewSourceRepository(db, 0)

	mock.ExpectQuery("SELECT (.+) FROM sources").
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "type", "url", "fetch_interval_seconds", "is_active",
			"last_fetched", "error_count", "last_error", "config",
		}).AddRow("src-1", "Gulf News", "feed", "https://example.com/rss", 900, true,
			nil, 2, "timeout", []byte(`{"keywords":["dubai"],"min_relevance":0.3,"trust_tier":"trusted"}`)))

	sources, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)

	src := sources[0]
	assert.Equal(t, 15*time.Minute, src.FetchInterval)
	assert.Equal(t, domain.SourceFeed, src.Type)
	assert.True(t, src.LastFetched.IsZero())
	assert.Equal(t, 2, src.ErrorCount)
	assert.Equal(t, []string{"dubai"}, src.Config.Keywords)
	assert.Equal(t, domain.TrustTrusted, src.Config.TrustTier)
}

func TestSourceRepository_RecordFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewSourceRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE sources SET error_count = error_count \\+ 1").
		WithArgs("timeout", now, "src-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.RecordFailure(context.Background(), "src-1", "timeout", now))
}

func TestSourceRepository_CreateValidates(t *testing.T) {
	db, _ := newMock(t)
	repo := storage.NewSourceRepository(db, 0)

	_, err := repo.Create(context.Background(), domain.Source{Type: "ftp", URL: "ftp://x"})
	assert.True(t, domain.IsValidation(err))
}

func TestRuleRepository_SetActiveUnknown(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewRuleRepository(db, 0)

	mock.ExpectExec("UPDATE budget_rules SET is_active").
		WithArgs(false, "rule-x").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, repo.SetActive(context.Background(), "rule-x", false), domain.ErrNotFound)
}

func TestRuleRepository_ListActiveKeepsCreationOrder(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewRuleRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM budget_rules (.+) ORDER BY created_at ASC").
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "scope", "target", "rule_type", "rule_value", "enforcement_action",
			"alternative_service", "is_active", "created_at",
		}).
			AddRow("r1", "global", "", "monthly_limit", 100.0, "warn", "", true, now).
			AddRow("r2", "specific_service", "premium", "per_request_limit", 0.5, "downgrade", "basic", true, now.Add(time.Second)))

	rules, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, domain.ActionDowngrade, rules[1].Action)
	assert.Equal(t, "basic", rules[1].AlternativeService)
}

func TestBudgetLog_LogViolation(t *testing.T) {
	db, mock := newMock(t)
	log := storage.NewBudgetLog(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO budget_violations").
		WithArgs(sqlmock.AnyArg(), "writer", "premium", "r1", "block", "monthly limit", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := log.LogViolation(context.Background(), domain.Violation{
		CallerID:  "writer",
		ServiceID: "premium",
		RuleID:    "r1",
		Action:    domain.ActionBlock,
		Message:   "monthly limit",
		CreatedAt: now,
	})
	assert.NoError(t, err)
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner", "type", "priority", "status", "source_url", "payload",
		"error_details", "deny_reason", "retry_after", "retry_of", "requeued_at",
		"created_at", "started_at", "completed_at",
	})
}

func TestTaskRepository_ListPendingFailsUnreadableRows(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE status").
		WithArgs("pending").
		WillReturnRows(taskRows().
			AddRow("task-bad", "monitor", "analyze", "high", "pending", "", []byte(`{"pipeline_item_id":`),
				"", "", nil, nil, nil, now, nil, nil).
			AddRow("task-ok", "monitor", "analyze", "low", "pending", "", []byte(`{"pipeline_item_id":"item-1"}`),
				"", "", nil, nil, nil, now, nil, nil))
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("failed", sqlmock.AnyArg(), sqlmock.AnyArg(), "task-bad", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	tasks, err := repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-ok", tasks[0].ID)
	assert.Equal(t, domain.AnalyzePayload{PipelineItemID: "item-1"}, tasks[0].Payload)
}

func TestTaskRepository_FailAbandoned(t *testing.T) {
	db, mock := newMock(t)
	repo := storage.NewTaskRepository(db, 0)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * time.Minute)

	mock.ExpectExec("UPDATE tasks SET status = \\$1, error_details = \\$2, completed_at = \\$3 WHERE \\(status = \\$4 AND started_at < \\$5\\)").
		WithArgs("failed", "abandoned", now, "processing", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.FailAbandoned(context.Background(), cutoff, "abandoned", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
