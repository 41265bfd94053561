package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Newsroom/internal/domain"
)

func newTestScheduler() (*Scheduler, *memTasks) {
	tasks := newMemTasks()
	return NewScheduler(SchedulerDeps{Tasks: tasks, Clock: fixedClock, IdleBackoff: time.Millisecond}), tasks
}

func enqueueReview(t *testing.T, s *Scheduler, item string, priority domain.Priority) string {
	t.Helper()

	id, err := s.Enqueue(context.Background(), domain.NewTask{
		Owner:    "test",
		Priority: priority,
		Payload:  domain.ReviewPayload{PipelineItemID: item},
	})
	require.NoError(t, err)
	return id
}

func TestProcessNextHonoursPriority(t *testing.T) {
	s, _ := newTestScheduler()
	var seen []string
	s.Register(domain.TaskReview, func(_ context.Context, task domain.Task) error {
		seen = append(seen, task.Payload.(domain.ReviewPayload).PipelineItemID)
		return nil
	})

	enqueueReview(t, s, "low", domain.PriorityLow)
	enqueueReview(t, s, "high", domain.PriorityHigh)
	enqueueReview(t, s, "medium", domain.PriorityMedium)

	ran, err := s.Drain(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, ran)
	assert.Equal(t, []string{"high", "medium", "low"}, seen)
}

func TestProcessNextSkipsLostClaimSilently(t *testing.T) {
	s, tasks := newTestScheduler()
	ran := 0
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error {
		ran++
		return nil
	})

	first := enqueueReview(t, s, "a", domain.PriorityHigh)
	second := enqueueReview(t, s, "b", domain.PriorityLow)
	tasks.conflict[first] = true

	processed, err := s.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, ran)

	got, err := tasks.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)

	got, err = tasks.Get(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestExecuteMapsOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		handler Handler
		status  domain.TaskStatus
		detail  string
	}{
		{
			name:    "success",
			handler: func(context.Context, domain.Task) error { return nil },
			status:  domain.TaskCompleted,
		},
		{
			name: "transient error fails",
			handler: func(context.Context, domain.Task) error {
				return domain.Transient("anthropic", errors.New("timeout"))
			},
			status: domain.TaskFailed,
			detail: "timeout",
		},
		{
			name: "budget denial defers",
			handler: func(context.Context, domain.Task) error {
				return &domain.BudgetDeniedError{Decision: domain.Decision{Action: domain.ActionThrottle, Reason: "rate limit exceeded"}}
			},
			status: domain.TaskDeferred,
			detail: "rate limit exceeded",
		},
		{
			name: "panic fails",
			handler: func(context.Context, domain.Task) error {
				panic("boom")
			},
			status: domain.TaskFailed,
			detail: "panic: boom",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, tasks := newTestScheduler()
			s.Register(domain.TaskReview, tc.handler)
			id := enqueueReview(t, s, "item", domain.PriorityMedium)

			_, err := s.ProcessNext(context.Background())
			require.NoError(t, err)

			got, err := tasks.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			if tc.detail != "" {
				assert.Contains(t, got.ErrorDetails+got.DenyReason, tc.detail)
			}
		})
	}
}

func TestMissingHandlerFailsTask(t *testing.T) {
	s, tasks := newTestScheduler()
	id := enqueueReview(t, s, "item", domain.PriorityMedium)

	_, err := s.ProcessNext(context.Background())
	require.NoError(t, err)

	got, err := tasks.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorDetails, "no handler")
}

func TestDrainStopsAtLimit(t *testing.T) {
	s, _ := newTestScheduler()
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error { return nil })
	for range 3 {
		enqueueReview(t, s, "item", domain.PriorityMedium)
	}

	ran, err := s.Drain(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
}

func TestRequeueDeferredSpawnsOnce(t *testing.T) {
	s, tasks := newTestScheduler()
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error {
		return &domain.BudgetDeniedError{Decision: domain.Decision{Action: domain.ActionBlock, Reason: "daily limit", RetryAfter: testNow.Add(time.Hour)}}
	})
	id := enqueueReview(t, s, "item", domain.PriorityHigh)
	_, err := s.ProcessNext(context.Background())
	require.NoError(t, err)

	n, err := s.RequeueDeferred(context.Background(), testNow)
	require.NoError(t, err)
	assert.Zero(t, n, "retry time not reached")

	n, err = s.RequeueDeferred(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RequeueDeferred(context.Background(), testNow.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	reviews := tasks.ofType(domain.TaskReview)
	require.Len(t, reviews, 2)
	assert.Equal(t, id, reviews[1].RetryOf)
	assert.Equal(t, domain.TaskPending, reviews[1].Status)
	assert.Equal(t, domain.PriorityHigh, reviews[1].Priority)
}

func TestRetryOnlyFailedOrDeferred(t *testing.T) {
	s, tasks := newTestScheduler()
	fail := true
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error {
		if fail {
			return errors.New("bad draft")
		}
		return nil
	})

	failed := enqueueReview(t, s, "item", domain.PriorityMedium)
	_, err := s.ProcessNext(context.Background())
	require.NoError(t, err)

	retry, err := s.Retry(context.Background(), failed)
	require.NoError(t, err)
	got, err := tasks.Get(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, failed, got.RetryOf)

	fail = false
	_, err = s.ProcessNext(context.Background())
	require.NoError(t, err)

	_, err = s.Retry(context.Background(), retry)
	assert.True(t, domain.IsValidation(err))

	_, err = s.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryDeferredIsNotRequeuedAgain(t *testing.T) {
	s, tasks := newTestScheduler()
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error {
		return &domain.BudgetDeniedError{Decision: domain.Decision{Action: domain.ActionBlock, Reason: "daily limit", RetryAfter: testNow.Add(time.Hour)}}
	})
	deferred := enqueueReview(t, s, "item", domain.PriorityMedium)
	_, err := s.ProcessNext(context.Background())
	require.NoError(t, err)

	_, err = s.Retry(context.Background(), deferred)
	require.NoError(t, err)

	n, err := s.RequeueDeferred(context.Background(), testNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "operator retry already spawned the successor")
	assert.Len(t, tasks.ofType(domain.TaskReview), 2)

	_, err = s.Retry(context.Background(), deferred)
	assert.True(t, domain.IsValidation(err))
	assert.Len(t, tasks.ofType(domain.TaskReview), 2)
}

func TestReapAbandonedFailsExpiredClaims(t *testing.T) {
	s, tasks := newTestScheduler()
	ctx := context.Background()

	stale := enqueueReview(t, s, "stale", domain.PriorityMedium)
	fresh := enqueueReview(t, s, "fresh", domain.PriorityMedium)
	require.NoError(t, tasks.Claim(ctx, stale, testNow.Add(-time.Hour)))
	require.NoError(t, tasks.Claim(ctx, fresh, testNow.Add(-time.Minute)))

	n, err := s.ReapAbandoned(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tasks.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, AbandonedDetails, got.ErrorDetails)

	got, err = tasks.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskProcessing, got.Status)

	retry, err := s.Retry(ctx, stale)
	require.NoError(t, err)
	assert.NotEmpty(t, retry)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, tasks := newTestScheduler()
	done := make(chan struct{}, 1)
	s.Register(domain.TaskReview, func(context.Context, domain.Task) error {
		done <- struct{}{}
		return nil
	})
	id := enqueueReview(t, s, "item", domain.PriorityMedium)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, 2) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not processed")
	}
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	got, err := tasks.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}
