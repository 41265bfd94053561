// Package usecase orchestrates the content pipeline: source monitoring, the
// task queue and the per-stage workers.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"Newsroom/internal/domain"
	"Newsroom/internal/metrics"
	"Newsroom/internal/ports"
)

const (
	defaultPollLimit    = 20
	defaultIdleBackoff  = 2 * time.Second
	defaultRequeueBatch = 100

	// DefaultLease is how long a claimed task may stay in processing before the
	// sweep treats its worker as gone.
	DefaultLease = 30 * time.Minute
	// AbandonedDetails is the error recorded on tasks failed by the lease sweep.
	AbandonedDetails = "abandoned"
)

// Handler executes one claimed task. Returning a budget denial or an open
// circuit defers the task; any other error fails it.
type Handler func(ctx context.Context, task domain.Task) error

// Enqueuer creates pending tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task domain.NewTask) (string, error)
}

// SchedulerDeps wires the task queue.
type SchedulerDeps struct {
	Tasks       ports.TaskRepository
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	PollLimit   int
	IdleBackoff time.Duration
	Lease       time.Duration
}

// Scheduler claims pending tasks by priority and dispatches them to handlers.
type Scheduler struct {
	tasks       ports.TaskRepository
	handlers    map[domain.TaskType]Handler
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	pollLimit   int
	idleBackoff time.Duration
	lease       time.Duration
}

var _ Enqueuer = (*Scheduler)(nil)

// NewScheduler applies defaults.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	s := &Scheduler{
		tasks:       deps.Tasks,
		handlers:    map[domain.TaskType]Handler{},
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Clock,
		pollLimit:   deps.PollLimit,
		idleBackoff: deps.IdleBackoff,
		lease:       deps.Lease,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pollLimit <= 0 {
		s.pollLimit = defaultPollLimit
	}
	if s.idleBackoff <= 0 {
		s.idleBackoff = defaultIdleBackoff
	}
	if s.lease <= 0 {
		s.lease = DefaultLease
	}
	return s
}

// Register binds the handler for a task type.
func (s *Scheduler) Register(taskType domain.TaskType, h Handler) {
	s.handlers[taskType] = h
}

// Enqueue validates and stores a pending task.
func (s *Scheduler) Enqueue(ctx context.Context, task domain.NewTask) (string, error) {
	id, err := s.tasks.Insert(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", task.Type(), err)
	}
	s.logger.Debug("task enqueued", "task_id", id, "type", task.Type(), "priority", task.Priority)
	return id, nil
}

// ProcessNext claims and runs at most one task. It reports false when nothing
// could be claimed.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	pending, err := s.tasks.ListPending(ctx, s.pollLimit)
	if err != nil {
		return false, fmt.Errorf("list pending: %w", err)
	}

	for _, task := range pending {
		err := s.tasks.Claim(ctx, task.ID, s.now())
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claim task %s: %w", task.ID, err)
		}

		// Claimed work runs to completion even if the caller is shutting down.
		s.run(context.WithoutCancel(ctx), task)
		return true, nil
	}
	return false, nil
}

func (s *Scheduler) run(ctx context.Context, task domain.Task) {
	log := s.logger.With("task_id", task.ID, "type", task.Type)
	started := s.now()

	outcome := s.execute(ctx, task)
	if err := s.tasks.Finish(ctx, task.ID, outcome, s.now()); err != nil {
		log.Error("finish task", "status", outcome.Status, "error", err)
		return
	}
	s.metrics.TaskFinished(string(task.Type), string(outcome.Status), s.now().Sub(started))

	switch outcome.Status {
	case domain.TaskFailed:
		log.Warn("task failed", "error", outcome.Details)
	case domain.TaskDeferred:
		log.Info("task deferred", "reason", outcome.Details, "retry_after", outcome.RetryAfter)
	default:
		log.Debug("task completed")
	}
}

func (s *Scheduler) execute(ctx context.Context, task domain.Task) (outcome domain.Outcome) {
	handler, ok := s.handlers[task.Type]
	if !ok {
		return domain.Outcome{Status: domain.TaskFailed, Details: fmt.Sprintf("no handler for task type %q", task.Type)}
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = domain.Outcome{Status: domain.TaskFailed, Details: fmt.Sprintf("panic: %v", r)}
		}
	}()

	err := handler(ctx, task)
	if err == nil {
		return domain.Outcome{Status: domain.TaskCompleted}
	}
	if reason, retryAfter, ok := domain.IsDeferrable(err); ok {
		return domain.Outcome{Status: domain.TaskDeferred, Details: reason, RetryAfter: retryAfter}
	}
	return domain.Outcome{Status: domain.TaskFailed, Details: err.Error()}
}

// Run polls with n workers until ctx is cancelled. In-flight tasks finish
// before Run returns.
func (s *Scheduler) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		log := s.logger.With("worker", i)
		g.Go(func() error {
			for ctx.Err() == nil {
				processed, err := s.ProcessNext(ctx)
				if err != nil && ctx.Err() == nil {
					log.Error("process next task", "error", err)
				}
				if processed {
					continue
				}
				select {
				case <-ctx.Done():
				case <-time.After(s.idleBackoff):
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Drain processes tasks until none is pending or limit tasks ran (limit <= 0
// means no limit). It returns how many tasks ran.
func (s *Scheduler) Drain(ctx context.Context, limit int) (int, error) {
	ran := 0
	for limit <= 0 || ran < limit {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		processed, err := s.ProcessNext(ctx)
		if err != nil {
			return ran, err
		}
		if !processed {
			break
		}
		ran++
	}
	return ran, nil
}

// RequeueDeferred spawns a successor for every deferred task whose retry time
// has passed. The original is marked first so concurrent sweeps never spawn
// twice.
func (s *Scheduler) RequeueDeferred(ctx context.Context, now time.Time) (int, error) {
	due, err := s.tasks.ListDeferredDue(ctx, now, defaultRequeueBatch)
	if err != nil {
		return 0, fmt.Errorf("list deferred: %w", err)
	}

	requeued := 0
	for _, task := range due {
		err := s.tasks.MarkRequeued(ctx, task.ID, now)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("mark %s requeued: %w", task.ID, err)
		}

		id, err := s.Enqueue(ctx, successor(task))
		if err != nil {
			s.logger.Error("requeue deferred task", "task_id", task.ID, "error", err)
			continue
		}
		s.logger.Info("deferred task requeued", "task_id", task.ID, "new_task_id", id)
		requeued++
	}
	s.metrics.Requeued(requeued)
	return requeued, nil
}

// ReapAbandoned fails tasks stuck in processing longer than the lease, so a
// crashed worker's task surfaces for an operator retry.
func (s *Scheduler) ReapAbandoned(ctx context.Context, now time.Time) (int, error) {
	n, err := s.tasks.FailAbandoned(ctx, now.Add(-s.lease), AbandonedDetails, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("abandoned tasks failed", "count", n, "lease", s.lease)
	}
	return n, nil
}

// Retry is the operator path for failed (or deferred) tasks. A deferred task is
// marked requeued first so the sweep does not spawn a second successor.
func (s *Scheduler) Retry(ctx context.Context, taskID string) (string, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	switch task.Status {
	case domain.TaskFailed:
	case domain.TaskDeferred:
		err := s.tasks.MarkRequeued(ctx, task.ID, s.now())
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return "", &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("task %s was already requeued", task.ID)}
		}
		if err != nil {
			return "", fmt.Errorf("mark %s requeued: %w", task.ID, err)
		}
	default:
		return "", &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("task %s is %s, only failed or deferred tasks can be retried", task.ID, task.Status)}
	}
	return s.Enqueue(ctx, successor(task))
}

func successor(task domain.Task) domain.NewTask {
	return domain.NewTask{
		Owner:     task.Owner,
		Priority:  task.Priority,
		SourceURL: task.SourceURL,
		Payload:   task.Payload,
		RetryOf:   task.ID,
	}
}
