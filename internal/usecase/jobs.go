package usecase

import (
	"context"
	"log/slog"
	"time"

	"Newsroom/internal/ports"
)

// JobSpecs are the cron expressions of the recurring jobs. An empty spec
// disables the job.
type JobSpecs struct {
	Monitor string `yaml:"monitor"`
	Requeue string `yaml:"requeue"`
	Reap    string `yaml:"reap"`
}

// Jobs wires the cron-like driver with the monitor pass, the deferred sweep and
// the processing-lease sweep.
type Jobs struct {
	driver    ports.Scheduler
	monitor   *Monitor
	scheduler *Scheduler
	specs     JobSpecs
	logger    *slog.Logger
}

// NewJobs returns a helper to start/stop recurring jobs.
func NewJobs(driver ports.Scheduler, monitor *Monitor, scheduler *Scheduler, specs JobSpecs, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Jobs{driver: driver, monitor: monitor, scheduler: scheduler, specs: specs, logger: logger}
}

// Start registers the jobs with the driver and starts it.
func (j *Jobs) Start(ctx context.Context) error {
	if j.driver == nil {
		return nil
	}

	if j.monitor != nil && j.specs.Monitor != "" {
		err := j.driver.Schedule(j.specs.Monitor, "monitor", func(trigger time.Time) {
			if _, err := j.monitor.RunDue(ctx, trigger); err != nil {
				j.logger.Error("monitor pass", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}

	if j.scheduler != nil && j.specs.Requeue != "" {
		err := j.driver.Schedule(j.specs.Requeue, "requeue", func(trigger time.Time) {
			if _, err := j.scheduler.RequeueDeferred(ctx, trigger); err != nil {
				j.logger.Error("requeue deferred tasks", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}

	if j.scheduler != nil && j.specs.Reap != "" {
		err := j.driver.Schedule(j.specs.Reap, "reap", func(trigger time.Time) {
			if _, err := j.scheduler.ReapAbandoned(ctx, trigger); err != nil {
				j.logger.Error("fail abandoned tasks", "error", err)
			}
		})
		if err != nil {
			return err
		}
	}

	return j.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (j *Jobs) Stop(ctx context.Context) error {
	if j.driver == nil {
		return nil
	}

	return j.driver.Stop(ctx)
}
