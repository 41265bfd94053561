// Package scheduler runs recurring jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"Newsroom/internal/ports"
	"Newsroom/pkg/logger"
)

// CronScheduler wraps robfig/cron. Runs of the same job never overlap and a
// panicking job is recovered and logged.
type CronScheduler struct {
	cron     *cron.Cron
	location *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler evaluating expressions in location
// (nil = UTC). Five-field expressions and descriptors like "@every 5m" are
// accepted.
func NewCronScheduler(location *time.Location, log *slog.Logger) *CronScheduler {
	if location == nil {
		location = time.UTC
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	cronLogger := cron.PrintfLogger(logger.FromSlog(log, "cron", slog.LevelWarn))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &CronScheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(location),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		location: location,
		logger:   log,
	}
}

// Schedule registers job under name.
func (c *CronScheduler) Schedule(spec string, name string, job func(time.Time)) error {
	if job == nil {
		return fmt.Errorf("job %s is nil", name)
	}
	_, err := c.cron.AddFunc(spec, func() {
		started := time.Now().In(c.location)
		c.logger.Debug("run scheduled job", "job", name)
		job(started)
		c.logger.Debug("scheduled job done", "job", name, "took", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Start begins dispatching; cancelling ctx stops the scheduler.
func (c *CronScheduler) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	c.running = true
	c.cron.Start()

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Stop halts dispatching and waits for running jobs until ctx expires.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	done := c.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
