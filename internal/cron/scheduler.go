// Package cron runs the daemon's periodic maintenance: retention cleanup of
// processed messages and the orphaned-lease sweep. Jobs are standard 5-field
// cron expressions.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Scheduler owns the maintenance jobs. Jobs run sequentially within the
// runner; a panicking job is recovered and logged rather than killing the
// daemon.
type Scheduler struct {
	runner *cronlib.Cron
	logger *slog.Logger
	names  []string
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(
			cronlib.Recover(cronlib.DefaultLogger),
		)),
		logger: logger,
	}
}

// AddJob registers a named job on the given cron expression. The job receives
// a context canceled when the scheduler stops. An invalid expression is a
// registration error, not a runtime one.
func (s *Scheduler) AddJob(name, expr string, fn func(ctx context.Context)) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", name, expr, err)
	}
	logger := s.logger
	_, err := s.runner.AddFunc(expr, func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		fn(ctx)
		logger.Debug("maintenance job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.names = append(s.names, name)
	return nil
}

// Jobs returns the registered job names, in registration order.
func (s *Scheduler) Jobs() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.names))
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.runner.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
