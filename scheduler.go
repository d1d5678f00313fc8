package tokenvault

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startSchedules registers the enabled background tasks. Each job is wrapped
// with DelayIfStillRunning so overlapping runs of the same task serialize.
// Must be called with o.mu held.
func (o *Orchestrator) startSchedules() error {
	logger := cronLogger{log: o.log.Sugar()}
	if o.cron == nil {
		o.cron = cron.New(cron.WithLogger(logger))
		o.ownCron = true
	}
	o.schedules = nil
	o.cronEntries = nil

	type task struct {
		name     string
		enabled  bool
		interval time.Duration
		run      func(context.Context)
	}
	tasks := []task{
		{opIntegrity, o.opts.Integrity.Enabled, o.opts.Integrity.Interval, func(ctx context.Context) { o.PerformIntegrityCheck(ctx) }},
		{opBackup, o.opts.Backup.Enabled, o.opts.Backup.Interval, func(ctx context.Context) { o.CreateSecureBackup(ctx) }},
		{opCleanup, o.opts.Cleanup.Enabled, o.opts.Cleanup.Interval, func(ctx context.Context) { _, _ = o.PerformCleanup(ctx) }},
	}

	for _, t := range tasks {
		if !t.enabled || t.interval <= 0 {
			continue
		}
		run := t.run
		job := cron.NewChain(cron.Recover(logger), cron.DelayIfStillRunning(logger)).
			Then(cron.FuncJob(func() { run(context.Background()) }))

		id, err := o.cron.AddJob(fmt.Sprintf("@every %s", t.interval), job)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", t.name, err)
		}
		o.cronEntries = append(o.cronEntries, id)
		o.schedules = append(o.schedules, t.name)
	}

	if len(o.cronEntries) > 0 {
		o.cron.Start()
	}
	return nil
}

// stopSchedules removes this orchestrator's jobs and, for a cron it created,
// stops it and waits for running jobs or ctx, whichever comes first.
func (o *Orchestrator) stopSchedules(ctx context.Context) error {
	if o.cron == nil {
		return nil
	}
	for _, id := range o.cronEntries {
		o.cron.Remove(id)
	}
	o.cronEntries = nil
	o.schedules = nil

	if !o.ownCron {
		return nil
	}
	done := o.cron.Stop()
	o.cron = nil
	o.ownCron = false

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for scheduled jobs: %w", ctx.Err())
	}
}
