// Package scheduler drives the periodic schedule from a cron tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner enqueues the entries due at now.
type Runner interface {
	RunDue(ctx context.Context, now time.Time) (int, error)
}

type Driver struct {
	runner Runner
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(runner Runner, tick time.Duration, logger *slog.Logger) *Driver {
	if tick < time.Second {
		tick = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		runner: runner,
		tick:   tick,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run evaluates the schedule once immediately and then on every tick until ctx is done.
// Overlapping ticks are skipped.
func (d *Driver) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(cron.DiscardLogger),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(cron.Every(d.tick), cron.FuncJob(func() { d.runOnce(ctx) }))

	d.runOnce(ctx)
	c.Start()
	d.logger.Info("scheduler_started", "tick", d.tick.String())

	<-ctx.Done()
	<-c.Stop().Done()
	d.logger.Info("scheduler_stopped")
	return nil
}

func (d *Driver) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := d.runner.RunDue(ctx, d.now())
	if err != nil {
		d.logger.Error("scheduler_tick_failed", "enqueued", n, "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("scheduler_tick", "enqueued", n)
	}
}
