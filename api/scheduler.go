/*
scheduler.go - Automated royalty recalculation

PURPOSE:
  Periodically recalculates royalties so newly reported streams show up
  in the ledger without an operator pressing "calculate".

DESIGN:
  - One gocron duration job, singleton mode: a slow run delays the next
    one instead of overlapping it
  - Runs through Handler.Recalculate, so a scheduled run and an API
    request arriving together share one recalculation
  - Failures are logged and counted; the ledger keeps its last good
    snapshot

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled: Whether the scheduler is active
  - RunOnStart: Run once immediately on Start

USAGE:
  scheduler, err := NewRecalculationScheduler(handler, SchedulerOptions{Interval: time.Hour, Enabled: true})
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: CalculateRoyalties endpoint (manual recalculation)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultRecalculationInterval is used when no interval is configured.
const DefaultRecalculationInterval = time.Hour

const recalculationJobName = "royalty-recalculation"

// SchedulerOptions configures a RecalculationScheduler.
type SchedulerOptions struct {
	Interval   time.Duration
	Enabled    bool
	RunOnStart bool
	// Timeout bounds one run. Zero means the interval.
	Timeout time.Duration
}

// RecalculationScheduler runs Handler.Recalculate on an interval.
type RecalculationScheduler struct {
	Handler *Handler
	Options SchedulerOptions

	scheduler gocron.Scheduler
	job       gocron.Job
	mu        sync.Mutex
	started   bool
	stopped   bool
}

// NewRecalculationScheduler creates a new scheduler. The job is not
// running until Start.
func NewRecalculationScheduler(h *Handler, opts SchedulerOptions) (*RecalculationScheduler, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRecalculationInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	rs := &RecalculationScheduler{Handler: h, Options: opts, scheduler: s}

	jobOpts := []gocron.JobOption{
		gocron.WithName(recalculationJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if opts.RunOnStart {
		jobOpts = append(jobOpts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	rs.job, err = s.NewJob(
		gocron.DurationJob(opts.Interval),
		gocron.NewTask(rs.RunNow),
		jobOpts...,
	)
	if err != nil {
		s.Shutdown()
		return nil, fmt.Errorf("register %s job: %w", recalculationJobName, err)
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *RecalculationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Options.Enabled {
		rs.Handler.Logger.Info("recalculation scheduler disabled, not starting")
		return
	}
	if rs.started || rs.stopped {
		return
	}
	rs.scheduler.Start()
	rs.started = true
	rs.Handler.Logger.Info("recalculation scheduler started", zap.Duration("interval", rs.Options.Interval))
}

// Stop stops the scheduler and waits for a running job to finish.
// A stopped scheduler cannot be restarted.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.stopped {
		return
	}
	rs.stopped = true
	if err := rs.scheduler.Shutdown(); err != nil {
		rs.Handler.Logger.Warn("recalculation scheduler shutdown", zap.Error(err))
	}
	if rs.started {
		rs.Handler.Logger.Info("recalculation scheduler stopped")
	}
	rs.started = false
}

// RunNow runs one recalculation synchronously (for testing/admin).
func (rs *RecalculationScheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Options.Timeout)
	defer cancel()

	summary, err := rs.Handler.Recalculate(ctx, "scheduler")
	if err != nil {
		rs.Handler.Logger.Error("scheduled recalculation failed", zap.Error(err))
		return
	}
	rs.Handler.Logger.Info("scheduled recalculation complete",
		zap.Int("records", summary.Records),
		zap.Int("unpaid", summary.Unpaid),
		zap.String("total_unpaid", summary.TotalUnpaid.String()),
	)
}

// GetNextRunTime returns when the next scheduled run will occur.
func (rs *RecalculationScheduler) GetNextRunTime() (time.Time, error) {
	return rs.job.NextRun()
}
