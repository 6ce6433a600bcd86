// Package scheduler discovers due report jobs and drives them through a bounded
// worker pool. A Coordinator owns every moving part; nothing is process global.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"report-scheduler/internal/config"
	"report-scheduler/internal/errs"
	"report-scheduler/internal/logging"
	"report-scheduler/internal/pool"
	"report-scheduler/internal/runner"
	"report-scheduler/internal/store"
	"report-scheduler/internal/tracker"
)

// Coordinator wires the scan loop, dispatcher, worker pool, runner and monitor.
type Coordinator struct {
	cfg     config.Config
	log     zerolog.Logger
	tracker *tracker.Tracker
	pool    *pool.Pool
	disp    *Dispatcher
	scanner *Scanner
	runner  *runner.Runner
	monitor *Monitor

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	started bool
}

// New builds a coordinator over st. d may be nil to skip delivery.
func New(cfg config.Config, st store.Store, d runner.Deliverer, log zerolog.Logger) *Coordinator {
	c := &Coordinator{cfg: cfg, log: logging.Component(log, "coordinator")}
	c.tracker = tracker.New(st, logging.Component(log, "tracker"))
	c.pool = pool.New(cfg.MaxConcurrency, logging.Component(log, "pool"))
	c.runner = runner.New(c.tracker, d, runner.Options{
		Retries:   cfg.FetchRetries,
		Backoff:   cfg.RetryBackoff,
		OutputDir: cfg.OutputDir,
		Header:    cfg.ReportHeader,
	}, logging.Component(log, "runner"))
	c.disp = NewDispatcher(c.pool, func(ctx context.Context, id int64) {
		c.runner.Run(ctx, id)
	}, logging.Component(log, "dispatcher"))
	c.runner.SetKillCheck(c.disp.Killed)
	c.scanner = NewScanner(st, c.disp, cfg.EffectiveLookahead(), cfg.EffectiveBackfill(), logging.Component(log, "scan"))
	c.monitor = NewMonitor(c.pool, c.disp, logging.Component(log, "monitor"))
	return c
}

func (c *Coordinator) Tracker() *tracker.Tracker { return c.tracker }
func (c *Coordinator) Dispatcher() *Dispatcher   { return c.disp }
func (c *Coordinator) Pool() *pool.Pool          { return c.pool }
func (c *Coordinator) Scanner() *Scanner         { return c.scanner }
func (c *Coordinator) Monitor() *Monitor         { return c.monitor }

// Start recovers stale runs, scans once, then schedules the scan loop and the
// monitor. Ticks of the same entry never overlap and a panicking tick is logged.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errs.New("coordinator already started")
	}

	if c.cfg.StaleRunningAfter > 0 {
		ids, err := c.tracker.RecoverStale(ctx, time.Now().Add(-c.cfg.StaleRunningAfter))
		if err != nil {
			c.log.Error().Err(err).Msg("stale recovery failed")
		} else if len(ids) > 0 {
			c.log.Warn().Ints64("job_ids", ids).Msg("marked stale RUNNING jobs as ERROR")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	_, _ = c.scanner.Scan(runCtx, time.Now())

	cl := logging.CronLogger{L: logging.Component(c.log, "cron")}
	cr := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := cr.AddFunc("@every "+c.cfg.ScanInterval.String(), func() {
		_, _ = c.scanner.Scan(runCtx, time.Now())
	}); err != nil {
		cancel()
		return errs.Wrap(err, "schedule scan loop")
	}
	if _, err := cr.AddFunc("@every "+c.cfg.MonitorInterval.String(), func() {
		c.monitor.Tick(runCtx)
	}); err != nil {
		cancel()
		return errs.Wrap(err, "schedule monitor")
	}
	cr.Start()

	c.cron, c.cancel, c.started = cr, cancel, true
	c.log.Info().
		Dur("scan_interval", c.cfg.ScanInterval).
		Dur("lookahead", c.cfg.EffectiveLookahead()).
		Dur("backfill", c.cfg.EffectiveBackfill()).
		Int("max_concurrency", c.cfg.MaxConcurrency).
		Msg("coordinator started")
	return nil
}

// Stop halts the loops, disarms pending timers and waits for running jobs until
// ctx ends.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr, cancel := c.cron, c.cancel
	c.started = false
	c.mu.Unlock()

	if cr != nil {
		select {
		case <-cr.Stop().Done():
		case <-ctx.Done():
		}
	}
	c.disp.Stop()
	err := c.pool.Shutdown(ctx)
	if cancel != nil {
		cancel()
	}
	st := c.pool.Stats()
	c.log.Info().Int64("completed", st.Completed).Err(err).Msg("coordinator stopped")
	return err
}

// Kill marks the job KILLED and raises the in-process flag so a run in this
// process stops at its next safe point.
func (c *Coordinator) Kill(ctx context.Context, id int64, principal string) error {
	if err := c.tracker.Kill(ctx, id, principal); err != nil {
		return err
	}
	c.disp.MarkKilled(id)
	return nil
}

// Jobs is the tracker surface with Kill routed through the coordinator, for an
// API served from the same process.
type Jobs struct {
	*tracker.Tracker
	c *Coordinator
}

// Jobs returns the in-process job surface.
func (c *Coordinator) Jobs() Jobs { return Jobs{Tracker: c.tracker, c: c} }

func (j Jobs) Kill(ctx context.Context, id int64, principal string) error {
	return j.c.Kill(ctx, id, principal)
}
