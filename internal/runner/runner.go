// Package runner executes one report job end to end: fetch, clean, query,
// render, deliver and finalize.
package runner

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"report-scheduler/internal/delivery"
	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/report"
	"report-scheduler/internal/store"
	"report-scheduler/internal/telemetry"
	"report-scheduler/internal/tracker"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeError   Outcome = "error"
	OutcomeKilled  Outcome = "killed"
	OutcomeSkipped Outcome = "skipped"
)

// Deliverer ships a rendered artifact. Errors are logged only.
type Deliverer interface {
	Deliver(ctx context.Context, a delivery.Artifact) error
}

// Options tune a Runner.
type Options struct {
	// Retries is the number of extra attempts for fetch and query steps.
	Retries   int
	Backoff   time.Duration
	OutputDir string
	Header    bool
}

// Runner drives jobs through the status machine via a Tracker.
type Runner struct {
	tr      *tracker.Tracker
	st      store.Store
	deliver Deliverer
	opts    Options
	log     zerolog.Logger
	killed  func(id int64) bool
}

func New(tr *tracker.Tracker, d Deliverer, opts Options, log zerolog.Logger) *Runner {
	return &Runner{
		tr:      tr,
		st:      tr.Store(),
		deliver: d,
		opts:    opts,
		log:     log,
		killed:  func(int64) bool { return false },
	}
}

// SetKillCheck installs the in-process kill flag lookup consulted at safe points.
func (r *Runner) SetKillCheck(fn func(id int64) bool) {
	if fn != nil {
		r.killed = fn
	}
}

// Run executes job id once. It never panics and never returns an error; every
// failure ends as an ERROR status with one log entry.
func (r *Runner) Run(ctx context.Context, id int64) Outcome {
	runID := uuid.NewString()
	log := r.log.With().Int64("job_id", id).Str("run_id", runID).Logger()
	start := time.Now()
	defer func() { telemetry.RunDuration.Observe(time.Since(start).Seconds()) }()

	attempts := 1 + r.opts.Retries

	job, err := retry(ctx, attempts, r.opts.Backoff, log, "fetch", func() (models.Job, error) {
		return r.st.Get(ctx, id)
	})
	if err != nil {
		return r.fail(ctx, log, id, runID, errs.Wrap(err, "fetch job"))
	}
	if job.Status != models.StatusRegistered {
		if job.Status == models.StatusKilled {
			return r.abandon(log, "")
		}
		log.Info().Str("status", string(job.Status)).Msg("job already claimed, skipping")
		return OutcomeSkipped
	}
	if r.stopRequested(ctx, id) {
		return r.abandon(log, "")
	}

	claimed, err := r.tr.Claim(ctx, id, runID)
	if err != nil {
		return r.fail(ctx, log, id, runID, errs.Wrap(err, "claim job"))
	}
	if !claimed {
		if r.stopRequested(ctx, id) {
			return r.abandon(log, "")
		}
		log.Info().Msg("job claimed elsewhere, skipping")
		return OutcomeSkipped
	}
	log.Info().Str("name", job.Name).Time("due", job.DueTime).Msg("job started")

	query := report.CleanSQL(job.Query)
	if query == "" {
		return r.fail(ctx, log, id, runID, errs.Malformedf("query is empty after removing comments"))
	}
	if r.stopRequested(ctx, id) {
		return r.abandon(log, "")
	}

	res, err := retry(ctx, attempts, r.opts.Backoff, log, "query", func() (store.Result, error) {
		res, err := r.st.ExecuteQuery(ctx, query)
		if err != nil {
			return store.Result{}, err
		}
		if len(res.Rows) == 0 {
			return store.Result{}, errs.Mark(errs.New("query returned no rows"), errs.ErrEmptyResult)
		}
		return res, nil
	})
	if err != nil {
		return r.fail(ctx, log, id, runID, errs.Wrap(err, "execute query"))
	}
	if r.stopRequested(ctx, id) {
		return r.abandon(log, "")
	}

	path := report.ArtifactPath(r.opts.OutputDir, job.Name, job.ID)
	if err := report.Render(path, res.Columns, res.Rows, r.opts.Header); err != nil {
		return r.fail(ctx, log, id, runID, errs.Wrap(err, "render report"))
	}
	if r.stopRequested(ctx, id) {
		return r.abandon(log, path)
	}

	final := context.WithoutCancel(ctx)
	ok, err := r.tr.MarkSuccess(final, id, runID, "saved to "+path)
	if err != nil {
		return r.fail(ctx, log, id, runID, err)
	}
	if !ok {
		return r.abandon(log, path)
	}
	log.Info().Str("path", path).Int("rows", len(res.Rows)).Msg("report saved")

	if r.deliver != nil {
		a := delivery.Artifact{JobID: job.ID, JobName: job.Name, Owner: job.Owner, RunID: runID, Path: path}
		if err := r.deliver.Deliver(ctx, a); err != nil {
			log.Warn().Err(err).Msg("delivery failed")
		}
	}

	if _, err := r.tr.MarkDone(final, id, runID, "done"); err != nil {
		log.Error().Err(err).Msg("mark done failed")
		return OutcomeError
	}
	telemetry.JobsSucceeded.Inc()
	log.Info().Dur("took", time.Since(start).Round(time.Millisecond)).Msg("job done")
	return OutcomeDone
}

// stopRequested checks the in-process kill flag first, then the persisted status.
func (r *Runner) stopRequested(ctx context.Context, id int64) bool {
	if r.killed(id) {
		return true
	}
	killed, err := r.tr.IsKilled(ctx, id)
	if err != nil {
		r.log.Debug().Err(err).Int64("job_id", id).Msg("kill check failed")
		return false
	}
	return killed
}

func (r *Runner) abandon(log zerolog.Logger, artifact string) Outcome {
	if artifact != "" {
		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", artifact).Msg("remove abandoned artifact")
		}
	}
	telemetry.JobsKilled.Inc()
	log.Info().Msg("run abandoned after kill")
	return OutcomeKilled
}

func (r *Runner) fail(ctx context.Context, log zerolog.Logger, id int64, runID string, cause error) Outcome {
	ok, err := r.tr.Fail(context.WithoutCancel(ctx), id, runID, cause.Error())
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("could not record failure")
		return OutcomeError
	}
	if !ok {
		if r.stopRequested(context.WithoutCancel(ctx), id) {
			return r.abandon(log, "")
		}
		log.Warn().Err(cause).Msg("failure not recorded, job no longer active")
		return OutcomeError
	}
	telemetry.JobsFailed.Inc()
	log.Error().Err(cause).Msg("job failed")
	return OutcomeError
}
