// Package tracker enforces the job state machine on top of the Store and keeps the
// append-only execution log in step with every status change.
package tracker

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/report"
	"report-scheduler/internal/store"
)

// StatusView is a job together with the message of its most recent log entry.
type StatusView struct {
	models.Job
	Detail string `json:"detail,omitempty"`
}

// Tracker is the only writer of job status.
type Tracker struct {
	st  store.Store
	log zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Tracker {
	return &Tracker{st: st, log: log}
}

// Store exposes the underlying store for read-only query execution.
func (t *Tracker) Store() store.Store { return t.st }

// Register validates and inserts a job. Every call creates a new row.
func (t *Tracker) Register(ctx context.Context, nj models.NewJob) (models.Job, error) {
	nj.Name = strings.TrimSpace(nj.Name)
	nj.Owner = strings.TrimSpace(nj.Owner)
	switch {
	case nj.Name == "":
		return models.Job{}, errs.Malformedf("name is required")
	case nj.Owner == "":
		return models.Job{}, errs.Malformedf("owner is required")
	case nj.DueTime.IsZero():
		return models.Job{}, errs.Malformedf("due_time is required")
	case report.CleanSQL(nj.Query) == "":
		return models.Job{}, errs.WithHint(errs.Malformedf("query is empty"), "comments are stripped before execution")
	}
	job, err := t.st.Insert(ctx, nj)
	if err != nil {
		return models.Job{}, err
	}
	if err := t.st.AppendLog(ctx, models.LogEntry{JobID: job.ID, Status: models.StatusRegistered, Message: "registered by " + nj.Owner}); err != nil {
		t.log.Warn().Err(err).Int64("job_id", job.ID).Msg("registration log not written")
	}
	return job, nil
}

// Status returns the job and the latest log message as detail.
func (t *Tracker) Status(ctx context.Context, id int64) (StatusView, error) {
	job, err := t.st.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Job: job}
	if e, ok, err := t.st.LatestLog(ctx, id); err != nil {
		return StatusView{}, err
	} else if ok {
		view.Detail = e.Message
	}
	return view, nil
}

func (t *Tracker) List(ctx context.Context, owner string) ([]models.Job, error) {
	return t.st.List(ctx, owner)
}

func (t *Tracker) Logs(ctx context.Context, id int64) ([]models.LogEntry, error) {
	if _, err := t.st.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.st.Logs(ctx, id)
}

// Kill moves a REGISTERED or RUNNING job to KILLED. A non-empty principal must match
// the job owner. Killing only changes persisted state; a running task notices it at
// its next safe point.
func (t *Tracker) Kill(ctx context.Context, id int64, principal string) error {
	job, err := t.st.Get(ctx, id)
	if err != nil {
		return err
	}
	if principal != "" && principal != job.Owner {
		return errs.Mark(errs.Newf("job %d belongs to %s", id, job.Owner), errs.ErrForbidden)
	}
	if job.Status.Terminal() {
		return errs.Mark(errs.Newf("job %d is already %s", id, job.Status), errs.ErrTerminal)
	}
	ok, err := t.st.TransitionStatus(ctx, id, models.Sources(models.StatusKilled), models.StatusKilled)
	if err != nil {
		return err
	}
	if !ok {
		cur, err := t.st.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return errs.Mark(errs.Newf("job %d is already %s", id, cur.Status), errs.ErrTerminal)
		}
		return errs.Mark(errs.Newf("job %d is %s and cannot be killed", id, cur.Status), errs.ErrConflict)
	}
	by := principal
	if by == "" {
		by = "operator"
	}
	t.appendLog(ctx, id, "", models.StatusKilled, "killed by "+by)
	return nil
}

// Claim moves REGISTERED to RUNNING. It reports false when another actor got there first.
func (t *Tracker) Claim(ctx context.Context, id int64, runID string) (bool, error) {
	ok, err := t.st.TransitionStatus(ctx, id, models.Sources(models.StatusRunning), models.StatusRunning)
	if err != nil || !ok {
		return false, err
	}
	t.appendLog(ctx, id, runID, models.StatusRunning, "started")
	return true, nil
}

// MarkSuccess records the query result and moves RUNNING to SUCCESS.
func (t *Tracker) MarkSuccess(ctx context.Context, id int64, runID, msg string) (bool, error) {
	return t.finish(ctx, id, runID, models.Sources(models.StatusSuccess), models.StatusSuccess, msg)
}

// MarkDone moves SUCCESS to DONE once delivery has been attempted.
func (t *Tracker) MarkDone(ctx context.Context, id int64, runID, msg string) (bool, error) {
	return t.finish(ctx, id, runID, models.Sources(models.StatusDone), models.StatusDone, msg)
}

// Fail moves REGISTERED, RUNNING or SUCCESS to ERROR and writes exactly one ERROR
// log entry when the transition happens.
func (t *Tracker) Fail(ctx context.Context, id int64, runID, msg string) (bool, error) {
	return t.finish(ctx, id, runID, models.Sources(models.StatusError), models.StatusError, msg)
}

// finish refuses any from set containing a backward edge.
func (t *Tracker) finish(ctx context.Context, id int64, runID string, from []models.Status, to models.Status, msg string) (bool, error) {
	for _, f := range from {
		if !models.CanTransition(f, to) {
			return false, errs.Newf("job %d: %s -> %s is not a forward transition", id, f, to)
		}
	}
	ok, err := t.st.TransitionStatus(ctx, id, from, to)
	if err != nil {
		return false, errs.Wrapf(err, "mark job %d %s", id, to)
	}
	if !ok {
		return false, nil
	}
	t.appendLog(ctx, id, runID, to, msg)
	return true, nil
}

// IsKilled reports whether the persisted status is KILLED.
func (t *Tracker) IsKilled(ctx context.Context, id int64) (bool, error) {
	job, err := t.st.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == models.StatusKilled, nil
}

// RecoverStale fails RUNNING jobs that have not changed since before. It returns the
// ids it moved to ERROR.
func (t *Tracker) RecoverStale(ctx context.Context, before time.Time) ([]int64, error) {
	stale, err := t.st.ListStale(ctx, models.StatusRunning, before)
	if err != nil {
		return nil, err
	}
	var failed []int64
	for _, j := range stale {
		ok, err := t.finish(ctx, j.ID, "", []models.Status{models.StatusRunning}, models.StatusError, "stale after restart")
		if err != nil {
			return failed, err
		}
		if ok {
			failed = append(failed, j.ID)
		}
	}
	return failed, nil
}

// appendLog is best effort: the status row is already authoritative.
func (t *Tracker) appendLog(ctx context.Context, id int64, runID string, status models.Status, msg string) {
	err := t.st.AppendLog(ctx, models.LogEntry{JobID: id, RunID: runID, Status: status, Message: msg})
	if err != nil {
		t.log.Error().Err(err).Int64("job_id", id).Str("status", string(status)).Msg("append log failed")
	}
}
