package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
)

// QueryFunc answers ExecuteQuery for a Memory store.
type QueryFunc func(ctx context.Context, query string) (Result, error)

// Memory is a mutex-guarded Store kept entirely in process memory.
//
// It has hooks for injecting failures so coordinator behavior under store
// outages can be exercised without a database.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	logSeq int64
	jobs   map[int64]models.Job
	logs   []models.LogEntry

	query     QueryFunc
	getMisses map[int64]int
	listErr   error
	now       func() time.Time
}

// NewMemory returns an empty store whose ExecuteQuery returns no rows.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[int64]models.Job),
		getMisses: make(map[int64]int),
		now:       time.Now,
	}
}

// SetQueryFunc replaces the ExecuteQuery implementation.
func (m *Memory) SetQueryFunc(fn QueryFunc) {
	m.mu.Lock()
	m.query = fn
	m.mu.Unlock()
}

// FailGet makes the next n Get calls for id report not found.
func (m *Memory) FailGet(id int64, n int) {
	m.mu.Lock()
	m.getMisses[id] = n
	m.mu.Unlock()
}

// FailListDue makes ListDue return err until called again with nil.
func (m *Memory) FailListDue(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

// SetClock replaces the time source used for created_at, updated_at and log_time.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Close() {}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Insert(_ context.Context, j models.NewJob) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := m.now().UTC()
	job := models.Job{
		ID:        m.nextID,
		Name:      j.Name,
		Owner:     j.Owner,
		DueTime:   j.DueTime.UTC(),
		Query:     j.Query,
		Status:    models.StatusRegistered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *Memory) Get(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.getMisses[id]; n > 0 {
		m.getMisses[id] = n - 1
		return models.Job{}, errs.NotFoundf("job %d not found", id)
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, errs.NotFoundf("job %d not found", id)
	}
	return job, nil
}

func (m *Memory) List(_ context.Context, owner string) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if owner == "" || j.Owner == owner {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) TransitionStatus(_ context.Context, id int64, from []models.Status, to models.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if job.Status == f {
			job.Status = to
			job.UpdatedAt = m.now().UTC()
			m.jobs[id] = job
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) AppendLog(_ context.Context, e models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	e.ID = m.logSeq
	e.LogTime = m.now().UTC()
	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) Logs(_ context.Context, jobID int64) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, e := range m.logs {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) LatestLog(ctx context.Context, jobID int64) (models.LogEntry, bool, error) {
	logs, _ := m.Logs(ctx, jobID)
	if len(logs) == 0 {
		return models.LogEntry{}, false, nil
	}
	return logs[len(logs)-1], true, nil
}

func (m *Memory) ListDue(_ context.Context, start, end time.Time, status models.Status) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, errs.Wrap(m.listErr, "list due jobs")
	}
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == status && !j.DueTime.Before(start) && j.DueTime.Before(end) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].DueTime.Equal(out[k].DueTime) {
			return out[i].ID < out[k].ID
		}
		return out[i].DueTime.Before(out[k].DueTime)
	})
	return out, nil
}

func (m *Memory) ListStale(_ context.Context, status models.Status, before time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == status && j.UpdatedAt.Before(before) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) ExecuteQuery(ctx context.Context, query string) (Result, error) {
	m.mu.Lock()
	fn := m.query
	m.mu.Unlock()
	if fn == nil {
		return Result{}, nil
	}
	return fn(ctx, query)
}
