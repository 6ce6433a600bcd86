package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
)

// backends returns every Store implementation that runs without external services.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), 4)
	require.NoError(t, err)
	t.Cleanup(sqlite.Close)
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestStoreContract(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			a, err := st.Insert(ctx, models.NewJob{Name: "daily", Owner: "alice", DueTime: now.Add(5 * time.Second), Query: "SELECT 1"})
			require.NoError(t, err)
			b, err := st.Insert(ctx, models.NewJob{Name: "daily", Owner: "alice", DueTime: now.Add(5 * time.Second), Query: "SELECT 1"})
			require.NoError(t, err)
			c, err := st.Insert(ctx, models.NewJob{Name: "later", Owner: "bob", DueTime: now.Add(time.Hour), Query: "SELECT 2"})
			require.NoError(t, err)

			assert.NotEqual(t, a.ID, b.ID, "duplicate registrations create separate rows")
			assert.Equal(t, models.StatusRegistered, a.Status)

			got, err := st.Get(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, "daily", got.Name)
			assert.True(t, got.DueTime.Equal(now.Add(5*time.Second)))

			_, err = st.Get(ctx, 9999)
			assert.True(t, errs.Is(err, errs.ErrNotFound))

			all, err := st.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
			mine, err := st.List(ctx, "bob")
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, c.ID, mine[0].ID)

			due, err := st.ListDue(ctx, now, now.Add(10*time.Second), models.StatusRegistered)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, a.ID, due[0].ID)

			ok, err := st.TransitionStatus(ctx, a.ID, []models.Status{models.StatusRegistered}, models.StatusRunning)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = st.TransitionStatus(ctx, a.ID, []models.Status{models.StatusRegistered}, models.StatusRunning)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must lose")

			due, err = st.ListDue(ctx, now, now.Add(10*time.Second), models.StatusRegistered)
			require.NoError(t, err)
			assert.Len(t, due, 1)

			ok, err = st.TransitionStatus(ctx, b.ID, []models.Status{models.StatusRegistered, models.StatusRunning}, models.StatusKilled)
			require.NoError(t, err)
			require.True(t, ok)
			got, err = st.Get(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusKilled, got.Status)

			_, found, err := st.LatestLog(ctx, a.ID)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, st.AppendLog(ctx, models.LogEntry{JobID: a.ID, RunID: "r1", Status: models.StatusRunning, Message: "started"}))
			require.NoError(t, st.AppendLog(ctx, models.LogEntry{JobID: a.ID, RunID: "r1", Status: models.StatusError, Message: "boom"}))
			logs, err := st.Logs(ctx, a.ID)
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, "started", logs[0].Message)
			latest, found, err := st.LatestLog(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "boom", latest.Message)
			assert.Equal(t, "r1", latest.RunID)

			stale, err := st.ListStale(ctx, models.StatusRunning, time.Now().Add(time.Minute))
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, a.ID, stale[0].ID)
		})
	}
}

func TestSQLiteExecuteQuery(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"), 2)
	require.NoError(t, err)
	defer st.Close()

	res, err := st.ExecuteQuery(ctx, "SELECT 1 AS one")
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0][0])

	_, err = st.ExecuteQuery(ctx, "DELETE FROM jobs")
	require.Error(t, err, "query_only must reject writes")

	// The pooled connection is usable for writes again afterwards.
	_, err = st.Insert(ctx, models.NewJob{Name: "n", Owner: "o", DueTime: time.Now(), Query: "SELECT 1"})
	require.NoError(t, err)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	job, err := m.Insert(ctx, models.NewJob{Name: "n", Owner: "o", DueTime: time.Now(), Query: "SELECT 1"})
	require.NoError(t, err)

	m.FailGet(job.ID, 2)
	_, err = m.Get(ctx, job.ID)
	assert.True(t, errs.Is(err, errs.ErrNotFound))
	_, err = m.Get(ctx, job.ID)
	assert.Error(t, err)
	_, err = m.Get(ctx, job.ID)
	assert.NoError(t, err)

	m.FailListDue(errs.New("connection refused"))
	_, err = m.ListDue(ctx, time.Time{}, time.Now().Add(time.Hour), models.StatusRegistered)
	assert.ErrorContains(t, err, "connection refused")
}
