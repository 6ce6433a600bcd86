package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/api"
	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
	"report-scheduler/internal/store"
	"report-scheduler/internal/tracker"
)

func TestClientAgainstServer(t *testing.T) {
	st := store.NewMemory()
	srv := httptest.NewServer(api.New(tracker.New(st, zerolog.Nop()), st, nil, zerolog.Nop()).Router())
	defer srv.Close()
	ctx := context.Background()

	alice := New(srv.URL+"/", "alice", time.Second)
	id, err := alice.Register(ctx, "weekly", time.Now().Add(time.Hour), "SELECT 1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	view, err := alice.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRegistered, view.Status)
	assert.Equal(t, "weekly", view.Name)

	jobs, err := New(srv.URL, "bob", time.Second).List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	jobs, err = New(srv.URL, "bob", time.Second).List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	err = New(srv.URL, "bob", time.Second).Kill(ctx, id)
	var apiErr *APIError
	require.True(t, errs.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)

	require.NoError(t, alice.Kill(ctx, id))
	logs, err := alice.Logs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "killed by alice", logs[1].Message)

	_, err = alice.Status(ctx, 42)
	require.True(t, errs.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
