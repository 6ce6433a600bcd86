// Package store persists scheduled report jobs and their append-only execution log.
//
// Three implementations satisfy Store: Postgres (pgxpool), SQLite (modernc) and an
// in-memory store used by tests and throwaway runs.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/config"
	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
)

// Result is the tabular output of ExecuteQuery.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Store is the persistence contract the coordinator depends on.
type Store interface {
	Insert(ctx context.Context, j models.NewJob) (models.Job, error)
	// Get returns an error marked errs.ErrNotFound when the row is missing.
	Get(ctx context.Context, id int64) (models.Job, error)
	// List returns jobs ordered by id. An empty owner lists every job.
	List(ctx context.Context, owner string) ([]models.Job, error)
	// TransitionStatus sets status to `to` only if the current status is one of from.
	// It reports whether a row changed.
	TransitionStatus(ctx context.Context, id int64, from []models.Status, to models.Status) (bool, error)
	AppendLog(ctx context.Context, e models.LogEntry) error
	Logs(ctx context.Context, jobID int64) ([]models.LogEntry, error)
	LatestLog(ctx context.Context, jobID int64) (models.LogEntry, bool, error)
	// ListDue returns jobs in status with start <= due_time < end, earliest first.
	ListDue(ctx context.Context, start, end time.Time, status models.Status) ([]models.Job, error)
	// ListStale returns jobs in status whose updated_at is before the cutoff.
	ListStale(ctx context.Context, status models.Status, before time.Time) ([]models.Job, error)
	// ExecuteQuery runs a read-only statement and returns every row.
	ExecuteQuery(ctx context.Context, query string) (Result, error)
	Ping(ctx context.Context) error
	Close()
}

// Open builds the store selected by cfg.StoreDriver and applies migrations.
func Open(ctx context.Context, cfg config.Config, log zerolog.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := NewPostgres(ctx, cfg.PostgresDSN, int32(cfg.DBMaxConns))
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		log.Info().Int("max_conns", cfg.DBMaxConns).Msg("postgres store ready")
		return st, nil
	case "sqlite":
		st, err := NewSQLite(ctx, cfg.SQLitePath, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Int("max_conns", cfg.DBMaxConns).Msg("sqlite store ready")
		return st, nil
	case "memory":
		log.Warn().Msg("memory store: jobs are lost on exit")
		return NewMemory(), nil
	}
	return nil, errs.Malformedf("unknown store driver %q", cfg.StoreDriver)
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
