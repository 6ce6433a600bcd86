package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a bounded connection pool to Postgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(err, "connect postgres")
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations executes the embedded Postgres migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "postgres", s)
}

func (s *Postgres) exec(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

const jobColumns = `id, name, owner, due_time, query, status, created_at, updated_at`

// Insert creates a REGISTERED row. Every call creates a new row; there is no dedup key.
func (s *Postgres) Insert(ctx context.Context, j models.NewJob) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (name, owner, due_time, query, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING `+jobColumns,
		j.Name, j.Owner, j.DueTime.UTC(), j.Query, string(models.StatusRegistered))
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, errs.Wrap(err, "insert job")
	}
	return job, nil
}

// Get fetches a job by id.
func (s *Postgres) Get(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errs.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errs.NotFoundf("job %d not found", id)
	}
	if err != nil {
		return models.Job{}, errs.Wrapf(err, "get job %d", id)
	}
	return job, nil
}

func (s *Postgres) List(ctx context.Context, owner string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE ($1 = '' OR owner = $1)
		ORDER BY id`, owner)
	if err != nil {
		return nil, errs.Wrap(err, "list jobs")
	}
	return collectJobs(rows)
}

func (s *Postgres) TransitionStatus(ctx context.Context, id int64, from []models.Status, to models.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, string(to), statusStrings(from))
	if err != nil {
		return false, errs.Wrapf(err, "transition job %d to %s", id, to)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendLog adds a log row.
func (s *Postgres) AppendLog(ctx context.Context, e models.LogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, run_id, log_time, status, message)
		VALUES ($1, $2, NOW(), $3, $4)
	`, e.JobID, e.RunID, string(e.Status), e.Message)
	if err != nil {
		return errs.Wrapf(err, "append log for job %d", e.JobID)
	}
	return nil
}

func (s *Postgres) Logs(ctx context.Context, jobID int64) ([]models.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, run_id, log_time, status, message
		FROM job_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, errs.Wrapf(err, "list logs for job %d", jobID)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var status string
		if err := rows.Scan(&e.ID, &e.JobID, &e.RunID, &e.LogTime, &status, &e.Message); err != nil {
			return nil, errs.Wrap(err, "scan log entry")
		}
		e.Status = models.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) LatestLog(ctx context.Context, jobID int64) (models.LogEntry, bool, error) {
	var e models.LogEntry
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, run_id, log_time, status, message
		FROM job_logs WHERE job_id = $1 ORDER BY id DESC LIMIT 1
	`, jobID).Scan(&e.ID, &e.JobID, &e.RunID, &e.LogTime, &status, &e.Message)
	if errs.Is(err, pgx.ErrNoRows) {
		return models.LogEntry{}, false, nil
	}
	if err != nil {
		return models.LogEntry{}, false, errs.Wrapf(err, "latest log for job %d", jobID)
	}
	e.Status = models.Status(status)
	return e, true, nil
}

func (s *Postgres) ListDue(ctx context.Context, start, end time.Time, status models.Status) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND due_time >= $2 AND due_time < $3
		ORDER BY due_time, id
	`, string(status), start.UTC(), end.UTC())
	if err != nil {
		return nil, errs.Wrap(err, "list due jobs")
	}
	return collectJobs(rows)
}

func (s *Postgres) ListStale(ctx context.Context, status models.Status, before time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY id
	`, string(status), before.UTC())
	if err != nil {
		return nil, errs.Wrap(err, "list stale jobs")
	}
	return collectJobs(rows)
}

// ExecuteQuery runs query inside a read-only transaction.
func (s *Postgres) ExecuteQuery(ctx context.Context, query string) (Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, errs.Wrap(err, "begin read-only tx")
	}
	defer tx.Rollback(ctx) // read-only, nothing to commit

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return Result{}, errs.Wrap(err, "execute query")
	}
	defer rows.Close()

	var res Result
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return Result{}, errs.Wrap(err, "read row")
		}
		for i, v := range vals {
			vals[i] = normalizeValue(v)
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return Result{}, errs.Wrap(err, "iterate rows")
	}
	return res, nil
}

// normalizeValue turns driver-specific values into plain Go types the renderer understands.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	default:
		return v
	}
}

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	var status string
	if err := row.Scan(&j.ID, &j.Name, &j.Owner, &j.DueTime, &j.Query, &status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	j.Status = models.Status(status)
	if !j.Status.Valid() {
		return models.Job{}, errs.Newf("job %d has unknown status %q", j.ID, status)
	}
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errs.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
