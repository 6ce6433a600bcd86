package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/models"
)

// SQLite persists jobs in a single-file database. Timestamps are unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path with a bounded connection pool
// and applies migrations.
func NewSQLite(ctx context.Context, path string, maxConns int) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.Malformedf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, "create sqlite dir")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(err, "open sqlite")
	}
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	st := NewSQLiteFromDB(db)
	if err := runMigrations(ctx, "sqlite", st); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// NewSQLiteFromDB wraps an already-open handle without running migrations.
func NewSQLiteFromDB(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) exec(ctx context.Context, q string) error {
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *SQLite) Insert(ctx context.Context, j models.NewJob) (models.Job, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (name, owner, due_time, query, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.Name, j.Owner, toMillis(j.DueTime), j.Query, string(models.StatusRegistered), toMillis(now), toMillis(now))
	if err != nil {
		return models.Job{}, errs.Wrap(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Job{}, errs.Wrap(err, "insert job id")
	}
	return models.Job{
		ID:        id,
		Name:      j.Name,
		Owner:     j.Owner,
		DueTime:   fromMillis(toMillis(j.DueTime)),
		Query:     j.Query,
		Status:    models.StatusRegistered,
		CreatedAt: fromMillis(toMillis(now)),
		UpdatedAt: fromMillis(toMillis(now)),
	}, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errs.Is(err, sql.ErrNoRows) {
		return models.Job{}, errs.NotFoundf("job %d not found", id)
	}
	if err != nil {
		return models.Job{}, errs.Wrapf(err, "get job %d", id)
	}
	return job, nil
}

func (s *SQLite) List(ctx context.Context, owner string) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (? = '' OR owner = ?)
		ORDER BY id`, owner, owner)
	if err != nil {
		return nil, errs.Wrap(err, "list jobs")
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLite) TransitionStatus(ctx context.Context, id int64, from []models.Status, to models.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), toMillis(time.Now()), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	q := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(", ?", len(from)-1) + `)`
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, errs.Wrapf(err, "transition job %d to %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func (s *SQLite) AppendLog(ctx context.Context, e models.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, run_id, log_time, status, message) VALUES (?, ?, ?, ?, ?)`,
		e.JobID, e.RunID, toMillis(time.Now()), string(e.Status), e.Message)
	if err != nil {
		return errs.Wrapf(err, "append log for job %d", e.JobID)
	}
	return nil
}

func (s *SQLite) Logs(ctx context.Context, jobID int64) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, run_id, log_time, status, message
		FROM job_logs WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, errs.Wrapf(err, "list logs for job %d", jobID)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		e, err := scanSQLiteLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) LatestLog(ctx context.Context, jobID int64) (models.LogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, run_id, log_time, status, message
		FROM job_logs WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID)
	e, err := scanSQLiteLog(row)
	if errs.Is(err, sql.ErrNoRows) {
		return models.LogEntry{}, false, nil
	}
	if err != nil {
		return models.LogEntry{}, false, errs.Wrapf(err, "latest log for job %d", jobID)
	}
	return e, true, nil
}

func (s *SQLite) ListDue(ctx context.Context, start, end time.Time, status models.Status) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND due_time >= ? AND due_time < ?
		ORDER BY due_time, id`, string(status), toMillis(start), toMillis(end))
	if err != nil {
		return nil, errs.Wrap(err, "list due jobs")
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLite) ListStale(ctx context.Context, status models.Status, before time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY id`, string(status), toMillis(before))
	if err != nil {
		return nil, errs.Wrap(err, "list stale jobs")
	}
	return collectSQLiteJobs(rows)
}

// ExecuteQuery runs query on a dedicated connection with query_only enabled so
// the statement cannot write.
func (s *SQLite) ExecuteQuery(ctx context.Context, query string) (Result, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Result{}, errs.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		return Result{}, errs.Wrap(err, "enable query_only")
	}
	defer restoreWritable(conn)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return Result{}, errs.Wrap(err, "execute query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, errs.Wrap(err, "read columns")
	}
	res := Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
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

// restoreWritable turns query_only back off before conn returns to the pool. A
// connection that stays read-only is discarded instead.
func restoreWritable(conn *sql.Conn) {
	if _, err := conn.ExecContext(context.Background(), `PRAGMA query_only = OFF`); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (models.Job, error) {
	var j models.Job
	var status string
	var due, created, updated int64
	if err := row.Scan(&j.ID, &j.Name, &j.Owner, &due, &j.Query, &status, &created, &updated); err != nil {
		return models.Job{}, err
	}
	j.DueTime = fromMillis(due)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.Status = models.Status(status)
	if !j.Status.Valid() {
		return models.Job{}, errs.Newf("job %d has unknown status %q", j.ID, status)
	}
	return j, nil
}

func scanSQLiteLog(row scanner) (models.LogEntry, error) {
	var e models.LogEntry
	var status string
	var at int64
	if err := row.Scan(&e.ID, &e.JobID, &e.RunID, &at, &status, &e.Message); err != nil {
		return models.LogEntry{}, err
	}
	e.LogTime = fromMillis(at)
	e.Status = models.Status(status)
	return e, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, errs.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
