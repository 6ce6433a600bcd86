package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"report-scheduler/internal/errs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// migrations returns the embedded SQL scripts for dialect, ordered by file name.
func migrations(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, errs.Wrap(err, "read migrations dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, errs.Wrapf(err, "read migration %s", e.Name())
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			out = append(out, sql)
		}
	}
	return out, nil
}

type execer interface {
	exec(ctx context.Context, sql string) error
}

func runMigrations(ctx context.Context, dialect string, db execer) error {
	scripts, err := migrations(dialect)
	if err != nil {
		return err
	}
	for i, sql := range scripts {
		if err := db.exec(ctx, sql); err != nil {
			return errs.Wrapf(err, "exec %s migration %d", dialect, i+1)
		}
	}
	return nil
}
