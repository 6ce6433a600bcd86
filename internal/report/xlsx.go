// Package report turns query results into spreadsheet artifacts.
package report

import (
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"report-scheduler/internal/errs"
)

const sheet = "Sheet1"

// Render writes columns and rows to an XLSX file at path, creating parent
// directories. With header set, the first row holds the column names.
func Render(path string, columns []string, rows [][]any, header bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(err, "create output dir")
	}

	f := excelize.NewFile()
	defer f.Close()

	r := 1
	if header {
		names := make([]any, len(columns))
		for i, c := range columns {
			names[i] = c
		}
		if err := setRow(f, r, names); err != nil {
			return err
		}
		r++
	}
	for _, row := range rows {
		if err := setRow(f, r, row); err != nil {
			return err
		}
		r++
	}
	if err := f.SaveAs(path); err != nil {
		return errs.Wrapf(err, "save %s", path)
	}
	return nil
}

func setRow(f *excelize.File, r int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, r)
	if err != nil {
		return errs.Wrap(err, "cell name")
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return errs.Wrapf(err, "write row %d", r)
	}
	return nil
}
