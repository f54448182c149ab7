// Package measure writes the measurement CSVs produced by the
// environment-sensitive tasks.
package measure

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// Table is an append-only CSV file whose header is written once, when the
// file is created.
type Table struct {
	path string
	f    *os.File
	w    *csv.Writer
}

// OpenTable opens path for appending, creating parent directories and
// writing header if the file does not exist yet.
func OpenTable(path string, header []string) (*Table, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create measurement dir: %w", err)
	}
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open measurement file: %w", err)
	}
	t := &Table{path: path, f: f, w: csv.NewWriter(f)}
	if isNew {
		if err := t.Append(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) Path() string { return t.path }

// Append writes one row and flushes it to disk.
func (t *Table) Append(row []string) error {
	if err := t.w.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(t.path), err)
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", filepath.Base(t.path), err)
	}
	return nil
}

func (t *Table) Close() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.f.Close()
		return err
	}
	return t.f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func floatRow(prefix []string, values []float64) []string {
	row := make([]string, 0, len(prefix)+len(values))
	row = append(row, prefix...)
	for _, v := range values {
		row = append(row, formatFloat(v))
	}
	return row
}
