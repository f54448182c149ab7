package store

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValueResolver turns a declared sweep value into what is written to the
// store.
type ValueResolver interface {
	Resolve(v any) (any, error)
}

// Passthrough writes declared values unchanged. File names such as
// "tdac_preIrradiation.csv" reach the DAQ, which loads them itself.
type Passthrough struct{}

func (Passthrough) Resolve(v any) (any, error) { return v, nil }

// CSVMatrix loads string values ending in .csv as integer matrices, one row
// per line. Other values pass through.
type CSVMatrix struct {
	BaseDir string
}

func (r CSVMatrix) Resolve(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !strings.HasSuffix(strings.ToLower(s), ".csv") {
		return v, nil
	}
	path := s
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.BaseDir, path)
	}
	return readMatrix(path)
}

func readMatrix(path string) ([][]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open matrix: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read matrix %s: %w", path, err)
	}

	rows := make([][]int64, 0, len(records))
	for i, rec := range records {
		row := make([]int64, 0, len(rec))
		for j, cell := range rec {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			n, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix %s row %d col %d: %w", path, i+1, j+1, err)
			}
			row = append(row, n)
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// NewValueResolver maps the daq.value_resolver setting to an implementation.
func NewValueResolver(kind, baseDir string) (ValueResolver, error) {
	switch kind {
	case "", "passthrough":
		return Passthrough{}, nil
	case "csv_matrix":
		return CSVMatrix{BaseDir: baseDir}, nil
	default:
		return nil, fmt.Errorf("unknown value resolver %q", kind)
	}
}
