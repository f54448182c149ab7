package measure

import (
	"path/filepath"
	"time"
)

// ReadoutFilePrefix names the files written for setting sweeps with a
// current readout.
const ReadoutFilePrefix = "croc_current_scan_"

// ReadoutTable records one supply current reading per sweep point.
type ReadoutTable struct {
	*Table
}

// OpenReadout creates the readout file in outDir. The header is the column
// label of every swept group followed by readoutLabel.
func OpenReadout(outDir string, columns []string, readoutLabel string, now time.Time) (*ReadoutTable, error) {
	if readoutLabel == "" {
		readoutLabel = "current"
	}
	header := append(append([]string{}, columns...), readoutLabel)
	path := filepath.Join(outDir, ReadoutFilePrefix+now.Format(FileTimeLayout)+".csv")
	t, err := OpenTable(path, header)
	if err != nil {
		return nil, err
	}
	return &ReadoutTable{Table: t}, nil
}

// Record appends the swept values and the measured current.
func (r *ReadoutTable) Record(values []string, current float64) error {
	return r.Append(floatRow(values, []float64{current}))
}
