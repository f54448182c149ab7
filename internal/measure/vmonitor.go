package measure

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/msageha/croc_campaign/internal/instrument"
)

const (
	VMonitorFile       = "croc_vmonitor.csv"
	VMonitorTimeLayout = "2006-01-02 15:04:05"
)

// VoltageMonitor appends one timestamped panel sample to the monitor file
// in outDir.
func VoltageMonitor(panel instrument.Sampler, outDir string, now time.Time) (string, error) {
	path := filepath.Join(outDir, VMonitorFile)
	table, err := OpenTable(path, append([]string{"time"}, instrument.PinNames()...))
	if err != nil {
		return "", err
	}
	defer table.Close()

	if err := panel.Prepare(); err != nil {
		return path, fmt.Errorf("prepare panel: %w", err)
	}
	r, err := panel.Sample()
	if err != nil {
		return path, fmt.Errorf("sample panel: %w", err)
	}
	if err := table.Append(floatRow([]string{now.Format(VMonitorTimeLayout)}, r)); err != nil {
		return path, err
	}
	return path, table.Close()
}
