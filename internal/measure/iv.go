package measure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/logging"
)

// IVFilePrefix names the files written by IVSweep.
const IVFilePrefix = "croc_vi_curves_"

// FileTimeLayout stamps measurement file names.
const FileTimeLayout = "20060102-150405"

// IVOptions parameterises a current-voltage sweep.
type IVOptions struct {
	OutputDir    string
	StartCurrent float64
	FinalCurrent float64
	CurrentStep  float64
	// ComplianceVoltage is applied to every channel for the duration of
	// the sweep.
	ComplianceVoltage float64
	Now               func() time.Time
	Log               *logging.Logger
}

// Currents returns the half-open range [start, final) in steps of step.
// The sign of step is corrected when it points away from final.
func Currents(start, final, step float64) ([]float64, error) {
	if step == 0 || math.IsNaN(step) {
		return nil, fmt.Errorf("current step must be non-zero")
	}
	if (final < start && step > 0) || (final > start && step < 0) {
		step = -step
	}
	n := int(math.Ceil((final-start)/step - 1e-9))
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out, nil
}

type setPoint struct {
	voltage float64
	current float64
}

// IVSweep steps the input current on every supply channel, samples the
// panel at each step and writes one row per step. The supply's original
// voltage and current set-points are restored on every exit path.
func IVSweep(ctx context.Context, supply instrument.Supply, panel instrument.Sampler, opts IVOptions) (path string, err error) {
	currents, err := Currents(opts.StartCurrent, opts.FinalCurrent, opts.CurrentStep)
	if err != nil {
		return "", err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	compliance := opts.ComplianceVoltage
	if compliance == 0 {
		compliance = 2.5
	}
	log := opts.Log.With("iv")

	channels := supply.Channels()
	saved := make([]setPoint, channels)
	for ch := 1; ch <= channels; ch++ {
		v, err := supply.Voltage(ch)
		if err != nil {
			return "", fmt.Errorf("read channel %d voltage: %w", ch, err)
		}
		a, err := supply.Current(ch)
		if err != nil {
			return "", fmt.Errorf("read channel %d current: %w", ch, err)
		}
		saved[ch-1] = setPoint{voltage: v, current: a}
	}
	defer func() {
		for ch := 1; ch <= channels; ch++ {
			sp := saved[ch-1]
			if rerr := supply.SetVoltage(ch, sp.voltage); rerr != nil {
				err = errors.Join(err, fmt.Errorf("restore channel %d: %w", ch, rerr))
			}
			if rerr := supply.SetCurrent(ch, sp.current); rerr != nil {
				err = errors.Join(err, fmt.Errorf("restore channel %d: %w", ch, rerr))
			}
		}
	}()

	for ch := 1; ch <= channels; ch++ {
		if err := supply.SetCurrent(ch, opts.StartCurrent); err != nil {
			return "", err
		}
		if err := supply.SetVoltage(ch, compliance); err != nil {
			return "", err
		}
	}
	if err := panel.Prepare(); err != nil {
		return "", fmt.Errorf("prepare panel: %w", err)
	}

	path = filepath.Join(opts.OutputDir, IVFilePrefix+now().Format(FileTimeLayout)+".csv")
	table, err := OpenTable(path, append([]string{"Iin"}, instrument.PinNames()...))
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := table.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	log.Infof("sweep %g -> %g A, %d steps, file=%s", opts.StartCurrent, opts.FinalCurrent, len(currents), path)
	for _, current := range currents {
		if err := ctx.Err(); err != nil {
			return path, err
		}
		for ch := 1; ch <= channels; ch++ {
			if err := supply.SetCurrent(ch, current); err != nil {
				return path, err
			}
		}
		r, err := panel.Sample()
		if err != nil {
			return path, fmt.Errorf("sample at %g A: %w", current, err)
		}
		if err := table.Append(floatRow([]string{formatFloat(current)}, r)); err != nil {
			return path, err
		}
	}
	return path, nil
}
