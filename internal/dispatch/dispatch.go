// Package dispatch routes each catalog task to the handler for its kind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/measure"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/runner"
	"github.com/msageha/croc_campaign/internal/store"
	"github.com/msageha/croc_campaign/internal/sweep"
)

// ErrUnknownKind is returned for a task whose spec has no handler. The
// catalog loader rejects such tasks, so reaching it is a programming error.
var ErrUnknownKind = errors.New("unknown task kind")

// ErrConfiguration marks a missing or malformed descriptor or chip
// configuration. It is never retried.
var ErrConfiguration = errors.New("configuration error")

// DirTimeLayout suffixes per-task output directories.
const DirTimeLayout = "2006_01_02_15_04_05"

// Executor runs the DAQ. Implemented by *runner.Runner.
type Executor interface {
	Run(ctx context.Context, req runner.Request) (runner.Outcome, error)
	Configure(ctx context.Context, task, configFile string) (runner.Outcome, error)
}

// StoreOpener loads the configuration store referenced by an XML
// descriptor.
type StoreOpener func(descriptor string) (sweep.Store, error)

// Result summarises one task.
type Result struct {
	Success   bool
	OutputDir string
	Files     []string
}

type Options struct {
	DAQ               model.DAQConfig
	Executor          Executor
	Expander          *sweep.Expander
	OpenStore         StoreOpener
	Supply            instrument.Supply
	Panel             instrument.Sampler
	ComplianceVoltage float64
	Now               func() time.Time
	Log               *logging.Logger
}

type Dispatcher struct {
	opts Options
	log  *logging.Logger
}

func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OpenStore == nil {
		opts.OpenStore = func(descriptor string) (sweep.Store, error) {
			return store.Open(descriptor, opts.DAQ.WorkDir)
		}
	}
	if opts.Expander == nil {
		opts.Expander = sweep.NewExpander(nil, opts.Log)
	}
	return &Dispatcher{opts: opts, log: opts.Log.With("dispatch")}
}

// Dispatch executes task. A failed run is reported through Result; errors
// are reserved for cancellation, instrument faults, ErrConfiguration and
// ErrUnknownKind.
func (d *Dispatcher) Dispatch(ctx context.Context, task model.Task) (Result, error) {
	d.log.Infof("task=%s kind=%s start", task.Name, task.Kind())
	var (
		res Result
		err error
	)
	switch spec := task.Spec.(type) {
	case model.ConfigToolRun:
		res, err = d.configToolRun(ctx, task.Name, spec)
	case model.CurrentVoltageSweep:
		res, err = d.currentVoltageSweep(ctx, task.Name, spec)
	case model.VoltageMonitorSnapshot:
		res, err = d.voltageMonitor(task.Name)
	case model.SettingSweepWithCurrentReadout:
		res, err = d.settingSweep(ctx, task.Name, spec)
	default:
		return Result{}, fmt.Errorf("task %q: %w: %T", task.Name, ErrUnknownKind, task.Spec)
	}
	if err != nil {
		d.log.Errorf("task=%s error: %v", task.Name, err)
		return res, err
	}
	d.log.Infof("task=%s done success=%t", task.Name, res.Success)
	return res, nil
}

func (d *Dispatcher) configToolRun(ctx context.Context, name string, spec model.ConfigToolRun) (Result, error) {
	outDir, err := d.taskDir(name)
	if err != nil {
		return Result{}, err
	}
	res := Result{OutputDir: outDir}

	var st sweep.Store
	if len(spec.Params) > 0 {
		st, err = d.opts.OpenStore(d.workPath(spec.ConfigFile))
		if err != nil {
			return res, fmt.Errorf("%w: open configuration store: %w", ErrConfiguration, err)
		}
	}

	for _, tool := range spec.Tools {
		err := d.opts.Expander.Run(ctx, st, spec.Params, spec.UpdateConfig, func(ctx context.Context, p sweep.Point) error {
			out, err := d.opts.Executor.Run(ctx, runner.Request{
				Task:         name,
				ConfigFile:   spec.ConfigFile,
				Tool:         tool,
				UpdateConfig: spec.UpdateConfig,
				OutputDir:    outDir,
				Labels:       p.Labels,
				Timeout:      spec.Timeout,
				MaxAttempts:  spec.MaxAttempts,
			})
			res.Success = out.Success
			return err
		})
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (d *Dispatcher) currentVoltageSweep(ctx context.Context, name string, spec model.CurrentVoltageSweep) (Result, error) {
	if spec.ConfigFile != "" {
		out, err := d.opts.Executor.Configure(ctx, name, spec.ConfigFile)
		if err != nil {
			return Result{}, err
		}
		if !out.Success {
			d.log.Warnf("task=%s configure failed, skipping sweep", name)
			return Result{}, nil
		}
	}
	outDir, err := d.taskDir(name)
	if err != nil {
		return Result{}, err
	}
	path, err := measure.IVSweep(ctx, d.opts.Supply, d.opts.Panel, measure.IVOptions{
		OutputDir:         outDir,
		StartCurrent:      spec.StartCurrent,
		FinalCurrent:      spec.FinalCurrent,
		CurrentStep:       spec.CurrentStep,
		ComplianceVoltage: d.opts.ComplianceVoltage,
		Now:               d.opts.Now,
		Log:               d.opts.Log,
	})
	res := Result{OutputDir: outDir}
	if path != "" {
		res.Files = append(res.Files, path)
	}
	if err != nil {
		return res, fmt.Errorf("iv sweep: %w", err)
	}
	res.Success = true
	return res, nil
}

func (d *Dispatcher) voltageMonitor(name string) (Result, error) {
	outDir := d.resultsRoot()
	path, err := measure.VoltageMonitor(d.opts.Panel, outDir, d.opts.Now())
	res := Result{OutputDir: outDir, Files: []string{path}}
	if err != nil {
		return res, fmt.Errorf("voltage monitor %s: %w", name, err)
	}
	res.Success = true
	return res, nil
}

func (d *Dispatcher) settingSweep(ctx context.Context, name string, spec model.SettingSweepWithCurrentReadout) (Result, error) {
	outDir, err := d.taskDir(name)
	if err != nil {
		return Result{}, err
	}
	st, err := d.opts.OpenStore(d.workPath(spec.ConfigFile))
	if err != nil {
		return Result{OutputDir: outDir}, fmt.Errorf("%w: open configuration store: %w", ErrConfiguration, err)
	}

	columns := make([]string, len(spec.Params))
	for i, g := range spec.Params {
		columns[i] = g.ColumnLabel()
	}
	table, err := measure.OpenReadout(outDir, columns, spec.ReadoutLabel, d.opts.Now())
	if err != nil {
		return Result{OutputDir: outDir}, err
	}
	defer table.Close()

	res := Result{OutputDir: outDir, Files: []string{table.Path()}, Success: true}
	err = d.opts.Expander.Run(ctx, st, spec.Params, spec.UpdateConfig, func(ctx context.Context, p sweep.Point) error {
		out, err := d.opts.Executor.Configure(ctx, name, spec.ConfigFile)
		if err != nil {
			return err
		}
		if !out.Success {
			d.log.Warnf("task=%s point=%v configure failed, no reading", name, p.Labels)
			res.Success = false
			return nil
		}
		current, err := d.opts.Supply.ReadCurrent(spec.Channel)
		if err != nil {
			return fmt.Errorf("read channel %d current: %w", spec.Channel, err)
		}
		values := make([]string, len(p.Values))
		for i, v := range p.Values {
			values[i] = sweep.FormatValue(v)
		}
		return table.Record(values, current)
	})
	if err != nil {
		res.Success = false
		return res, err
	}
	return res, table.Close()
}

// taskDir creates <results>/<name>_<timestamp>.
func (d *Dispatcher) taskDir(name string) (string, error) {
	dir := filepath.Join(d.resultsRoot(), name+"_"+d.opts.Now().Format(DirTimeLayout))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

func (d *Dispatcher) resultsRoot() string {
	return d.workPath(d.opts.DAQ.ResultsDir)
}

// workPath resolves p against the DAQ working directory, where the DAQ
// itself resolves relative paths.
func (d *Dispatcher) workPath(p string) string {
	if p == "" || filepath.IsAbs(p) || d.opts.DAQ.WorkDir == "" {
		return p
	}
	return filepath.Join(d.opts.DAQ.WorkDir, p)
}
