// Package runner launches the DAQ executable with a deadline and retries
// failed runs, power cycling the device on later attempts.
package runner

import (
	"context"
	"time"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/runlog"
)

const (
	// StatusTerminated marks a run killed at its deadline.
	StatusTerminated = -1
	// StatusLaunchFailed marks a run whose process never started.
	StatusLaunchFailed = -2
)

// DevicePower switches the device under test. Implemented by the power
// supply driver.
type DevicePower interface {
	PowerOff(ctx context.Context) error
	PowerOn(ctx context.Context) error
}

// Recorder receives every attempt and the terminal failure record.
type Recorder interface {
	Attempt(a runlog.Attempt) error
	Failed(task, tool string, attempts int, outputDir string, labels []string) error
}

// Policy bounds one retried run.
type Policy struct {
	Timeout        time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	PowerCycleFrom int // zero-based attempt index
	Settle         time.Duration
}

func PolicyFromConfig(cfg model.RetryConfig) Policy {
	from := model.DefaultPowerCycleFromAttempt
	if cfg.PowerCycleFromAttempt != nil {
		from = *cfg.PowerCycleFromAttempt
	}
	return Policy{
		Timeout:        time.Duration(cfg.TimeoutSec) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
		Backoff:        time.Duration(cfg.BackoffMs) * time.Millisecond,
		PowerCycleFrom: from,
		Settle:         time.Duration(cfg.PowerCycleSettleMs) * time.Millisecond,
	}
}

// Request describes one (task, tool, point) run.
type Request struct {
	Task         string
	ConfigFile   string
	Tool         string
	UpdateConfig bool
	OutputDir    string
	Labels       []string
	Timeout      time.Duration // zero uses the policy timeout
	MaxAttempts  int           // zero uses the policy attempts
}

// Outcome of a retried run. Status is the last attempt's exit status.
type Outcome struct {
	Success  bool
	Status   int
	Attempts int
}

type Runner struct {
	daq      model.DAQConfig
	policy   Policy
	launcher Launcher
	power    DevicePower
	rec      Recorder
	log      *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds a Runner. power may be nil when no controller is present.
func New(daq model.DAQConfig, policy Policy, launcher Launcher, power DevicePower, rec Recorder, log *logging.Logger) *Runner {
	return &Runner{
		daq:      daq,
		policy:   policy,
		launcher: launcher,
		power:    power,
		rec:      rec,
		log:      log.With("runner"),
		sleep:    sleepCtx,
	}
}

// Args builds the DAQ command line for a tool run.
func (r *Runner) Args(req Request) []string {
	args := []string{r.daq.Executable, "-f", req.ConfigFile, "-t", r.daq.ToolsFile}
	if r.daq.Headless {
		args = append(args, "-h")
	}
	if req.UpdateConfig {
		args = append(args, "-s")
	}
	if req.OutputDir != "" {
		args = append(args, "-o", req.OutputDir)
	}
	if req.Tool != "" {
		args = append(args, req.Tool)
	}
	return args
}

// Run executes a tool run with retries. The returned error is non-nil only
// when ctx is cancelled; exhausted retries are reported in Outcome.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.policy.Timeout
	}
	return r.retry(ctx, req, Invocation{Args: r.Args(req), Dir: r.daq.WorkDir, Timeout: timeout})
}

// Configure loads a configuration onto the device without running a tool,
// under the same retry policy with the short configure timeout.
func (r *Runner) Configure(ctx context.Context, task, configFile string) (Outcome, error) {
	req := Request{Task: task, ConfigFile: configFile}
	inv := Invocation{
		Args:    []string{r.daq.Executable, "-f", configFile},
		Dir:     r.daq.WorkDir,
		Timeout: time.Duration(r.daq.ConfigureTimeoutSec) * time.Second,
	}
	return r.retry(ctx, req, inv)
}

func (r *Runner) retry(ctx context.Context, req Request, inv Invocation) (Outcome, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.policy.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var out Outcome
	for i := 0; i < maxAttempts; i++ {
		if i > 0 {
			if err := r.sleep(ctx, r.policy.Backoff); err != nil {
				return out, err
			}
		}
		if i >= r.policy.PowerCycleFrom && r.power != nil {
			if err := r.powerCycle(ctx); err != nil {
				return out, err
			}
		}

		status, err := r.launcher.Launch(ctx, inv)
		out.Attempts = i + 1
		out.Status = status
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if err != nil {
			r.log.Warnf("task=%s tool=%s attempt=%d launch error: %v", req.Task, req.Tool, i, err)
		}
		r.record(runlog.Attempt{
			Task:      req.Task,
			Tool:      req.Tool,
			Status:    status,
			Attempt:   i,
			OutputDir: req.OutputDir,
			Labels:    req.Labels,
		})
		if status == 0 {
			out.Success = true
			r.log.Infof("task=%s tool=%s attempt=%d ok", req.Task, req.Tool, i)
			return out, nil
		}
		r.log.Warnf("task=%s tool=%s attempt=%d status=%d", req.Task, req.Tool, i, status)
	}

	if r.rec != nil {
		if err := r.rec.Failed(req.Task, req.Tool, out.Attempts, req.OutputDir, req.Labels); err != nil {
			r.log.Errorf("run log: %v", err)
		}
	}
	r.log.Errorf("task=%s tool=%s failed after %d attempts", req.Task, req.Tool, out.Attempts)
	return out, nil
}

// powerCycle turns the device off and back on. Controller errors are
// logged; only cancellation stops the run.
func (r *Runner) powerCycle(ctx context.Context) error {
	r.log.Infof("power cycling device")
	if err := r.power.PowerOff(ctx); err != nil {
		r.log.Errorf("power off: %v", err)
	}
	if err := r.sleep(ctx, r.policy.Settle); err != nil {
		return err
	}
	if err := r.power.PowerOn(ctx); err != nil {
		r.log.Errorf("power on: %v", err)
	}
	return nil
}

func (r *Runner) record(a runlog.Attempt) {
	if r.rec == nil {
		return
	}
	if err := r.rec.Attempt(a); err != nil {
		r.log.Errorf("run log: %v", err)
	}
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
