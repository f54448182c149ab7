package campaign

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/msageha/croc_campaign/internal/catalog"
	"github.com/msageha/croc_campaign/internal/dispatch"
	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/lock"
	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/metrics"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/notify"
	"github.com/msageha/croc_campaign/internal/runlog"
	"github.com/msageha/croc_campaign/internal/runner"
	"github.com/msageha/croc_campaign/internal/store"
	"github.com/msageha/croc_campaign/internal/sweep"
	"github.com/msageha/croc_campaign/internal/uds"
	"github.com/msageha/croc_campaign/internal/watchdog"
)

// RunConfig selects a campaign and the workspace it runs in.
type RunConfig struct {
	CampaignDir string
	Config      model.Config
	Campaign    string
	DryRun      bool
	Executable  string // re-executed for the default watchdog commands
	Stderr      io.Writer
	Getenv      func(string) string
}

// Execute wires the instruments, runner, watchdogs and control socket for
// one campaign and runs it until it ends.
func Execute(rc RunConfig) error {
	cfg := model.ApplyDefaults(rc.Config)
	def, ok := cfg.Campaigns[rc.Campaign]
	if !ok {
		return fmt.Errorf("unknown campaign %q (configured: %s)", rc.Campaign, strings.Join(CampaignNames(cfg), ", "))
	}
	dir := rc.CampaignDir

	// Step 1: single instance per workspace
	fl := lock.NewFileLock(filepath.Join(dir, "locks", "campaign.lock"))
	if err := fl.TryLock(); err != nil {
		return fmt.Errorf("campaign lock: %w", err)
	}
	defer fl.Unlock()

	// Step 2: logs
	var extra []io.Writer
	if rc.Stderr != nil {
		extra = append(extra, rc.Stderr)
	}
	log, logFile, err := logging.OpenFile(dir, "campaign.log", logging.ParseLevel(cfg.Logging.Level), extra...)
	if err != nil {
		return err
	}
	defer logFile.Close()

	runLog, err := runlog.Open(filepath.Join(dir, "log.csv"))
	if err != nil {
		return err
	}
	defer runLog.Close()

	// Step 3: catalogs
	base, err := loadBatch(dir, "base", def.Base)
	if err != nil {
		return err
	}
	var mainBatch Batch
	if def.Main != "" {
		if mainBatch, err = loadBatch(dir, "main", def.Main); err != nil {
			return err
		}
	}

	// Step 4: instruments
	var bench *instrument.Bench
	if rc.DryRun {
		log.Infof("dry run: simulated instruments, DAQ not launched, watchdogs disabled")
		bench = instrument.SimBench(cfg, runLog, def.XRay)
	} else {
		bench, err = instrument.OpenBench(cfg, runLog, def.XRay)
		if err != nil {
			return fmt.Errorf("open instruments: %w", err)
		}
	}
	defer bench.Close()

	// Step 5: DAQ runner and dispatcher
	m := metrics.New()
	daqLog, err := os.OpenFile(filepath.Join(dir, "logs", "daq.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open daq log: %w", err)
	}
	defer daqLog.Close()
	var launcher runner.Launcher = &runner.ExecLauncher{Output: daqLog}
	if rc.DryRun {
		launcher = &runner.EchoLauncher{Output: daqLog}
	}
	resolver, err := store.NewValueResolver(cfg.DAQ.ValueResolver, cfg.DAQ.WorkDir)
	if err != nil {
		return err
	}
	rec := attemptRecorder{Logger: runLog, metrics: m}
	run := runner.New(cfg.DAQ, runner.PolicyFromConfig(cfg.Retry), launcher, bench.Supply, rec, log)
	disp := dispatch.New(dispatch.Options{
		DAQ:               cfg.DAQ,
		Executor:          run,
		Expander:          sweep.NewExpander(resolver, log),
		Supply:            bench.Supply,
		Panel:             bench.Panel,
		ComplianceVoltage: cfg.Instruments.PowerSupply.ComplianceVolt,
		Log:               log,
	})

	// Step 6: watchdogs
	var c *Campaign
	sup := watchdog.NewSupervisor(watchdog.Options{
		Names:    enabledWatchdogs(cfg, rc.DryRun),
		Spawn:    watchdog.CommandSpawner(watchdogCommands(cfg, rc.Executable), filepath.Dir(dir), filepath.Join(dir, "logs")),
		Limits:   watchdog.LimitsFromConfig(cfg.Watchdogs),
		Power:    bench.Supply,
		Events:   runLog,
		Observer: m,
		OnPower:  func(on bool) { c.SetDevicePowered(on) },
		Log:      log,
	})

	// Step 7: notification
	getenv := rc.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	notifier, err := notify.FromConfig(cfg.Notify, getenv, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	// Step 8: background producers
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.Errorf("metrics: %v", err)
			}
		}()
	}
	var watcher *catalog.Watcher
	if cfg.Campaign.ReloadCatalogs {
		paths := []string{base.Path}
		if mainBatch.Path != "" {
			paths = append(paths, mainBatch.Path)
		}
		watcher, err = catalog.NewWatcher(log, paths...)
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.Start(ctx)
	}

	c = New(Options{
		Name:        rc.Campaign,
		Def:         def,
		Config:      cfg,
		CampaignDir: dir,
		Base:        base,
		Main:        mainBatch,
		Dispatcher:  disp,
		Supervisor:  sup,
		Supply:      bench.Supply,
		XRay:        bench.XRay,
		Events:      runLog,
		RunLogPath:  runLog.Path(),
		Notifier:    notifier,
		Metrics:     m,
		Watcher:     watcher,
		Log:         log,
	})

	// Step 9: control socket
	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), log)
	c.Register(server)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer server.Stop()

	// Step 10: run until done or signalled
	go waitSignals(cancel, done, log)
	return c.Run(ctx)
}

// waitSignals cancels the campaign on the first SIGINT/SIGTERM. A second
// signal exits immediately.
func waitSignals(cancel context.CancelFunc, done <-chan struct{}, log *logging.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-done:
		return
	case sig := <-sigCh:
		log.Infof("received signal=%s, powering down", sig)
		cancel()
	}

	select {
	case <-done:
	case <-sigCh:
		log.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}
}

func loadBatch(campaignDir, name, ref string) (Batch, error) {
	path := catalog.Path(campaignDir, ref)
	tasks, err := catalog.Load(path)
	if err != nil {
		return Batch{}, fmt.Errorf("%s catalog: %w", name, err)
	}
	return Batch{Name: name, Path: path, Tasks: tasks}, nil
}

// CampaignNames lists the configured campaigns in sorted order.
func CampaignNames(cfg model.Config) []string {
	names := make([]string, 0, len(cfg.Campaigns))
	for name := range cfg.Campaigns {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func enabledWatchdogs(cfg model.Config, dryRun bool) []string {
	if dryRun {
		return nil
	}
	var names []string
	if cfg.Watchdogs.Temperature.Enabled {
		names = append(names, watchdog.Temperature)
	}
	if cfg.Watchdogs.Thermistor.Enabled {
		names = append(names, watchdog.Thermistor)
	}
	return names
}

// watchdogCommands uses the configured command lines, defaulting to this
// binary's own watchdog programs.
func watchdogCommands(cfg model.Config, exe string) map[string][]string {
	cmds := map[string][]string{
		watchdog.Temperature: {exe, "watchdog", "peltier"},
		watchdog.Thermistor:  {exe, "watchdog", "thermistor"},
	}
	if c := cfg.Watchdogs.Temperature.Command; len(c) > 0 {
		cmds[watchdog.Temperature] = c
	}
	if c := cfg.Watchdogs.Thermistor.Command; len(c) > 0 {
		cmds[watchdog.Thermistor] = c
	}
	return cmds
}

// attemptRecorder counts attempts by outcome on their way to the run log.
type attemptRecorder struct {
	*runlog.Logger
	metrics *metrics.Metrics
}

func (r attemptRecorder) Attempt(a runlog.Attempt) error {
	r.metrics.RecordAttempt(attemptOutcome(a.Status))
	return r.Logger.Attempt(a)
}

func attemptOutcome(status int) string {
	switch status {
	case 0:
		return "ok"
	case runner.StatusTerminated:
		return "timeout"
	case runner.StatusLaunchFailed:
		return "launch_failed"
	default:
		return "failed"
	}
}
