package model

// ApplyDefaults fills zero-valued policy fields with the values the lab
// procedures were tuned for.
func ApplyDefaults(cfg Config) Config {
	if cfg.DAQ.Executable == "" {
		cfg.DAQ.Executable = "RD53BminiDAQ"
	}
	if cfg.DAQ.ToolsFile == "" {
		cfg.DAQ.ToolsFile = "RD53BTools.toml"
	}
	if cfg.DAQ.ResultsDir == "" {
		cfg.DAQ.ResultsDir = "results"
	}
	if cfg.DAQ.ConfigureTimeoutSec <= 0 {
		cfg.DAQ.ConfigureTimeoutSec = 5
	}
	if cfg.DAQ.ValueResolver == "" {
		cfg.DAQ.ValueResolver = "passthrough"
	}

	if cfg.Retry.TimeoutSec <= 0 {
		cfg.Retry.TimeoutSec = 600
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BackoffMs <= 0 {
		cfg.Retry.BackoffMs = 1000
	}
	if cfg.Retry.PowerCycleFromAttempt == nil {
		from := DefaultPowerCycleFromAttempt
		cfg.Retry.PowerCycleFromAttempt = &from
	}
	if cfg.Retry.PowerCycleSettleMs <= 0 {
		cfg.Retry.PowerCycleSettleMs = 500
	}

	if cfg.Campaign.TaskSpacingMs <= 0 {
		cfg.Campaign.TaskSpacingMs = 500
	}
	if len(cfg.Campaign.MainIntervals) == 0 {
		cfg.Campaign.MainIntervals = []IntervalStep{
			{UntilRepetition: 10, IntervalHours: 1},
			{UntilRepetition: 100, IntervalHours: 10},
			{UntilRepetition: 0, IntervalHours: 50},
		}
	}

	if cfg.Watchdogs.MaxUnreachable <= 0 {
		cfg.Watchdogs.MaxUnreachable = 3
	}
	if cfg.Watchdogs.MaxOutOfBounds <= 0 {
		cfg.Watchdogs.MaxOutOfBounds = 3
	}
	if cfg.Watchdogs.UnreachableWaitSec <= 0 {
		cfg.Watchdogs.UnreachableWaitSec = 5
	}
	if cfg.Watchdogs.OutOfBoundsCooldownSec <= 0 {
		cfg.Watchdogs.OutOfBoundsCooldownSec = 60
	}
	cfg.Watchdogs.Temperature = watchdogDefaults(cfg.Watchdogs.Temperature, "peltier.log", 0.05)
	cfg.Watchdogs.Thermistor = watchdogDefaults(cfg.Watchdogs.Thermistor, "thermistor.csv", 10)
	if cfg.Watchdogs.Temperature.Tolerance <= 0 {
		cfg.Watchdogs.Temperature.Tolerance = 5
	}
	if cfg.Watchdogs.Thermistor.Beta <= 0 {
		cfg.Watchdogs.Thermistor.Beta = 3435
	}
	if cfg.Watchdogs.Thermistor.R25 <= 0 {
		cfg.Watchdogs.Thermistor.R25 = 10000
	}

	ps := &cfg.Instruments.PowerSupply
	if ps.Channels <= 0 {
		ps.Channels = 2
	}
	if ps.Voltage == 0 {
		ps.Voltage = 1.8
	}
	if ps.Current == 0 {
		ps.Current = 2
	}
	if ps.ComplianceVolt == 0 {
		ps.ComplianceVolt = 2.5
	}

	if cfg.XRay.Shutter <= 0 {
		cfg.XRay.Shutter = 3
	}
	if cfg.XRay.MaxPowerCycles <= 0 {
		cfg.XRay.MaxPowerCycles = 3
	}
	if cfg.XRay.PowerCycleWaitS <= 0 {
		cfg.XRay.PowerCycleWaitS = 10
	}

	if cfg.Notify.Email.APIKeyEnv == "" {
		cfg.Notify.Email.APIKeyEnv = "SENDGRID_API_KEY"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

func watchdogDefaults(w WatchdogConfig, logFile string, intervalSec float64) WatchdogConfig {
	if w.LogFile == "" {
		w.LogFile = logFile
	}
	if w.Baud <= 0 {
		w.Baud = 9600
	}
	if w.IntervalSec <= 0 {
		w.IntervalSec = intervalSec
	}
	if w.MaxViolations <= 0 {
		w.MaxViolations = 5
	}
	if w.MaxReconnects <= 0 {
		w.MaxReconnects = 3
	}
	if w.ReadTimeoutSec <= 0 {
		w.ReadTimeoutSec = 10
	}
	return w
}
