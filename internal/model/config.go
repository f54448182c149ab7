// Package model defines the data structures for the campaign configuration, task catalog, and campaign state.
package model

type Config struct {
	Project     ProjectConfig          `yaml:"project"`
	DAQ         DAQConfig              `yaml:"daq"`
	Retry       RetryConfig            `yaml:"retry"`
	Campaign    CampaignConfig         `yaml:"campaign"`
	Campaigns   map[string]CampaignDef `yaml:"campaigns"`
	Watchdogs   WatchdogsConfig        `yaml:"watchdogs"`
	Instruments InstrumentsConfig      `yaml:"instruments"`
	XRay        XRayConfig             `yaml:"xray"`
	Notify      NotifyConfig           `yaml:"notify"`
	Metrics     MetricsConfig          `yaml:"metrics"`
	Logging     LoggingConfig          `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Created     string `yaml:"created"`
}

// DAQConfig describes how the chip-configuration/DAQ executable is invoked.
type DAQConfig struct {
	Executable          string `yaml:"executable"`
	ToolsFile           string `yaml:"tools_file"`
	WorkDir             string `yaml:"work_dir"`
	ResultsDir          string `yaml:"results_dir"`
	Headless            bool   `yaml:"headless"`
	ConfigureTimeoutSec int    `yaml:"configure_timeout_sec"`
	ValueResolver       string `yaml:"value_resolver"` // "passthrough" or "csv_matrix"
}

// DefaultPowerCycleFromAttempt is the first zero-based attempt preceded by a
// device power cycle when the config leaves it unset.
const DefaultPowerCycleFromAttempt = 2

type RetryConfig struct {
	TimeoutSec  int `yaml:"timeout_sec"`
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms"`
	// PowerCycleFromAttempt is a zero-based attempt index. An explicit 0
	// power cycles before every attempt, so nil marks it unset.
	PowerCycleFromAttempt *int `yaml:"power_cycle_from_attempt"`
	PowerCycleSettleMs    int  `yaml:"power_cycle_settle_ms"`
}

type CampaignConfig struct {
	TaskSpacingMs      int            `yaml:"task_spacing_ms"`
	MainIntervals      []IntervalStep `yaml:"main_intervals"`
	FatalOnTaskFailure bool           `yaml:"fatal_on_task_failure"`
	ReloadCatalogs     bool           `yaml:"reload_catalogs"`
}

// IntervalStep applies IntervalHours while the main-batch repetition count is
// below UntilRepetition. UntilRepetition 0 marks the open-ended last step.
type IntervalStep struct {
	UntilRepetition int     `yaml:"until_repetition"`
	IntervalHours   float64 `yaml:"interval_hours"`
}

// CampaignDef names the catalogs a campaign runs.
type CampaignDef struct {
	Base   string `yaml:"base"`
	Main   string `yaml:"main,omitempty"`
	Repeat bool   `yaml:"repeat"`
	XRay   bool   `yaml:"xray"`
}

type WatchdogsConfig struct {
	Temperature            WatchdogConfig `yaml:"temperature"`
	Thermistor             WatchdogConfig `yaml:"thermistor"`
	MaxUnreachable         int            `yaml:"max_unreachable"`
	MaxOutOfBounds         int            `yaml:"max_out_of_bounds"`
	UnreachableWaitSec     int            `yaml:"unreachable_wait_sec"`
	OutOfBoundsCooldownSec int            `yaml:"out_of_bounds_cooldown_sec"`
}

type WatchdogConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command []string `yaml:"command,omitempty"`
	LogFile string   `yaml:"log_file"`

	// Used by the watchdog programs themselves.
	Port           string  `yaml:"port"`
	Baud           int     `yaml:"baud"`
	Target         float64 `yaml:"target"`
	Tolerance      float64 `yaml:"tolerance"`
	Min            float64 `yaml:"min"`
	Max            float64 `yaml:"max"`
	IntervalSec    float64 `yaml:"interval_sec"`
	MaxViolations  int     `yaml:"max_violations"`
	MaxReconnects  int     `yaml:"max_reconnects"`
	ReadTimeoutSec int     `yaml:"read_timeout_sec"`

	// Thermistor model: R(T) = R25 * exp(Beta * (1/T - 1/298.15)).
	Beta float64 `yaml:"beta,omitempty"`
	R25  float64 `yaml:"r25,omitempty"`
}

type InstrumentsConfig struct {
	PowerSupply PowerSupplyConfig `yaml:"power_supply"`
	Multimeter  TransportConfig   `yaml:"multimeter"`
	RelayBoard  RelayBoardConfig  `yaml:"relay_board"`
}

// TransportConfig selects how a SCPI instrument is reached: "serial" talks
// line-terminated SCPI on Port directly, "prologix" goes through a Prologix
// GPIB controller on Port at GPIBAddress.
type TransportConfig struct {
	Transport   string `yaml:"transport"`
	Port        string `yaml:"port"`
	Baud        int    `yaml:"baud"`
	GPIBAddress int    `yaml:"gpib_address"`
	TimeoutMs   int    `yaml:"timeout_ms"`
}

type PowerSupplyConfig struct {
	TransportConfig `yaml:",inline"`
	Channels        int     `yaml:"channels"`
	Voltage         float64 `yaml:"voltage"`
	Current         float64 `yaml:"current"`
	ComplianceVolt  float64 `yaml:"compliance_voltage"`
}

type RelayBoardConfig struct {
	Port  string `yaml:"port"`
	Port2 string `yaml:"port2"`
	Baud  int    `yaml:"baud"`
}

type XRayConfig struct {
	Port            string  `yaml:"port"`
	Baud            int     `yaml:"baud"`
	VoltageKV       float64 `yaml:"voltage_kv"`
	CurrentMA       float64 `yaml:"current_ma"`
	Shutter         int     `yaml:"shutter"`
	MaxPowerCycles  int     `yaml:"max_power_cycles"`
	PowerCycleWaitS int     `yaml:"power_cycle_wait_sec"`
}

type NotifyConfig struct {
	Enabled bool        `yaml:"enabled"`
	Desktop bool        `yaml:"desktop"`
	Email   EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled   bool     `yaml:"enabled"`
	FromName  string   `yaml:"from_name"`
	From      string   `yaml:"from"`
	To        []string `yaml:"to"`
	APIKeyEnv string   `yaml:"api_key_env"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
