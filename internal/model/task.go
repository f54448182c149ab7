package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which handler executes a task.
type Kind string

const (
	KindConfigToolRun       Kind = "config_tool_run"
	KindCurrentVoltageSweep Kind = "current_voltage_sweep"
	KindVoltageMonitor      Kind = "voltage_monitor"
	KindSettingSweepReadout Kind = "setting_sweep_current"
)

// kindAliases maps the type tags used by the original lab catalogs.
var kindAliases = map[string]Kind{
	"ph2_acf":     KindConfigToolRun,
	"iv":          KindCurrentVoltageSweep,
	"vmonitor":    KindVoltageMonitor,
	"curr_vs_dac": KindSettingSweepReadout,
}

// ParseKind resolves a catalog type tag, accepting both canonical names and
// the legacy aliases.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindConfigToolRun, KindCurrentVoltageSweep, KindVoltageMonitor, KindSettingSweepReadout:
		return k, nil
	}
	if k, ok := kindAliases[strings.ToLower(s)]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Task is one immutable unit of work in a campaign.
type Task struct {
	Name string
	Spec TaskSpec
}

func (t Task) Kind() Kind {
	if t.Spec == nil {
		return ""
	}
	return t.Spec.Kind()
}

// TaskSpec is implemented only by the four task variants below.
type TaskSpec interface {
	Kind() Kind
	isTaskSpec()
}

// ParameterGroup is one sweep axis: every key receives the same value at a
// given sweep point.
type ParameterGroup struct {
	Table  string
	Keys   []string
	Values []any
	Label  string
}

// ColumnLabel names the group in measurement CSV headers.
func (g ParameterGroup) ColumnLabel() string {
	if g.Label != "" {
		return g.Label
	}
	if len(g.Keys) > 0 {
		return g.Keys[0]
	}
	return g.Table
}

type ConfigToolRun struct {
	ConfigFile   string
	Tools        []string
	UpdateConfig bool
	Params       []ParameterGroup
	Timeout      time.Duration
	MaxAttempts  int
}

type CurrentVoltageSweep struct {
	ConfigFile   string // optional; empty runs on the chip defaults
	StartCurrent float64
	FinalCurrent float64
	CurrentStep  float64
}

type VoltageMonitorSnapshot struct{}

type SettingSweepWithCurrentReadout struct {
	ConfigFile   string
	Channel      int
	UpdateConfig bool
	Params       []ParameterGroup
	ReadoutLabel string
}

func (ConfigToolRun) Kind() Kind                  { return KindConfigToolRun }
func (CurrentVoltageSweep) Kind() Kind            { return KindCurrentVoltageSweep }
func (VoltageMonitorSnapshot) Kind() Kind         { return KindVoltageMonitor }
func (SettingSweepWithCurrentReadout) Kind() Kind { return KindSettingSweepReadout }

func (ConfigToolRun) isTaskSpec()                  {}
func (CurrentVoltageSweep) isTaskSpec()            {}
func (VoltageMonitorSnapshot) isTaskSpec()         {}
func (SettingSweepWithCurrentReadout) isTaskSpec() {}

// EnvironmentSensitive reports whether the thermistor watchdog must be
// paused while the task measures on the shared bus.
func (t Task) EnvironmentSensitive() bool {
	switch t.Spec.(type) {
	case CurrentVoltageSweep, VoltageMonitorSnapshot:
		return true
	}
	return false
}
