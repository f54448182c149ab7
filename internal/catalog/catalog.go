// Package catalog loads and validates the YAML task catalogs a campaign
// runs.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/croc_campaign/internal/model"
	yamlutil "github.com/msageha/croc_campaign/internal/yaml"
)

// File is the on-disk catalog document.
type File struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	Description   string      `yaml:"description,omitempty"`
	Tasks         []TaskEntry `yaml:"tasks"`
}

// TaskEntry is one catalog row. Which fields apply depends on Type.
type TaskEntry struct {
	Name         string       `yaml:"name"`
	Type         string       `yaml:"type"`
	ConfigFile   string       `yaml:"config_file,omitempty"`
	Tools        []string     `yaml:"tools,omitempty"`
	UpdateConfig bool         `yaml:"update_config,omitempty"`
	Params       []ParamEntry `yaml:"params,omitempty"`
	TimeoutSec   int          `yaml:"timeout_sec,omitempty"`
	MaxAttempts  int          `yaml:"max_attempts,omitempty"`

	StartCurrent float64 `yaml:"start_current,omitempty"`
	FinalCurrent float64 `yaml:"final_current,omitempty"`
	CurrentStep  float64 `yaml:"current_step,omitempty"`

	Channel      int    `yaml:"channel,omitempty"`
	ReadoutLabel string `yaml:"readout_label,omitempty"`
}

type ParamEntry struct {
	Table  string   `yaml:"table"`
	Keys   []string `yaml:"keys"`
	Values []any    `yaml:"values"`
	Label  string   `yaml:"label,omitempty"`
}

// Path resolves a catalog reference from config.yaml: bare names are looked
// up under <campaignDir>/catalogs with a .yaml extension.
func Path(campaignDir, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	if !strings.ContainsRune(ref, filepath.Separator) && filepath.Ext(ref) == "" {
		ref += ".yaml"
	}
	if filepath.Dir(ref) == "." {
		return filepath.Join(campaignDir, "catalogs", ref)
	}
	return filepath.Join(campaignDir, ref)
}

// Load reads, validates and converts a catalog file. Validation problems
// are returned as *ValidationErrors.
func Load(path string) ([]model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	tasks, err := Parse(data)
	if ve, ok := err.(*ValidationErrors); ok {
		ve.File = filepath.Base(path)
	}
	return tasks, err
}

// Parse converts catalog YAML into tasks.
func Parse(data []byte) ([]model.Task, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, model.FileTypeTaskCatalog); err != nil {
		return nil, fmt.Errorf("catalog header: %w", err)
	}
	var f File
	if err := yamlv3.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	ve := &ValidationErrors{}
	if len(f.Tasks) == 0 {
		ve.Add("tasks", "must contain at least one task")
	}
	seen := make(map[string]int, len(f.Tasks))
	tasks := make([]model.Task, 0, len(f.Tasks))
	for i, e := range f.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if e.Name == "" {
			ve.Add(path+".name", "required")
		} else if j, dup := seen[e.Name]; dup {
			ve.Addf(path+".name", "duplicate of tasks[%d]", j)
		} else {
			seen[e.Name] = i
		}
		spec := convert(path, e, ve)
		if spec != nil {
			tasks = append(tasks, model.Task{Name: e.Name, Spec: spec})
		}
	}
	if ve.HasErrors() {
		return nil, ve
	}
	return tasks, nil
}

func convert(path string, e TaskEntry, ve *ValidationErrors) model.TaskSpec {
	kind, err := model.ParseKind(e.Type)
	if err != nil {
		ve.Add(path+".type", err.Error())
		return nil
	}
	n := len(ve.Errors)
	var spec model.TaskSpec

	switch kind {
	case model.KindConfigToolRun:
		requireConfigFile(path, e, ve)
		if len(e.Tools) == 0 {
			ve.Add(path+".tools", "at least one tool is required")
		}
		for j, tool := range e.Tools {
			if strings.TrimSpace(tool) == "" {
				ve.Addf(fmt.Sprintf("%s.tools[%d]", path, j), "empty tool name")
			}
		}
		if e.TimeoutSec < 0 {
			ve.Add(path+".timeout_sec", "must be >= 0")
		}
		if e.MaxAttempts < 0 {
			ve.Add(path+".max_attempts", "must be >= 0")
		}
		spec = model.ConfigToolRun{
			ConfigFile:   e.ConfigFile,
			Tools:        e.Tools,
			UpdateConfig: e.UpdateConfig,
			Params:       params(path, e.Params, ve),
			Timeout:      time.Duration(e.TimeoutSec) * time.Second,
			MaxAttempts:  e.MaxAttempts,
		}

	case model.KindCurrentVoltageSweep:
		if e.CurrentStep == 0 {
			ve.Add(path+".current_step", "must be non-zero")
		}
		if e.StartCurrent < 0 || e.FinalCurrent < 0 {
			ve.Add(path, "currents must be >= 0")
		}
		spec = model.CurrentVoltageSweep{
			ConfigFile:   e.ConfigFile,
			StartCurrent: e.StartCurrent,
			FinalCurrent: e.FinalCurrent,
			CurrentStep:  e.CurrentStep,
		}

	case model.KindVoltageMonitor:
		spec = model.VoltageMonitorSnapshot{}

	case model.KindSettingSweepReadout:
		requireConfigFile(path, e, ve)
		if e.Channel < 1 {
			ve.Add(path+".channel", "must be >= 1")
		}
		if len(e.Params) == 0 {
			ve.Add(path+".params", "at least one parameter group is required")
		}
		spec = model.SettingSweepWithCurrentReadout{
			ConfigFile:   e.ConfigFile,
			Channel:      e.Channel,
			UpdateConfig: e.UpdateConfig,
			Params:       params(path, e.Params, ve),
			ReadoutLabel: e.ReadoutLabel,
		}
	}

	if len(ve.Errors) > n {
		return nil
	}
	return spec
}

func requireConfigFile(path string, e TaskEntry, ve *ValidationErrors) {
	if e.ConfigFile == "" {
		ve.Add(path+".config_file", "required")
	}
}

func params(path string, entries []ParamEntry, ve *ValidationErrors) []model.ParameterGroup {
	groups := make([]model.ParameterGroup, 0, len(entries))
	for i, p := range entries {
		pp := fmt.Sprintf("%s.params[%d]", path, i)
		if p.Table == "" {
			ve.Add(pp+".table", "required")
		}
		if len(p.Keys) == 0 {
			ve.Add(pp+".keys", "at least one key is required")
		}
		if len(p.Values) == 0 {
			ve.Add(pp+".values", "at least one value is required")
		}
		for j, v := range p.Values {
			switch v.(type) {
			case int, int64, float64, string, bool:
			default:
				ve.Addf(fmt.Sprintf("%s.values[%d]", pp, j), "unsupported value %v", v)
			}
		}
		groups = append(groups, model.ParameterGroup{
			Table:  p.Table,
			Keys:   p.Keys,
			Values: p.Values,
			Label:  p.Label,
		})
	}
	return groups
}
