// Package setup scaffolds the .campaign/ directory of a new irradiation
// project.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/croc_campaign/internal/catalog"
	"github.com/msageha/croc_campaign/internal/model"
	atomicyaml "github.com/msageha/croc_campaign/internal/yaml"
	"github.com/msageha/croc_campaign/templates"
)

// DirName is the campaign directory created inside the project.
const DirName = ".campaign"

// Run initializes the .campaign/ directory structure in the given project directory.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"state",
		"locks",
		"logs",
		"quarantine",
		"catalogs",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	names, err := fs.Glob(templates.FS, "catalogs/*.yaml")
	if err != nil {
		return fmt.Errorf("list catalog templates: %w", err)
	}
	for _, name := range names {
		if err := copyTemplateFile(name, filepath.Join(base, "catalogs", path.Base(name))); err != nil {
			return err
		}
	}
	if err := copyTemplateFile("env.example", filepath.Join(base, ".env.example")); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := checkCampaigns(base, cfg); err != nil {
		return err
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "campaign.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create campaign.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Created = time.Now().Format(time.RFC3339)

	return &cfg, nil
}

// checkCampaigns makes sure every catalog the generated config refers to
// was written and parses.
func checkCampaigns(base string, cfg *model.Config) error {
	for name, def := range cfg.Campaigns {
		for _, ref := range []string{def.Base, def.Main} {
			if ref == "" {
				continue
			}
			if _, err := catalog.Load(catalog.Path(base, ref)); err != nil {
				return fmt.Errorf("campaign %s: %w", name, err)
			}
		}
	}
	return nil
}
