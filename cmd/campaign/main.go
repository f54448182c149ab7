package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/msageha/croc_campaign/internal/campaign"
	"github.com/msageha/croc_campaign/internal/catalog"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/setup"
	"github.com/msageha/croc_campaign/internal/status"
	"github.com/msageha/croc_campaign/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "run":
		runCampaign(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "watchdog":
		runWatchdog(os.Args[2:])
	case "version":
		fmt.Printf("campaign %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	var dir, name string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			if dir != "" {
				fmt.Fprintln(os.Stderr, "usage: campaign setup <project_dir> [--name <name>]")
				os.Exit(1)
			}
			dir = args[i]
		}
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "usage: campaign setup <project_dir> [--name <name>]")
		os.Exit(1)
	}
	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runCampaign(args []string) {
	var name string
	var dryRun bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--campaign":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--campaign requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		case "--dry-run":
			dryRun = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: campaign run --campaign <name> [--dry-run]\n", args[i])
			os.Exit(1)
		}
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "usage: campaign run --campaign <name> [--dry-run]")
		os.Exit(1)
	}

	dir := mustCampaignDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve executable: %v\n", err)
		os.Exit(1)
	}

	err = campaign.Execute(campaign.RunConfig{
		CampaignDir: dir,
		Config:      cfg,
		Campaign:    name,
		DryRun:      dryRun,
		Executable:  exe,
		Stderr:      os.Stderr,
		Getenv:      os.Getenv,
	})
	switch {
	case err == nil:
	case errors.Is(err, campaign.ErrFatal):
		fmt.Fprintf(os.Stderr, "campaign: %v\n", err)
		os.Exit(model.ExitFatal)
	default:
		fmt.Fprintf(os.Stderr, "campaign: %v\n", err)
		os.Exit(1)
	}
}

func runValidate(args []string) {
	var only string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--campaign":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--campaign requires a value")
				os.Exit(1)
			}
			i++
			only = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: campaign validate [--campaign <name>]\n", args[i])
			os.Exit(1)
		}
	}

	dir := mustCampaignDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	names := campaign.CampaignNames(cfg)
	if only != "" {
		if _, ok := cfg.Campaigns[only]; !ok {
			fmt.Fprintf(os.Stderr, "unknown campaign %q\n", only)
			os.Exit(1)
		}
		names = []string{only}
	}

	failed := false
	for _, name := range names {
		def := cfg.Campaigns[name]
		for _, ref := range []string{def.Base, def.Main} {
			if ref == "" {
				continue
			}
			tasks, err := catalog.Load(catalog.Path(dir, ref))
			if err != nil {
				failed = true
				var ve *catalog.ValidationErrors
				if errors.As(err, &ve) {
					fmt.Fprintf(os.Stderr, "%s: %s\n%s", name, ref, ve.FormatStderr())
				} else {
					fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
				}
				continue
			}
			fmt.Printf("%-18s %-20s %d tasks\n", name, ref, len(tasks))
		}
	}
	if failed {
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: campaign status [--json]\n", a)
			os.Exit(1)
		}
	}

	dir := mustCampaignDir()
	if err := status.Run(dir, os.Stdout, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runStop(_ []string) {
	dir := mustCampaignDir()
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	if err := client.Call(uds.CommandStop, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Stop requested; the campaign powers down after the current task")
}

// mustCampaignDir loads .campaign/.env as well, without overriding the
// environment.
func mustCampaignDir() string {
	dir := findCampaignDir()
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: .campaign/ directory not found. Run 'campaign setup <dir>' first.")
		os.Exit(1)
	}
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	return dir
}

func findCampaignDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(campaignDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(campaignDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return model.ApplyDefaults(cfg), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `campaign %s: detector characterisation and irradiation runner

Usage: campaign <command> [options]

Workspace:
  setup <dir> [--name <name>]          Initialize .campaign/ directory
  validate [--campaign <name>]         Check the task catalogs

Campaign:
  run --campaign <name> [--dry-run]    Run a campaign until it ends
  status [--json]                      Show campaign progress
  stop                                 Stop after the current task

Watchdog programs (started by run):
  watchdog peltier                     Guard the Peltier regulator
  watchdog thermistor                  Log the NTC and check its bounds

Other:
  version                              Print version
  help                                 Show this help
`, version)
}
