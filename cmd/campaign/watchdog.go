package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tarm/serial"

	"github.com/msageha/croc_campaign/internal/instrument"
	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
	"github.com/msageha/croc_campaign/internal/monitor"
)

// runWatchdog runs one watchdog program in the foreground. The exit code
// is what the campaign's supervisor reads.
func runWatchdog(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: campaign watchdog <peltier|thermistor>")
		os.Exit(1)
	}

	dir := mustCampaignDir()
	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(model.ExitUnreachable)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	level := logging.ParseLevel(cfg.Logging.Level)
	switch args[0] {
	case "peltier":
		os.Exit(runPeltier(ctx, dir, cfg.Watchdogs.Temperature, level))
	case "thermistor":
		os.Exit(runThermistor(ctx, dir, cfg, level))
	default:
		fmt.Fprintf(os.Stderr, "unknown watchdog: %s\n", args[0])
		os.Exit(1)
	}
}

func runPeltier(ctx context.Context, dir string, wc model.WatchdogConfig, level logging.Level) int {
	log, closer, err := logging.OpenFile(dir, wc.LogFile, level, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peltier: %v\n", err)
		return model.ExitUnreachable
	}
	defer closer.Close()

	open := func() (io.ReadWriteCloser, error) {
		p, err := serial.OpenPort(&serial.Config{
			Name:        wc.Port,
			Baud:        wc.Baud,
			ReadTimeout: time.Duration(wc.ReadTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return monitor.NewPeltier(wc, open, log).Run(ctx)
}

func runThermistor(ctx context.Context, dir string, cfg model.Config, level logging.Level) int {
	wc := cfg.Watchdogs.Thermistor
	log, closer, err := logging.OpenFile(dir, "thermistor.log", level, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thermistor: %v\n", err)
		return model.ExitUnreachable
	}
	defer closer.Close()

	panel, err := instrument.OpenPanel(cfg.Instruments)
	if err != nil {
		log.Errorf("open panel: %v", err)
		return model.ExitUnreachable
	}
	defer panel.Close()

	return monitor.NewThermistor(wc, panel, filepath.Join(dir, "logs", wc.LogFile), log).Run(ctx)
}
