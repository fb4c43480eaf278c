package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-launcher/pkg/config"
	"github.com/core-tools/hsu-launcher/pkg/launch"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/reclaimer"
	"github.com/core-tools/hsu-launcher/pkg/rehydrate"
	"github.com/core-tools/hsu-launcher/pkg/report"
	"github.com/core-tools/hsu-launcher/pkg/telemetry"
)

// Exit codes of the bulk and list modes. The reclaim helper uses
// reclaimer.ExitCode instead.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 64
	exitConfig  = 65
	exitAborted = 130
)

var newOS = osapi.New

func loadConfig(path string) (*config.LauncherConfig, int) {
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return nil, exitConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		return nil, exitConfig
	}
	return cfg, exitOK
}

// signalContext is cancelled on the first interrupt.
func signalContext(logger logging.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	go func() {
		s := <-sig
		logger.Infof("Received signal, cancelling, signal: %v", s)
		cancel()
	}()
	return ctx
}

// runReclaimHelper is the elevated helper mode: one reclaim attempt, never
// escalating further, reported through the exit code.
func runReclaimHelper(ctx context.Context, api osapi.OS, opts flagOptions, logger logging.Logger) int {
	logger.Infof("Reclaim helper starting, guard: '%s', processes: %v, no_elevate: %t", opts.ReclaimGuard, opts.Processes, opts.NoElevate)

	r := reclaimer.New(api, logger, reclaimer.Options{
		ProcessNames:        opts.Processes,
		ImageDirectory:      opts.ImageDirectory,
		IncludeInaccessible: opts.IncludeInaccessible,
		AllowElevation:      !opts.NoElevate,
	})
	out := r.Reclaim(ctx, opts.ReclaimGuard)

	logger.Infof("%s", reclaimer.FormatOutcome(out))
	return reclaimer.ExitCode(out)
}

func runBulk(ctx context.Context, api osapi.OS, cfg *config.LauncherConfig, opts flagOptions, logger logging.Logger) int {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled: cfg.Launcher.Telemetry || opts.Telemetry,
		Writer:  os.Stdout,
		Logger:  logger,
	})
	if err != nil {
		logger.Errorf("Failed to initialize telemetry: %v", err)
		return exitFailed
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warnf("Telemetry shutdown failed: %v", err)
		}
	}()

	if opts.NoElevate {
		allow := false
		cfg.Launcher.AllowElevation = &allow
	}

	instances, err := config.CreateInstancesFromConfig(cfg, opts.Profiles)
	if err != nil {
		logger.Errorf("Failed to create launch instances: %v", err)
		return exitConfig
	}
	if len(instances) == 0 {
		logger.Warnf("No enabled profiles to launch")
		return exitOK
	}

	service := launch.NewService(api, logger, config.ServiceOptions(cfg))
	bulk := launch.NewBulkLauncher(service, logger)

	logger.Infof("Starting bulk launch, instances: %d", len(instances))
	results, runErr := bulk.Run(ctx, instances, func(status string) {
		logger.Infof("%s", status)
	})

	printResults(os.Stdout, results)

	if runErr != nil {
		logger.Warnf("Bulk launch stopped: %v", runErr)
		return exitAborted
	}
	for _, r := range results {
		if !r.Injection.Succeeded {
			return exitFailed
		}
	}
	return exitOK
}

func printResults(w io.Writer, results []launch.InstanceResult) {
	for _, r := range results {
		fmt.Fprintf(w, "%s: %s\n", r.Name, report.Summary(r.Steps))
		fmt.Fprint(w, report.Format(r.Steps))
	}
}

func runList(w io.Writer, api osapi.OS, cfg *config.LauncherConfig, logger logging.Logger) int {
	for _, game := range cfg.Games {
		candidates, err := rehydrate.Snapshot(api, logger, game.ProcessNames, game.IncludeInaccessibleProcesses)
		if err != nil {
			logger.Errorf("Failed to list processes, game: %s, error: %v", game.ID, err)
			return exitFailed
		}

		matches := rehydrate.Match(config.RehydrationProfiles(cfg, game.ID), candidates)
		byPID := make(map[uint32]rehydrate.Pairing, len(matches))
		for _, m := range matches {
			byPID[m.ProcessID] = m
		}

		fmt.Fprintf(w, "%s: %d running\n", game.ID, len(candidates))
		for _, c := range candidates {
			if m, ok := byPID[c.ProcessID]; ok {
				fmt.Fprintf(w, "  %d %s -> %s (%s)\n", c.ProcessID, c.ExeName, m.ProfileID, m.Rule)
			} else {
				fmt.Fprintf(w, "  %d %s -> ?\n", c.ProcessID, c.ExeName)
			}
		}
	}
	return exitOK
}
