package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-launcher/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config   string   `long:"config" short:"c" description:"path to the launcher configuration file"`
	Profiles []string `long:"profile" short:"p" description:"profile to launch, repeatable; all enabled profiles when omitted"`
	List     bool     `long:"list" description:"list running clients and the profiles they most likely belong to"`

	ReclaimGuard        string   `long:"reclaim-guard" description:"clear the named single-instance guard and exit"`
	Processes           []string `long:"process" description:"candidate process name for --reclaim-guard, repeatable"`
	ImageDirectory      string   `long:"image-directory" description:"only consider --reclaim-guard candidates whose image is under this directory"`
	IncludeInaccessible bool     `long:"include-inaccessible" description:"keep --reclaim-guard candidates whose image path cannot be read"`
	NoElevate           bool     `long:"no-elevate" description:"never request elevation"`

	LogLevel  string `long:"log-level" description:"overrides the configured log level"`
	Telemetry bool   `long:"telemetry" description:"export traces and metrics to stdout"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(exitUsage)
	}

	os.Exit(run(opts))
}

func run(opts flagOptions) int {
	switch {
	case opts.ReclaimGuard != "":
		logger, sync := newLogger("zap", levelOr(opts.LogLevel, "info"), "console")
		defer sync()
		return runReclaimHelper(signalContext(logger), newOS(), opts, logger)

	case opts.Config == "":
		fmt.Println("Configuration file is required")
		return exitUsage

	case opts.List:
		config, code := loadConfig(opts.Config)
		if config == nil {
			return code
		}
		logger, sync := newLogger(config.Launcher.LogBackend, levelOr(opts.LogLevel, config.Launcher.LogLevel), config.Launcher.LogFormat)
		defer sync()
		return runList(os.Stdout, newOS(), config, logger)

	default:
		config, code := loadConfig(opts.Config)
		if config == nil {
			return code
		}
		logger, sync := newLogger(config.Launcher.LogBackend, levelOr(opts.LogLevel, config.Launcher.LogLevel), config.Launcher.LogFormat)
		defer sync()
		return runBulk(signalContext(logger), newOS(), config, opts, logger)
	}
}

func levelOr(override, configured string) string {
	if override != "" {
		return override
	}
	return configured
}

// newLogger builds the launcher logger for backend ("zap" or "std").
func newLogger(backend, level, format string) (logging.Logger, func()) {
	if backend == "std" {
		return logging.NewLogger(logPrefix("hsu-launcher"), logging.NewStdFuncs()), func() {}
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = level
	zapConfig.Format = format
	zapBackend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create zap logger, falling back to std: %v\n", err)
		return logging.NewLogger(logPrefix("hsu-launcher"), logging.NewStdFuncs()), func() {}
	}
	return logging.NewLogger(logPrefix("hsu-launcher"), zapBackend.Funcs()), func() { zapBackend.Sync() }
}
