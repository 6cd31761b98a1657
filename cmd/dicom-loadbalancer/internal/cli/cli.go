// Package cli wires the daemon's command-line surface: a root run command
// that starts the full supervisor graph, and a validate-config command for
// checking a configuration without starting anything.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/llob/dicom-loadbalancer/cmd/dicom-loadbalancer/internal/build"
	"github.com/llob/dicom-loadbalancer/cmd/dicom-loadbalancer/internal/ui"
	"github.com/llob/dicom-loadbalancer/config"
	"github.com/llob/dicom-loadbalancer/supervisor"
)

const (
	appName        = "dicom-loadbalancer"
	appDescription = "DICOM association load balancer"
)

// GlobalConfig holds flags shared by every subcommand.
type GlobalConfig struct {
	LogLevel string `name:"log-level" enum:"trace,debug,info,warn,error,fatal" default:"info" help:"Minimum log level"`
	Pretty   bool   `name:"pretty" default:"true" negatable:"" help:"Use human-readable log output instead of JSON"`
	Debug    bool   `name:"debug" help:"Include caller information in log output"`
}

// CLI represents the root command structure.
type CLI struct {
	GlobalConfig

	Run            RunCmd            `cmd:"" help:"Run the load balancer daemon"`
	ValidateConfig ValidateConfigCmd `cmd:"" name:"validate-config" help:"Load and validate a configuration without starting the daemon"`
}

// RunCmd starts the full supervisor graph and blocks until interrupted.
type RunCmd struct {
	Config string `name:"config-file-path" default:"./config.json" type:"path" help:"Path to a configuration file or directory"`
}

func (c *RunCmd) Run(gcfg *GlobalConfig) error {
	logger := log.Default()

	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if gcfg.Pretty {
		ui.PrintBanner()
	}

	sup, err := supervisor.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "scps", len(cfg.SCPs), "workers", len(cfg.Workers), "worker-sets", len(cfg.WorkerSets))
	return sup.Run(ctx)
}

// ValidateConfigCmd loads a configuration, running every structural and
// cross-referential check, and reports success or failure without starting
// any listener or worker.
type ValidateConfigCmd struct {
	Config string `name:"config-file-path" default:"./config.json" type:"path" help:"Path to a configuration file or directory"`
}

func (c *ValidateConfigCmd) Run(gcfg *GlobalConfig) error {
	logger := log.Default()

	cfg, err := config.Load(c.Config)
	if err != nil {
		logger.Error("configuration invalid", "err", err)
		return err
	}

	logger.Info("configuration valid", "scps", len(cfg.SCPs), "workers", len(cfg.Workers), "worker-sets", len(cfg.WorkerSets))
	return nil
}

// Run executes the dicom-loadbalancer CLI with the provided build info.
func Run(version, commit, date string) error {
	build.SetBuildInfo(version, commit, date)

	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name(appName),
		kong.Description(appDescription),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{
			"version": version,
			"commit":  commit,
			"date":    date,
		},
	)

	logger := setupLogger(&cli.GlobalConfig)

	logger.Debug("dicom-loadbalancer starting", "version", version, "commit", commit, "build_date", date)

	if err := ctx.Run(&cli.GlobalConfig); err != nil {
		logger.Error("command failed", "error", err)
		return err
	}

	return nil
}

// setupLogger configures the global logger based on config.
func setupLogger(cfg *GlobalConfig) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    cfg.Debug,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})

	switch cfg.LogLevel {
	case "trace", "debug":
		logger.SetLevel(log.DebugLevel)
	case "info":
		logger.SetLevel(log.InfoLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	case "fatal":
		logger.SetLevel(log.FatalLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if !cfg.Pretty {
		logger.SetFormatter(log.JSONFormatter)
	}

	log.SetDefault(logger)
	return logger
}
