// Package main is the entry point of the mesh control plane.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	watch      bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(2)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	observability.SetGlobalLogger(logger)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting meshd",
		observability.String("version", version),
		observability.String("commit", gitCommit),
		observability.String("build_time", buildTime),
		observability.String("config", flags.configPath),
	)

	if err := run(flags, cfg, logger); err != nil {
		logger.Error("meshd exited with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("meshd stopped")
}

// parseFlags parses command line flags. Every flag falls back to a MESH_*
// environment variable.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags

	app := kingpin.New("meshd", "Service mesh control plane with an API gateway front door.")
	app.Version(fmt.Sprintf("meshd %s (commit %s, built %s)", version, gitCommit, buildTime))
	app.HelpFlag.Short('h')

	app.Flag("config", "Path to the YAML configuration file. Defaults apply when empty.").
		Short('c').Envar("MESH_CONFIG").StringVar(&flags.configPath)
	app.Flag("log-level", "Log level (debug, info, warn, error); overrides the file.").
		Envar("MESH_LOG_LEVEL").StringVar(&flags.logLevel)
	app.Flag("log-format", "Log format (json, console); overrides the file.").
		Envar("MESH_LOG_FORMAT").EnumVar(&flags.logFormat, "", "json", "console")
	app.Flag("watch", "Reload routes and quotas when the configuration file changes.").
		Default("true").Envar("MESH_WATCH_CONFIG").BoolVar(&flags.watch)

	if _, err := app.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// loadConfig loads, overrides and validates the configuration.
func loadConfig(flags cliFlags) (*config.MeshConfig, error) {
	cfg := config.DefaultConfig()
	if flags.configPath != "" {
		loaded, err := config.LoadConfig(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
