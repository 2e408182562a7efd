// Package main is the entry point for the avalb load balancer.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty log settings defer to the
// configuration file.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(observability.LogConfig{Level: flags.logLevel, Format: flags.logFormat})
	cfg := loadAndValidateConfig(flags.configPath, logger)

	logger = initLogger(logConfigFor(flags, cfg))
	defer func() { _ = logger.Sync() }()

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize load balancer", observability.Error(err))
	}

	runLoadBalancer(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AVALB_CONFIG_PATH", "configs/avalb.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("AVALB_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := flag.String("log-format", getEnvOrDefault("AVALB_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avalb version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger and installs it globally.
func initLogger(cfg observability.LogConfig) observability.Logger {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// logConfigFor merges flags over the logging section of the configuration.
func logConfigFor(flags cliFlags, cfg *config.Config) observability.LogConfig {
	out := observability.DefaultLogConfig()
	out.Instance = cfg.Metadata.Name
	if l := cfg.Spec.Observability.Logging; l != nil {
		if l.Level != "" {
			out.Level = l.Level
		}
		if l.Format != "" {
			out.Format = l.Format
		}
		if l.Output != "" {
			out.Output = l.Output
		}
	}
	if flags.logLevel != "" {
		out.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		out.Format = flags.logFormat
	}
	return out
}

// loadAndValidateConfig loads, defaults and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avalb",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("name", cfg.Metadata.Name),
		observability.String("algorithm", cfg.Spec.Algorithm),
		observability.Int("backends", len(cfg.Spec.Backends)),
		observability.String("health_check_protocol", cfg.Spec.HealthCheck.Protocol),
	)

	return cfg
}
