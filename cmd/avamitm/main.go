// Package main is the entry point for the avamitm TLS terminating proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// exitFunc is replaced in tests.
var exitFunc = os.Exit

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		exitFunc(2)
		return
	}

	if flags.showVersion {
		printVersion()
		return
	}

	gin.SetMode(gin.ReleaseMode)

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	cfg := loadAndValidateConfig(flags.configPath, logger)

	app, err := initApplication(ctx, cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize application", observability.Error(err))
		return
	}

	run(ctx, app, flags.configPath)
}

// parseFlags parses command line flags. Environment variables provide the
// defaults.
func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("avamitm", flag.ContinueOnError)

	var flags cliFlags
	fs.StringVar(&flags.configPath, "config", getEnvOrDefault("AVAMITM_CONFIG_PATH", "configs/avamitm.yaml"),
		"Path to configuration file")
	fs.StringVar(&flags.logLevel, "log-level", getEnvOrDefault("AVAMITM_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	fs.StringVar(&flags.logFormat, "log-format", getEnvOrDefault("AVAMITM_LOG_FORMAT", "json"),
		"Log format (json, console)")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return flags, nil
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avamitm version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the global logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		exitFunc(1)
		return nil
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// fatalWithSync logs msg, flushes the logger and exits.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	logger.Error(msg, fields...)
	_ = logger.Sync()
	exitFunc(1)
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.ProxyConfig {
	logger.Info("starting avamitm",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
		return nil
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatalWithSync(logger, "invalid configuration", observability.Error(err))
		return nil
	}

	logger.Info("configuration loaded",
		observability.String("name", cfg.Metadata.Name),
		observability.String("listener", cfg.Spec.Listener.Address),
		observability.String("serverAuth", serverAuthKind(cfg)),
		observability.Bool("vault", cfg.UsesVault()),
	)

	return cfg
}

func serverAuthKind(cfg *config.ProxyConfig) string {
	auth := cfg.Spec.TLS.ServerAuth
	switch {
	case auth.CertIssuer != nil:
		return "certIssuer"
	case auth.Static != nil:
		return "static"
	case auth.SelfSigned != nil:
		return "selfSigned"
	default:
		return "none"
	}
}
