// Package commands provides the CLI commands for reqflow.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/JingHuan921/secondhalf-coding/internal/config"
	"github.com/JingHuan921/secondhalf-coding/internal/logging"
	"github.com/JingHuan921/secondhalf-coding/internal/telemetry"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs     bool
	logLevel      string
	baseURL       string
	transportKind string
	workDir       string
	traceCalls    bool
)

// appConfig is resolved once per invocation in PersistentPreRunE.
var (
	appConfig *config.Config
	logCloser io.Closer
	tracing   *telemetry.Provider
)

var rootCmd = &cobra.Command{
	Use:   "reqflow",
	Short: "reqflow - client for human-in-the-loop requirements workflows",
	Long: `reqflow drives a requirements-engineering workflow backend: it starts a
run, streams the agents' messages and artifacts, and asks you for a decision
whenever the workflow pauses.

Run 'reqflow chat' for an interactive session, or 'reqflow serve' to start a
scripted backend for local development.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr even when log.file is set")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR|OFF)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Backend URL (default "+config.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&transportKind, "transport", "", "Stream transport (sse|websocket)")
	rootCmd.PersistentFlags().BoolVar(&traceCalls, "trace", false, "Record control-channel spans to the log directory")
	rootCmd.PersistentFlags().StringVar(&workDir, "directory", "", "Project directory used to find .reqflow/reqflow.jsonc")

	rootCmd.SetVersionTemplate(fmt.Sprintf("reqflow %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command and releases the log file and trace
// exporter whether or not the command succeeded.
func Execute() error {
	defer shutdown()
	if err := rootCmd.Execute(); err != nil {
		if appConfig != nil {
			logging.Error().Err(err).Msg("command failed")
		}
		return err
	}
	return nil
}

func shutdown() {
	if tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(ctx); err != nil {
			logging.Warn().Err(err).Msg("flush traces")
		}
		cancel()
		tracing = nil
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// setup loads the configuration, applies flag overrides and starts logging.
func setup(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)
	logCfg.Pretty = cfg.Log.Pretty
	logCfg.LogToFile = cfg.Log.File && !printLogs
	logCfg.LogDir = config.GetPaths().LogDir()
	closer, err := logging.Init(logCfg)
	if err != nil {
		return err
	}
	logCloser = closer
	appConfig = cfg

	if cfg.Log.Trace {
		tracing, err = telemetry.Init(telemetry.Config{
			Dir:            logCfg.LogDir,
			ServiceVersion: Version,
		})
		if err != nil {
			return err
		}
		logging.Info().Str("file", filepath.Join(logCfg.LogDir, telemetry.TraceFileName)).Msg("tracing enabled")
	}

	logging.Debug().
		Str("command", cmd.Name()).
		Str("baseURL", cfg.BaseURL).
		Str("transport", cfg.Transport).
		Bool("trace", cfg.Log.Trace).
		Str("directory", dir).
		Msg("configuration loaded")
	return nil
}

// applyFlags lets explicitly set flags win over every config layer.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if flags.Changed("transport") {
		cfg.Transport = transportKind
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("trace") {
		cfg.Log.Trace = traceCalls
	}
}
