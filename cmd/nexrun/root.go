package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aatumaykin/nexrun/internal/config"
	"github.com/aatumaykin/nexrun/internal/logger"
)

const (
	defaultConfigPath = "./config.toml"
	defaultEnvPath    = "./.env"
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nexrun",
	Short: "nexrun - background execution engine for agent workflows",
	Long: `nexrun runs the polling workers that turn stored work into running
conversations and agent invocations: the lease-based job queue, one-time and
recurring job rules, and cron/window/once agent schedules. Every agent run is
recorded in an append-only event log that makes paused runs resumable.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(agentsCmd)
}

// loadConfig reads .env and the config file. A missing config file at the
// default path means "all defaults".
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvOptional(defaultEnvPath); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", defaultEnvPath, err)
	}

	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(configPath); errors.Is(statErr, os.ErrNotExist) && configPath == defaultConfigPath {
		cfg, err = config.Parse("")
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
