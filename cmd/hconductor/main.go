// Package main implements the hconductor CLI: a TDD task-execution
// engine that drains a queue.json file through the full worktree ->
// red/green/refactor -> QA -> merge -> memory -> cleanup pipeline.
// Grounded on cmd/semspec/main.go's cobra/signal-handling structure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/hconductor/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		natsURL    string
		maxTasks   int
	)

	rootCmd := &cobra.Command{
		Use:     "hconductor",
		Short:   "TDD task-execution engine",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the task queue through the pipeline until no ready task remains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd.Context(), configPath, natsURL, maxTasks)
		},
	}
	runCmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "stop after processing this many tasks (0 = unbounded)")
	rootCmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration without running the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfigCmd(configPath)
		},
	}
	rootCmd.AddCommand(validateCmd)

	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the fast/balanced/strong model proxies and report aggregate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return healthCheckCmd(cmd.Context(), healthTimeout)
		},
	}
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "per-proxy connection timeout")
	rootCmd.AddCommand(healthCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(configPath string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.NewLoader(nil).Load()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Repo.Path != "" && cfg.Queue.Path != "" && !filepath.IsAbs(cfg.Queue.Path) {
		cfg.Queue.Path = filepath.Join(cfg.Repo.Path, cfg.Queue.Path)
	}
	return cfg, nil
}

func validateConfigCmd(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Println("config OK")
	return nil
}
