package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/hconductor/breaker"
	"github.com/c360studio/hconductor/config"
	"github.com/c360studio/hconductor/escalation"
	"github.com/c360studio/hconductor/hclog"
	"github.com/c360studio/hconductor/llm"
	"github.com/c360studio/hconductor/loop"
	"github.com/c360studio/hconductor/memory"
	"github.com/c360studio/hconductor/model"
	"github.com/c360studio/hconductor/pipeline"
	"github.com/c360studio/hconductor/quality"
	"github.com/c360studio/hconductor/queue"
	"github.com/c360studio/hconductor/selector"
	"github.com/c360studio/hconductor/tdd"
	"github.com/c360studio/hconductor/testrun"
	"github.com/c360studio/hconductor/testvalidate"
	"github.com/c360studio/hconductor/traceability"
	"github.com/c360studio/hconductor/workspace"
	"github.com/prometheus/client_golang/prometheus"
)

// traceabilityGate adapts traceability.Checker's CheckTaskBeforeMerge
// method onto workspace.MergeGate's CheckBeforeMerge, since the two
// packages independently settled on different method names for the
// same shape.
type traceabilityGate struct {
	checker *traceability.Checker
}

func (g traceabilityGate) CheckBeforeMerge(ctx context.Context, taskID string) (bool, string, error) {
	return g.checker.CheckTaskBeforeMerge(ctx, taskID)
}

// runLoop wires the full engine together and drains the queue once.
func runLoop(ctx context.Context, configPath, natsURL string, maxTasksFlag int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if maxTasksFlag != 0 {
		cfg.Loop.MaxTasks = maxTasksFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := hclog.New()

	registry, err := model.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	clientOpts := []llm.ClientOption{llm.WithLogger(logger)}
	pipelineOpts := []pipeline.Option{pipeline.WithLogger(logger)}

	if cfg.NATS.URL != "" {
		conn, err := pipeline.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			logger.Warn("continuing without NATS publishing", "error", err)
		} else {
			pipelineOpts = append(pipelineOpts, pipeline.WithPublisher(conn))
			defer conn.Close()

			if callStore, err := llm.NewCallStore(ctx, conn, llm.WithCallStoreLogger(logger)); err != nil {
				logger.Warn("continuing without dispatch call recording", "error", err)
			} else {
				clientOpts = append(clientOpts, llm.WithCallStore(callStore))
			}
		}
	}

	dispatcher := llm.NewClient(registry, clientOpts...)

	worktrees, err := buildWorkspaceManager(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build workspace manager: %w", err)
	}

	executor := tdd.NewExecutor(dispatcher, testrun.NewRunner(), testvalidate.New(), tdd.WithExecutorLogger(logger))

	if cfg.Quality.Enabled {
		pipelineOpts = append(pipelineOpts, pipeline.WithQualityGate(quality.NewGate(dispatcher)))
	}

	memAgent := memory.NewAgent(dispatcher)
	pipelineOpts = append(pipelineOpts, pipeline.WithMemoryAgent(memAgent))

	pipe := pipeline.New(worktrees, executor, pipeline.Config{
		TargetBranch:          cfg.Pipeline.TargetBranch,
		MaxRetries:            cfg.Pipeline.MaxRetries,
		ContextPath:           cfg.Pipeline.ContextPath,
		NATSSubject:           cfg.NATS.Subject,
		CheckDNA:              cfg.Pipeline.CheckDNA,
		RetryBaseDelaySeconds: cfg.Pipeline.RetryBaseDelaySeconds,
		RetryMaxDelaySeconds:  cfg.Pipeline.RetryMaxDelaySeconds,
	}, pipelineOpts...)

	store := queue.NewStore(cfg.Queue.Path)
	sel := selector.New(selector.WithLogger(logger))

	breakers := breaker.NewManager()
	escalator := escalation.New(escalation.WithLogger(logger), escalation.WithCallback(func(r escalation.Result) {
		logger.Warn("task escalated", "task_id", r.TaskID, "summary", r.Summary)
	}))

	reg := prometheus.NewRegistry()
	metrics := loop.NewMetrics(reg)

	loopOpts := []loop.Option{
		loop.WithBreakerManager(breakers),
		loop.WithEscalationPolicy(escalator),
		loop.WithMetrics(metrics),
		loop.WithLogger(logger),
	}
	if cfg.Loop.MaxTasks > 0 {
		loopOpts = append(loopOpts, loop.WithMaxTasks(cfg.Loop.MaxTasks))
	}

	if cfg.Loop.MetricsAddr != "" {
		srv := loop.ServeMetrics(cfg.Loop.MetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	l := loop.New(store, sel, pipe, loopOpts...)

	results, err := l.Run(ctx)
	if err != nil {
		return fmt.Errorf("execution loop: %w", err)
	}

	completed, blocked := 0, 0
	for _, r := range results {
		if r.Success {
			completed++
		} else {
			blocked++
		}
	}
	logger.Info("run complete", "tasks_processed", len(results), "completed", completed, "blocked", blocked)
	return nil
}

// healthCheckCmd builds the model registry (same env-driven construction
// runLoop uses) and probes all three tiers, printing a one-line-per-tier
// report. Returns an error when the aggregate status is offline, so the
// exit code reflects it.
func healthCheckCmd(ctx context.Context, timeout time.Duration) error {
	registry, err := model.NewDefaultRegistry()
	if err != nil {
		return fmt.Errorf("build model registry: %w", err)
	}

	status := registry.CheckAllProxies(ctx, timeout)
	fmt.Println(status.Summary())
	fmt.Printf("overall: %s\n", status.OverallStatus())

	if status.OverallStatus() == model.StatusOffline {
		return fmt.Errorf("all proxies offline")
	}
	return nil
}

// buildWorkspaceManager constructs the Workspace Manager, attaching
// the traceability gate when the config requests a DNA check.
func buildWorkspaceManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*workspace.Manager, error) {
	opts := []workspace.ManagerOption{
		workspace.WithDiskThreshold(cfg.Workspace.DiskThresholdPercent),
		workspace.WithLogger(logger),
	}
	if cfg.Workspace.WorktreeBase != "" {
		opts = append(opts, workspace.WithWorktreeBase(cfg.Workspace.WorktreeBase))
	}

	if cfg.Pipeline.CheckDNA && cfg.Pipeline.NorthStarPath != "" {
		store := queue.NewStore(cfg.Queue.Path)
		checker, err := traceability.NewCheckerFromFile(cfg.Pipeline.NorthStarPath, store)
		if err != nil {
			return nil, fmt.Errorf("parse northstar goals: %w", err)
		}
		opts = append(opts, workspace.WithMergeGate(traceabilityGate{checker: checker}))
	}

	return workspace.NewManager(cfg.Repo.Path, opts...), nil
}
