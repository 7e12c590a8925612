// Package loop implements the Execution Loop: repeatedly selecting
// the next ready task, running it through the Pipeline, and
// persisting the outcome, until the queue is drained or a caller
// supplied cap is reached. Grounded on
// original_source/orchestrator/execution.py's execution_loop.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c360studio/hconductor/breaker"
	"github.com/c360studio/hconductor/escalation"
	"github.com/c360studio/hconductor/pipeline"
	"github.com/c360studio/hconductor/queue"
	"github.com/c360studio/hconductor/selector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// devBreakerName is the circuit breaker tracking cumulative task
// failures across a single loop run, mirroring the teacher's "dev"
// loop limit (breaker.Limits["dev"] == 20).
const devBreakerName = "dev"

// Metrics exposes the Execution Loop's Prometheus instrumentation.
// Registered against a caller-supplied registry so multiple Loop
// instances (or tests) don't collide on the default global registry.
type Metrics struct {
	CyclesStarted   prometheus.Counter
	CyclesCompleted prometheus.Counter
	CyclesBlocked   prometheus.Counter
	DispatchLatency prometheus.Histogram
	BreakerTripped  *prometheus.GaugeVec
}

// NewMetrics registers the Execution Loop's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hconductor_loop_cycles_started_total",
			Help: "Total number of task execution cycles started.",
		}),
		CyclesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hconductor_loop_cycles_completed_total",
			Help: "Total number of task execution cycles that completed successfully.",
		}),
		CyclesBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "hconductor_loop_cycles_blocked_total",
			Help: "Total number of task execution cycles that ended blocked.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hconductor_loop_pipeline_duration_seconds",
			Help:    "Wall-clock duration of a single Pipeline.Execute call.",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerTripped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hconductor_loop_breaker_tripped",
			Help: "1 if the named circuit breaker is tripped, 0 otherwise.",
		}, []string{"loop_name"}),
	}
}

// ServeMetrics starts an HTTP server exposing reg's metrics at
// /metrics on addr. The returned server is not started in the
// background; callers run it in their own goroutine and Shutdown it
// on exit.
func ServeMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}

// Loop drains a Queue Store through a Pipeline until no ready task
// remains or an optional max-tasks cap is reached.
type Loop struct {
	store     *queue.Store
	selector  *selector.Selector
	pipeline  *pipeline.Pipeline
	breakers  *breaker.Manager
	escalator *escalation.Policy
	metrics   *Metrics
	maxTasks  int
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithBreakerManager attaches the circuit-breaker manager consulted
// after each failed cycle; escalation only fires when this is set.
func WithBreakerManager(manager *breaker.Manager) Option {
	return func(l *Loop) { l.breakers = manager }
}

// WithEscalationPolicy attaches the policy invoked when a cycle ends
// failed with the circuit breaker tripped.
func WithEscalationPolicy(policy *escalation.Policy) Option {
	return func(l *Loop) { l.escalator = policy }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(metrics *Metrics) Option {
	return func(l *Loop) { l.metrics = metrics }
}

// WithMaxTasks caps the number of tasks processed in one Run call.
// Zero (the default) means unbounded.
func WithMaxTasks(maxTasks int) Option {
	return func(l *Loop) { l.maxTasks = maxTasks }
}

// WithLogger overrides the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a Loop around a Queue Store, Task Selector, and
// Pipeline. Callers must have already run workspace orphan recovery
// before the first Run call.
func New(store *queue.Store, sel *selector.Selector, pipe *pipeline.Pipeline, opts ...Option) *Loop {
	l := &Loop{
		store:    store,
		selector: sel,
		pipeline: pipe,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run repeatedly selects and executes ready tasks until the queue has
// none left, the max-tasks cap is reached, or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) ([]pipeline.Result, error) {
	var results []pipeline.Result
	tasksProcessed := 0

	for {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if l.maxTasks > 0 && tasksProcessed >= l.maxTasks {
			l.logger.Info("reached max_tasks limit", "max_tasks", l.maxTasks)
			break
		}

		q, err := l.store.Load()
		if err != nil {
			return results, fmt.Errorf("load queue: %w", err)
		}

		selection := l.selector.SelectWithValidation(ctx, q, "")
		if selection.Task == nil {
			l.logger.Info("no more ready tasks")
			break
		}
		task := *selection.Task

		l.logger.Info("processing task", "task_id", task.ID)
		if err := l.store.UpdateTaskStatus(task.ID, queue.StatusInProgress); err != nil {
			return results, fmt.Errorf("mark task %s in_progress: %w", task.ID, err)
		}

		if l.metrics != nil {
			l.metrics.CyclesStarted.Inc()
		}

		result := l.runOneCycle(ctx, task)
		results = append(results, result)
		tasksProcessed++

		finalStatus := queue.StatusBlocked
		if result.Success {
			finalStatus = queue.StatusComplete
		}
		if err := l.store.UpdateTaskStatus(task.ID, finalStatus); err != nil {
			l.logger.Warn("failed to persist final task status", "task_id", task.ID, "status", finalStatus, "error", err)
		}

		if l.metrics != nil {
			if result.Success {
				l.metrics.CyclesCompleted.Inc()
			} else {
				l.metrics.CyclesBlocked.Inc()
			}
		}

		if !result.Success {
			l.handleFailure(ctx, task, result)
		}
	}

	l.logger.Info("execution loop complete", "tasks_processed", tasksProcessed)
	return results, nil
}

func (l *Loop) runOneCycle(ctx context.Context, task queue.Task) pipeline.Result {
	if l.metrics == nil {
		return l.pipeline.Execute(ctx, task)
	}

	timer := prometheus.NewTimer(l.metrics.DispatchLatency)
	defer timer.ObserveDuration()
	return l.pipeline.Execute(ctx, task)
}

// handleFailure records the failure against the shared "dev" circuit
// breaker and, once it trips, runs the Escalation Policy instead of
// silently leaving the task blocked.
func (l *Loop) handleFailure(ctx context.Context, task queue.Task, result pipeline.Result) {
	if l.breakers == nil {
		return
	}

	b := l.breakers.Get(devBreakerName, 0)
	b.RecordFailure()
	if l.metrics != nil {
		tripped := 0.0
		if b.IsTripped() {
			tripped = 1.0
		}
		l.metrics.BreakerTripped.WithLabelValues(devBreakerName).Set(tripped)
	}

	if !b.IsTripped() || l.escalator == nil {
		return
	}

	lastOutput := ""
	if result.TDDResult != nil && result.TDDResult.Green != nil {
		lastOutput = result.TDDResult.Green.TestOutput
	}
	l.escalator.OnBlocked(ctx, task.ID, []string{result.Error}, lastOutput)
}
