package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"

	"github.com/gaos-systems/apc-coordinator/internal/broadcast"
	"github.com/gaos-systems/apc-coordinator/internal/config"
	"github.com/gaos-systems/apc-coordinator/internal/domain/agentpool"
	"github.com/gaos-systems/apc-coordinator/internal/domain/coordinator"
	"github.com/gaos-systems/apc-coordinator/internal/domain/session"
	"github.com/gaos-systems/apc-coordinator/internal/domain/task"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow"
	"github.com/gaos-systems/apc-coordinator/internal/domain/workflow/impl"
	"github.com/gaos-systems/apc-coordinator/internal/idle"
	"github.com/gaos-systems/apc-coordinator/internal/llmport"
	"github.com/gaos-systems/apc-coordinator/internal/logging"
	"github.com/gaos-systems/apc-coordinator/internal/metrics"
	"github.com/gaos-systems/apc-coordinator/internal/rendezvous"
	"github.com/gaos-systems/apc-coordinator/internal/scheduler"
	"github.com/gaos-systems/apc-coordinator/internal/statestore"
	"github.com/gaos-systems/apc-coordinator/internal/tracing"
	"github.com/gaos-systems/apc-coordinator/internal/unified"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// runServe constructs every component in the dependency order named in the
// daemon's design notes — StateStore/layout, task store, agent pool,
// workflow registry/engine, coordinator agent, unified coordinator, idle
// monitor — starts the metrics and tracing surfaces, and blocks until
// SIGINT/SIGTERM, tearing everything down in reverse.
func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewComponentLogger("apc-coordinatord")

	fmt.Println(bold("apc-coordinatord " + version))
	fmt.Println(gray(fmt.Sprintf("state dir: %s", cfg.StateDir)))
	fmt.Println(gray(fmt.Sprintf("agent roster: %v (roles: %v)", cfg.AgentRoster, cfg.AgentRoles)))

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	metricsReg := metrics.New(metrics.Config{Enabled: cfg.MetricsEnabled, ListenAddr: cfg.MetricsAddr})

	layout := statestore.Layout{Root: cfg.StateDir}

	sessions, err := session.NewStore(layout)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	// The task store writes <dir>/<session>/tasks.json, so it is rooted at the
	// plans directory to sit beside the other per-session artifacts.
	tasks := task.NewMemStore(layout.PlanDir(""), logging.NewComponentLogger("task-store"))

	pool := agentpool.New(agentpool.Config{
		Roster:  cfg.AgentRoster,
		Roles:   cfg.AgentRoles,
		Logger:  logging.NewComponentLogger("agent-pool"),
		Metrics: metricsReg,
	})

	registry := workflow.NewRegistry()
	impl.RegisterAll(registry)

	workflowHistory := workflow.NewHistoryLedger(layout)

	engine := workflow.NewEngine(registry, logging.NewComponentLogger("workflow-engine"), workflow.TerminationHooks{
		OnTerminal: func(summary workflow.CompletedSummary) {
			if err := workflowHistory.Append(summary.SessionID, summary); err != nil {
				log.Warn("append workflow history for %s: %v", summary.WorkflowID, err)
			}
			if summary.TaskID == "" {
				return
			}

			ctx := context.Background()
			if orphaned, err := tasks.IsOrphaned(ctx, summary.TaskID); err != nil {
				log.Warn("check orphaned for task %s: %v", summary.TaskID, err)
			} else if orphaned {
				reason := fmt.Sprintf("workflow %s terminated (%s) while task was orphaned", summary.WorkflowID, summary.Status)
				if err := tasks.Delete(ctx, summary.TaskID, reason); err != nil {
					log.Warn("delete orphaned task %s: %v", summary.TaskID, err)
				}
				return
			}

			switch summary.Status {
			case workflow.StatusSucceeded:
				if err := tasks.MarkSucceeded(ctx, summary.TaskID); err != nil {
					log.Warn("mark task %s succeeded: %v", summary.TaskID, err)
				}
			case workflow.StatusFailed, workflow.StatusCancelled:
				errText := summary.Error
				if errText == "" {
					errText = fmt.Sprintf("workflow %s terminated: %s", summary.WorkflowID, summary.Status)
				}
				if err := tasks.RecordFailure(ctx, summary.TaskID, task.WithErrorText(errText)); err != nil {
					log.Warn("record failure for task %s: %v", summary.TaskID, err)
				}
			}
		},
	})
	engine.SetMetrics(metricsReg)

	rendez := rendezvous.New(logging.NewComponentLogger("rendezvous"))
	broadcaster := broadcast.New(logging.NewComponentLogger("broadcast"))

	spawner := impl.NewBoundedSpawner(impl.LoggingSpawner{Log: logging.NewComponentLogger("spawner")}, int64(cfg.MaxConcurrentSpawns))

	ledger := coordinator.NewHistoryLedger(layout)
	coordAgent := coordinator.New(coordinator.Config{
		Timing: coordinator.Timing{
			Debounce: cfg.Coordinator.DebounceDuration(),
			MaxWait:  cfg.Coordinator.MaxWaitDuration(),
			Cooldown: cfg.Coordinator.CooldownDuration(),
		},
		RetryAttempts:    cfg.Coordinator.EvalRetryAttempts,
		LLM:              llmport.UnconfiguredClient{ModelName: cfg.LLM.Model},
		Ledger:           ledger,
		Layout:           layout,
		Logger:           logging.NewComponentLogger("coordinator-agent"),
		Metrics:          metricsReg,
		DecisionHistoryN: cfg.Coordinator.DecisionHistoryN,
		PlanTokenBudget:  cfg.Coordinator.PlanTokenBudget,
	})

	uc := unified.New(unified.Deps{
		Config:      cfg,
		Layout:      layout,
		Sessions:    sessions,
		Tasks:       tasks,
		Pool:        pool,
		Engine:      engine,
		Registry:    registry,
		Rendezvous:  rendez,
		Broadcaster: broadcaster,
		Coordinator: coordAgent,
		Spawner:     spawner,
		Logger:      logging.NewComponentLogger("unified-coordinator"),
		Metrics:     metricsReg,
	})
	coordAgent.SetProvider(uc)
	coordAgent.OnEvaluated = func(sessionID string, decision coordinator.Decision, err error) {
		if err != nil {
			log.Warn("evaluation for %s failed: %v", sessionID, err)
		}
	}

	idleMonitor := idle.New(cfg.Idle, sessions, uc, uc, logging.NewComponentLogger("idle-monitor"))

	sched := scheduler.New(logging.NewComponentLogger("scheduler"))
	firstIdleTick := true
	if err := sched.AddFunc("idle-tick", fmt.Sprintf("@every %s", cfg.Idle.Tick()), func() {
		idleMonitor.TickOnce(firstIdleTick)
		firstIdleTick = false
	}); err != nil {
		return fmt.Errorf("register idle-tick job: %w", err)
	}
	if err := sched.AddFunc("periodic-cleanup", fmt.Sprintf("@every %s", cfg.Cleanup.Interval()), func() {
		uc.PeriodicCleanup(ctx)
	}); err != nil {
		return fmt.Errorf("register periodic-cleanup job: %w", err)
	}

	var bg errGroup
	bg.Go(func() error { return metricsReg.Serve(ctx, cfg.MetricsAddr) })
	bg.Go(func() error { sched.Run(ctx); return nil })

	idleMonitor.Ready()
	fmt.Println(okLine("apc-coordinatord ready"))

	<-ctx.Done()
	fmt.Println(statusLine("shutting down..."))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	uc.Shutdown(shutdownCtx)
	sched.Stop()

	if err := bg.Wait(); err != nil {
		log.Warn("background component exited with error: %v", err)
		fmt.Println(warnLine(fmt.Sprintf("background component exited with error: %v", err)))
	}
	fmt.Println(okLine("apc-coordinatord stopped"))
	return nil
}

func setupTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	if err != nil {
		return nil, fmt.Errorf("build otlp exporter: %w", err)
	}
	provider := tracing.NewProvider(exporter, tracing.NewResource("apc-coordinatord", version))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// errGroup is a minimal fan-out helper for the daemon's background loops,
// avoiding a dependency on golang.org/x/sync/errgroup for two goroutines.
type errGroup struct {
	n     int
	errCh chan error
}

func (g *errGroup) Go(fn func() error) {
	if g.errCh == nil {
		g.errCh = make(chan error)
	}
	g.n++
	go func() { g.errCh <- fn() }()
}

func (g *errGroup) Wait() error {
	var first error
	for i := 0; i < g.n; i++ {
		if err := <-g.errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}
