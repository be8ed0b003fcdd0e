package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stagewise/stagewise/internal/executor"
	"github.com/stagewise/stagewise/internal/expressions"
	"github.com/stagewise/stagewise/internal/flow"
	"github.com/stagewise/stagewise/internal/goal"
	"github.com/stagewise/stagewise/internal/logging"
	"github.com/stagewise/stagewise/internal/orchestrator"
	"github.com/stagewise/stagewise/internal/planner"
	"github.com/stagewise/stagewise/internal/registry"
	"github.com/stagewise/stagewise/internal/scheduler"
	"github.com/stagewise/stagewise/internal/store"
	"github.com/stagewise/stagewise/pkg/mcp"
	"github.com/stagewise/stagewise/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stagewise:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalogData, err := os.ReadFile(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	reg, err := registry.LoadCatalog(catalogData)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	rulesData, err := os.ReadFile(cfg.RulesPath)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	rules, err := registry.LoadRules(rulesData)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("create cel engine: %w", err)
	}
	engines := map[string]expressions.Engine{
		"expr": expressions.NewExprEngine(),
		"cel":  celEngine,
	}
	jq := expressions.NewGoJQEngine()

	policy := schema.DefaultPolicy()
	goals := goal.NewEvaluator(policy, logger, engines)
	pl := planner.NewRoutePlanner(policy, logger)
	exec := executor.NewActionExecutor(policy, logger,
		executor.NewStaticResolver(nil, executor.ActionFunc(echoAction)),
		nil, nil, nil, nil)
	decider := flow.NewDecisionEngine(policy, logger, rules, engines, jq)

	orch := orchestrator.New(policy, logger, reg, goals, pl, exec, decider, st)

	janitor := scheduler.NewJanitor(st, exec.Cache(), scheduler.JanitorConfig{
		CronExpression: cfg.JanitorCron,
		SessionTTL:     scheduler.DefaultJanitorConfig().SessionTTL,
		CacheTTL:       scheduler.DefaultJanitorConfig().CacheTTL,
		VacuumEvery:    scheduler.DefaultJanitorConfig().VacuumEvery,
	}, logger)
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer janitor.Stop()

	srv := mcp.NewStagewiseServer(mcp.StagewiseServerDeps{
		Orchestrator: orch,
		Logger:       logger,
	})

	logger.Info("stagewise engine ready",
		"catalog", cfg.CatalogPath,
		"rules", cfg.RulesPath,
		"db", cfg.DBPath)

	return srv.Serve(ctx)
}

// echoAction is the fallback action for steps with no registered
// implementation: it reflects the step identity back as a single
// descriptor so sessions can be exercised end to end.
func echoAction(ctx context.Context, input executor.ActionInput) (map[string]any, error) {
	return map[string]any{
		"actions": []any{
			map[string]any{
				"step_id": input.StepID,
				"name":    input.Name,
			},
		},
	}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
