package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wolfman30/titration-sim/cmd/mainconfig"
	"github.com/wolfman30/titration-sim/internal/agent"
	"github.com/wolfman30/titration-sim/internal/app/bootstrap"
	"github.com/wolfman30/titration-sim/internal/batch"
	appconfig "github.com/wolfman30/titration-sim/internal/config"
	"github.com/wolfman30/titration-sim/internal/evaluation"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/internal/protocol"
	"github.com/wolfman30/titration-sim/internal/rules"
	"github.com/wolfman30/titration-sim/internal/simulator"
	"github.com/wolfman30/titration-sim/internal/titration"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	registry := agent.DefaultRegistry()
	if err := cfg.Validate(registry.Names()); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, registry, logger); err != nil {
		logger.Error("titration run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, registry *agent.Registry, logger *logging.Logger) error {
	kb, err := protocol.Load()
	if err != nil {
		return err
	}
	scenarios, err := titration.LoadScenarios(cfg.ScenarioPath, cfg.ScenarioLimit)
	if err != nil {
		return err
	}
	factory, err := registry.Resolve(cfg.Agent)
	if err != nil {
		return err
	}

	var awsCfg *aws.Config
	if cfg.UsesAWS() {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return err
		}
		awsCfg = &loaded
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	runMetrics := metrics.NewRunMetrics(reg)
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer shutdown()
	}

	rdb := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if rdb != nil {
		defer rdb.Close()
	}
	clients, err := bootstrap.BuildLLMClients(ctx, cfg, awsCfg, rdb, runMetrics, logger)
	if err != nil {
		return err
	}

	sinks, err := bootstrap.BuildSinks(ctx, cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	model := cfg.ModelFor(cfg.LLMProvider)
	sim := simulator.New(
		simulator.Config{MaxTurns: cfg.MaxTurnsPerRound, InterTurnDelay: cfg.InterTurnDelay},
		rules.NewChecker(kb),
		agent.NewPatient(clients.Conversation, kb.Prompts, model),
		evaluation.NewService(clients.Evaluator, kb, cfg.EvaluatorModel(), runMetrics, logger),
		runMetrics,
		logger,
	)

	opts := []batch.Option{
		batch.WithBatchSize(cfg.BatchSize),
		batch.WithMetrics(runMetrics),
		batch.WithLogger(logger),
	}
	if sinks.Ledger != nil {
		opts = append(opts, batch.WithLedger(sinks.Ledger))
	}
	orchestrator := batch.NewOrchestrator(sim, cfg.Agent, factory, agent.Deps{
		LLM:    clients.Conversation,
		KB:     kb,
		Model:  model,
		Logger: logger,
	}, sinks.Store, opts...)

	result, runErr := orchestrator.Run(ctx, scenarios)
	if result == nil {
		return runErr
	}

	// The run context may already be cancelled; the summary is still written.
	persistCtx := context.WithoutCancel(ctx)
	if err := sinks.Store.SaveSummary(persistCtx, result.Summary); err != nil {
		logger.Error("failed to persist batch summary", "error", err)
	}
	logger.Info("batch summary written",
		"path", sinks.Files.SummaryPath(result.Summary.RunID, result.Summary.ID),
		"success_rate", result.Summary.Success.Rate,
	)

	if reporter := bootstrap.BuildReporter(cfg, awsCfg, logger); reporter != nil {
		if err := reporter.SendSummary(persistCtx, result.Summary, metrics.SnapshotLLMLatency(reg)); err != nil {
			logger.Error("failed to send run report", "error", err)
		}
	}
	return runErr
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *logging.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           bootstrap.MetricsRouter(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}
}
