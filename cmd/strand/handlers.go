package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/strand/internal/approval"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/contextpack"
	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/internal/ledger"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/policy"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/server"
	"github.com/haasonsaas/strand/internal/skills"
	"github.com/haasonsaas/strand/internal/toolkit"
)

func runServe(ctx context.Context, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.SetupLogging(observability.LogConfig{
		Level:  level,
		Format: cfg.LogFormat,
	})

	tracer, shutdownTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName:    "strand",
		ServiceVersion: Version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("trace shutdown", "error", err)
		}
	}()

	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.DBPath != ":memory:" {
		if err := store.RebuildSeqCounters(ctx); err != nil {
			return err
		}
	}

	pol, err := policy.Load(cfg.Workspace)
	if err != nil {
		return err
	}
	kernel, err := toolkit.NewKernel(cfg.Workspace, pol)
	if err != nil {
		return err
	}

	provider, err := engine.NewAnthropicProvider(engine.AnthropicConfig{
		APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		DefaultModel: cfg.Model,
	})
	if err != nil {
		return err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	registry := skills.NewRegistry(cfg.Workspace, home, cfg.SkillDirs...)
	if err := registry.Discover(ctx); err != nil {
		return err
	}
	watcher := skills.NewWatcher(registry)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("skill watcher failed to start", "error", err)
	}
	defer watcher.Stop()

	manager := runs.NewManager(store, approval.NewGate())
	reg := prometheus.NewRegistry()

	srv := server.New(server.Options{
		Config:    cfg,
		Manager:   manager,
		Kernel:    kernel,
		Provider:  provider,
		Skills:    registry,
		Assembler: contextpack.NewAssembler(cfg.BasePrompt),
		Memory:    memory.NewService(store, provider, memory.Options{Model: cfg.Model}),
		Metrics:   observability.NewMetrics(reg),
		Gatherer:  reg,
		Tracer:    tracer,
		Version:   Version,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func defaultServerURL() string {
	if port := os.Getenv(config.EnvPrefix + "PORT"); port != "" {
		return "http://localhost:" + port
	}
	return fmt.Sprintf("http://localhost:%d", config.DefaultPort)
}
