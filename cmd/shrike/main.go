// Shrike - Timecard anomaly detection for payroll teams.
// Copyright (c) 2025 openpayroll
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openpayroll/shrike/internal/api"
	"github.com/openpayroll/shrike/internal/bus"
	"github.com/openpayroll/shrike/internal/cache"
	"github.com/openpayroll/shrike/internal/config"
	"github.com/openpayroll/shrike/internal/domain"
	"github.com/openpayroll/shrike/internal/engine"
	"github.com/openpayroll/shrike/internal/forest"
	"github.com/openpayroll/shrike/internal/reasons"
	"github.com/openpayroll/shrike/internal/repository"
	"github.com/openpayroll/shrike/internal/scheduler"
	"github.com/openpayroll/shrike/internal/source"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $SHRIKE_CONFIG, then ./shrike.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	setupLogging(cfg.Logging)

	// Log startup
	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"tenant", cfg.TenantID,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize payroll data source (read-only)
	src, err := source.New(cfg.Source)
	if err != nil {
		slog.Error("failed to open payroll database", "error", err)
		os.Exit(1)
	}
	defer src.Close()
	slog.Info("payroll source connected", "driver", cfg.Source.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Reason Engine with builtin rules
	reasoner, err := reasons.NewEngine()
	if err != nil {
		slog.Error("failed to initialize reason engine", "error", err)
		os.Exit(1)
	}
	defer reasoner.Close()

	if err := loadReasonRules(ctx, cfg.TenantID, repo, reasoner); err != nil {
		slog.Error("failed to load reason rules", "error", err)
		os.Exit(1)
	}
	slog.Info("reason engine initialized", "rules_count", reasoner.RulesCount())

	// Initialize detection engine
	eng := engine.New(engine.Params{
		TenantID: cfg.TenantID,
		Config:   cfg.Engine,
		Source:   src,
		Forest: forest.New(forest.Config{
			Trees:     cfg.Engine.TreeCount,
			Subsample: cfg.Engine.SubsampleSize,
			Seed:      cfg.Engine.Seed,
		}),
		Reasoner: reasoner,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
	})

	// Train the model on the synthetic prior, then restore persisted
	// anomaly state so dedup and blocking survive restarts.
	trainStart := time.Now()
	if err := eng.Train(); err != nil {
		slog.Error("failed to train detection model", "error", err)
		os.Exit(1)
	}
	slog.Info("detection model trained",
		"trees", cfg.Engine.TreeCount,
		"subsample", cfg.Engine.SubsampleSize,
		"duration_ms", time.Since(trainStart).Milliseconds(),
	)

	eng.Rehydrate(ctx)

	// Initialize scan scheduler
	sched := scheduler.New(eng, scheduler.Config{
		Interval:  time.Duration(cfg.Engine.ScanIntervalSecs) * time.Second,
		AutoScan:  cfg.Engine.AutoScan,
		RefitCron: cfg.Engine.RefitCron,
	})
	if err := sched.Start(); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, sched, reasoner, repo, cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the scheduler first so no new scans start
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

func setupLogging(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadReasonRules loads the builtin rule set, then overlays any rules
// stored in the repository. A stored rule with a builtin's ID replaces
// that builtin.
func loadReasonRules(ctx context.Context, tenantID string, repo domain.Repository, reasoner *reasons.Engine) error {
	ruleSet := reasons.BuiltinRules()

	dbRules, err := repo.ListReasonRules(ctx, tenantID)
	if err != nil {
		slog.Warn("failed to list reason rules from database, using builtins", "error", err)
		return reasoner.LoadRules(ruleSet)
	}

	if len(dbRules) > 0 {
		slog.Info("overlaying reason rules from database", "count", len(dbRules))
		byID := make(map[string]int, len(ruleSet))
		for i, r := range ruleSet {
			byID[r.ID] = i
		}
		for _, r := range dbRules {
			if i, ok := byID[r.ID]; ok {
				ruleSet[i] = r
			} else {
				ruleSet = append(ruleSet, r)
			}
		}
	}

	return reasoner.LoadRules(ruleSet)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               SHRIKE                      ║")
	fmt.Println("  ║     Timecard Anomaly Detection            ║")
	fmt.Println("  ║     Every punch accounted for.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Tenant:   %s\n", cfg.TenantID)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /scan                    - Trigger a scan now")
	fmt.Println("    GET  /scan/status             - Countdown and model state")
	fmt.Println("    POST /scan/schedule           - Enable/disable automatic scans")
	fmt.Println("    GET  /anomalies               - List anomaly records")
	fmt.Println("    GET  /anomalies/{id}          - Get an anomaly record")
	fmt.Println("    POST /anomalies/{id}/resolve  - Resolve an anomaly")
	fmt.Println("    GET  /summary                 - Aggregate counts")
	fmt.Println("    GET  /reputation              - Employee reputation scores")
	fmt.Println("    GET  /employees/blocked       - Blocked employees")
	fmt.Println("    GET  /rules                   - List reason rules")
	fmt.Println("    POST /rules                   - Create a reason rule")
	fmt.Println("    POST /rules/reload            - Hot-reload rules from database")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
