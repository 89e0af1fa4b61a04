// Granary - PDS order auditing and demand forecasting.
// Copyright (c) 2025 opensource-pds
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-pds/granary/internal/api"
	"github.com/opensource-pds/granary/internal/audit"
	"github.com/opensource-pds/granary/internal/bus"
	"github.com/opensource-pds/granary/internal/cache"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/forecast"
	"github.com/opensource-pds/granary/internal/repository"
	"github.com/opensource-pds/granary/internal/rules"
	"github.com/opensource-pds/granary/internal/velocity"
	"github.com/opensource-pds/granary/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("GRANARY_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting granary",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("GRANARY_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// Initialize Velocity Service
	velocitySvc := velocity.NewService(repo, cacheImpl)
	slog.Info("velocity service initialized")

	// Initialize custom rule engine with velocity getter
	custom, err := rules.NewCustomEngine(velocitySvc.Getter(), 100)
	if err != nil {
		slog.Error("failed to initialize custom rule engine", "error", err)
		os.Exit(1)
	}
	defer custom.Close()

	// Load custom rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, custom); err != nil {
		slog.Error("failed to load custom rules", "error", err)
		os.Exit(1)
	}
	slog.Info("custom rule engine initialized", "rules_count", custom.RulesCount())

	// Load the active policy version; fall back to defaults on a fresh DB
	policy, err := repo.ActivePolicy(ctx)
	if err != nil {
		slog.Warn("failed to load active policy, using defaults", "error", err)
		policy = domain.DefaultPolicy()
	}
	slog.Info("policy loaded", "version", policy.Version)

	// Initialize audit and forecast engines
	auditor := audit.NewAuditor(repo, cacheImpl, busImpl, custom, policy)
	engine := forecast.NewEngine(repo, policy)
	reporter := forecast.NewReporter(engine, repo, busImpl)
	slog.Info("audit and forecast engines initialized")

	// Initialize the audit worker (Pro tier, or opt-in)
	var auditWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("GRANARY_AUDIT_WORKER") == "true" {
		auditWorker = worker.NewWorker(busImpl, auditor)

		var stores []string
		if envStores := os.Getenv("GRANARY_STORES"); envStores != "" {
			for _, s := range strings.Split(envStores, ",") {
				if s = strings.TrimSpace(s); s != "" {
					stores = append(stores, s)
				}
			}
		}

		interval := time.Duration(0)
		if envInterval := os.Getenv("GRANARY_AUDIT_INTERVAL"); envInterval != "" {
			if d, err := time.ParseDuration(envInterval); err == nil {
				interval = d
			} else {
				slog.Warn("invalid GRANARY_AUDIT_INTERVAL", "value", envInterval)
			}
		}

		if len(stores) == 0 {
			slog.Warn("audit worker enabled but GRANARY_STORES is empty; worker not started")
		} else if err := auditWorker.Start(worker.Config{Stores: stores, Interval: interval}); err != nil {
			slog.Error("failed to start audit worker", "error", err)
			auditWorker = nil
		} else {
			slog.Info("audit worker started", "store_count", len(stores), "interval", interval)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, auditor, engine, reporter, custom, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("granary is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if auditWorker != nil {
		if err := auditWorker.Stop(); err != nil {
			slog.Error("failed to stop audit worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("granary shutdown complete")
}

// loadRulesFromDatabase loads enabled custom rules into the engine.
// All rules are configured via POST /rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, custom *rules.CustomEngine) error {
	dbRules, err := repo.ListCustomRules(ctx)
	if err != nil {
		slog.Warn("failed to list custom rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading custom rules from database", "count", len(dbRules))
		return custom.LoadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🌾 GRANARY                  ║")
	fmt.Println("  ║   PDS Audit & Demand Forecasting Engine   ║")
	fmt.Println("  ║     Every ration accounted for.           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /orders                         - Ingest an order")
	fmt.Println("    POST /audits/{storeID}               - Audit a posted batch")
	fmt.Println("    POST /audits/{storeID}/run           - Audit stored orders")
	fmt.Println("    GET  /audits/{storeID}/latest        - Latest audit report")
	fmt.Println("    GET  /forecasts/{storeID}/{item}     - Demand forecast")
	fmt.Println("    GET  /stores/{storeID}/demand-report - Store demand report")
	fmt.Println("    GET  /rules                          - List custom rules")
	fmt.Println("    POST /rules                          - Create a custom rule")
	fmt.Println("    POST /rules/reload                   - Hot-reload custom rules")
	fmt.Println("    GET  /policy                         - Active policy table")
	fmt.Println("    PUT  /policy                         - Publish a policy version")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println()
}
