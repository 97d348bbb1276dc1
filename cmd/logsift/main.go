// logsift server — ingests log streams, clusters and classifies failures,
// and serves the analysis API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/logsift/logsift/pkg/api"
	"github.com/logsift/logsift/pkg/automations"
	"github.com/logsift/logsift/pkg/broker"
	"github.com/logsift/logsift/pkg/cluster"
	"github.com/logsift/logsift/pkg/config"
	"github.com/logsift/logsift/pkg/correlate"
	"github.com/logsift/logsift/pkg/embedding"
	"github.com/logsift/logsift/pkg/llm"
	"github.com/logsift/logsift/pkg/normalize"
	"github.com/logsift/logsift/pkg/pipeline"
	"github.com/logsift/logsift/pkg/producers"
	"github.com/logsift/logsift/pkg/sources"
	"github.com/logsift/logsift/pkg/telemetry"
	"github.com/logsift/logsift/pkg/vector"
	"github.com/logsift/logsift/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// service is the common lifecycle of the pipeline roles.
type service interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	dataDir := flag.String("data-dir",
		getEnv("DATA_DIR", "./data"),
		"Path to template CSV seed files")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting logsift",
		"version", version.Full(),
		"config_dir", *configDir,
		"data_dir", *dataDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the Redis broker
	rdb, err := broker.NewClient(cfg.Redis.URL)
	if err != nil {
		slog.Error("Failed to create broker client", "url", cfg.Redis.URL, "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := rdb.WaitReady(readyCtx); err != nil {
		readyCancel()
		slog.Error("Broker did not become ready", "url", cfg.Redis.URL, "error", err)
		os.Exit(1)
	}
	readyCancel()
	slog.Info("Connected to Redis broker", "url", cfg.Redis.URL)

	// 3. Build the embedding provider and vector store
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "hashing":
		embedder = embedding.NewHashing(256)
	default:
		embedder, err = embedding.NewOpenAI(embedding.OpenAIOptions{
			Provider: cfg.Embedding.Provider,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
			APIKey:   cfg.Embedding.APIKey,
		})
		if err != nil {
			slog.Error("Failed to create embedding provider", "error", err)
			os.Exit(1)
		}
	}

	store := vector.NewChromaStore(vector.ChromaOptions{
		URL:      cfg.Chroma.URL,
		Tenant:   cfg.Chroma.Tenant,
		Database: cfg.Chroma.Database,
	}, embedder)

	names := vector.Names{
		TemplatePrefix: cfg.Chroma.TemplateCollectionPrefix,
		LogPrefix:      cfg.Chroma.LogCollectionPrefix,
		ProtoPrefix:    cfg.Chroma.ProtoCollectionPrefix,
	}
	if cfg.Chroma.EmbeddingsInCollectionName {
		names.Suffix = embedding.CollectionSuffix(embedder.Identity())
	}
	slog.Info("Vector store initialized",
		"chroma", cfg.Chroma.URL,
		"embedding", embedder.Identity())

	// 4. Open the data-source store. Postgres is preferred; without it the
	// source registry falls back to memory and does not survive restarts.
	var srcStore sources.Store
	pgStore, err := sources.OpenPG(ctx, sources.PGConfig{
		DSN:          cfg.Database.DSN(),
		Database:     cfg.Database.Name,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Warn("PostgreSQL unavailable, using in-memory source store", "error", err)
		srcStore = sources.NewMemoryStore()
	} else {
		defer pgStore.Close()
		srcStore = sources.NewCachedStore(pgStore, 30*time.Second)
		slog.Info("Connected to PostgreSQL source store", "database", cfg.Database.Name)
	}

	// 5. Shared services: metrics, LLM usage tracking, chat classification
	metrics := telemetry.New()
	tracker := cluster.NewTracker(rdb, cfg.LLM.CostPer1KTokens)

	chat, err := llm.NewOpenAIChat(llm.OpenAIOptions{
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
	}, tracker)
	if err != nil {
		slog.Error("Failed to create chat client", "error", err)
		os.Exit(1)
	}
	llmService := llm.NewService(chat, cfg.LLM.Temperature)

	online := cluster.NewOnline(store, names, embedder, tracker,
		cfg.Pipeline.OnlineClusterDistanceThreshold, cfg.Embedding.Mode)
	rebuilder := cluster.NewRebuilder(store, names, rdb, tracker, cluster.RebuildOptions{
		Threshold: cfg.Pipeline.ClusterDistanceThreshold,
		MinSize:   cfg.Pipeline.ClusterMinSize,
	})
	correlator := correlate.New(store, names,
		cfg.Pipeline.ClusterDistanceThreshold, cfg.Pipeline.ClusterMinSize)
	registry := normalize.NewRegistry()

	// 6. Start the enabled pipeline roles
	alertsTTL := time.Duration(cfg.Pipeline.AlertsTTLSec) * time.Second
	var running []service
	start := func(name string, svc service) {
		if err := svc.Start(ctx); err != nil {
			slog.Error("Failed to start service", "service", name, "error", err)
			os.Exit(1)
		}
		running = append(running, svc)
		slog.Info("Service started", "service", name)
	}

	var metricsAggregator *pipeline.MetricsAggregator

	if cfg.Pipeline.EnableConsumer {
		start("consumer", pipeline.NewConsumer(rdb, store, names, srcStore, registry, metrics,
			pipeline.ConsumerOptions{
				EmbeddingMode:         cfg.Embedding.Mode,
				NearestProtoThreshold: cfg.Pipeline.NearestProtoThreshold,
				PerLineCandidates:     cfg.Pipeline.EnablePerLineCandidates,
			}))
	}
	if cfg.Pipeline.EnableIssueAggregator {
		start("aggregator", pipeline.NewAggregator(rdb, store, names, online, registry, metrics,
			pipeline.AggregatorOptions{
				Inactivity:               time.Duration(cfg.Pipeline.IssueInactivitySec) * time.Second,
				MaxLogsForLLM:            cfg.Pipeline.IssueMaxLogsForLLM,
				MinLogsForClassification: cfg.Pipeline.ClusterMinLogsForClassification,
			}))
	}
	if cfg.Pipeline.EnableEnricher {
		start("enricher", pipeline.NewEnricher(rdb, store, names, llmService, tracker, metrics, alertsTTL))
	}
	if cfg.Pipeline.EnableClusterEnricher {
		start("cluster_enricher", pipeline.NewClusterEnricher(rdb, store, names, llmService, tracker, metrics, alertsTTL))
	}
	if cfg.Pipeline.EnableClusterMetrics {
		metricsAggregator = pipeline.NewMetricsAggregator(rdb, store, names, tracker, metrics,
			pipeline.MetricsAggregatorOptions{
				Interval:         time.Duration(cfg.Pipeline.MetricsAggregationIntervalSec) * time.Second,
				QualityThreshold: cfg.Pipeline.ClusterQualityThreshold,
				DriftWindow:      time.Duration(cfg.Pipeline.DriftDetectionWindowSec) * time.Second,
			})
		start("cluster_metrics", metricsAggregator)
	}
	if cfg.Pipeline.ClusterRebuildIntervalSec > 0 {
		start("rebuild_job", pipeline.NewRebuildJob(rebuilder,
			time.Duration(cfg.Pipeline.ClusterRebuildIntervalSec)*time.Second))
	}
	if cfg.Pipeline.EnableFailurePrediction {
		start("predictor", pipeline.NewPredictor(rdb, metrics))
	}

	// 7. Start the automation engine
	var engine *automations.Engine
	var ruleStore *automations.RuleStore
	if cfg.Automations.Enabled {
		rulesPath := cfg.Automations.RulesPath
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(*configDir, rulesPath)
		}
		ruleStore, err = automations.NewRuleStore(rulesPath)
		if err != nil {
			slog.Error("Failed to load automation rules", "path", rulesPath, "error", err)
			os.Exit(1)
		}
		engine = automations.NewEngine(rdb, ruleStore, automations.DefaultProviders(),
			metrics, cfg.Automations.DryRunEnabled())
		start("automations", engine)
	}

	// 8. Start the ingestion producers
	var manager *producers.Manager
	if cfg.Producers.Enabled {
		manager = producers.NewManager(srcStore, rdb, metrics)
		start("producers", manager)
	}

	// 9. Create the HTTP server and seed template collections
	httpServer := api.NewServer(rdb, srcStore, manager, store, names, correlator,
		tracker, rebuilder, metricsAggregator, engine, ruleStore, metrics,
		api.Options{
			AlertsTTL:        alertsTTL,
			QualityThreshold: cfg.Pipeline.ClusterQualityThreshold,
			DataDir:          *dataDir,
		})

	if err := httpServer.SeedTemplates(ctx, *dataDir); err != nil {
		slog.Warn("Template seeding failed", "error", err)
	}

	// 10. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTP.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("logsift started successfully", "services", len(running))

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop services in reverse start order so the
	// producers quiesce before the consumers drain, then close the server.
	for i := len(running) - 1; i >= 0; i-- {
		running[i].Stop()
	}
	slog.Info("Pipeline services stopped")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
