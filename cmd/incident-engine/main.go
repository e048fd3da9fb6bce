package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-incident/internal/agent"
	"github.com/miradorstack/mirador-incident/internal/api"
	"github.com/miradorstack/mirador-incident/internal/cache"
	"github.com/miradorstack/mirador-incident/internal/classify"
	"github.com/miradorstack/mirador-incident/internal/collectors"
	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/detect"
	"github.com/miradorstack/mirador-incident/internal/knowledge"
	"github.com/miradorstack/mirador-incident/internal/lifecycle"
	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/oracle"
	"github.com/miradorstack/mirador-incident/internal/repo"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-incident", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	telemetry := repo.NewTelemetryClient(
		cfg.Telemetry.BaseURL,
		cfg.Telemetry.AlarmsPath,
		cfg.Telemetry.MetricsPath,
		cfg.Telemetry.LogsPath,
		cfg.Telemetry.InsightsPath,
		cfg.Telemetry.Timeout,
	)

	index := repo.NewKnowledgeIndexClient(
		cfg.Knowledge.Endpoint,
		cfg.Knowledge.APIKey,
		cfg.Knowledge.Timeout,
		cacheProvider,
		cfg.Knowledge.SearchTTL,
	)

	ticketing := repo.NewTicketingClient(
		cfg.Ticketing.BaseURL,
		cfg.Ticketing.Token,
		cfg.Ticketing.ProjectKey,
		cfg.Ticketing.IssueType,
		cfg.Ticketing.Timeout,
	)

	notifier := repo.NewNotifier(
		cfg.Notify.WebhookURL,
		cfg.Notify.MailEndpoint,
		cfg.Notify.MailFrom,
		cfg.Notify.MailTo,
		cfg.Notify.Timeout,
	)

	oracleClient := oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.Model, cfg.Oracle.Timeout, logger)

	ruleEngine, err := classify.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	detector := detect.New(oracleClient, cfg.Agent.CorrelationWindow, cfg.Oracle.ConfidenceFloor, logger)
	classifier := classify.New(ruleEngine, oracleClient, logger)
	retriever := knowledge.NewRetriever(index, cfg.Knowledge.SearchLimit, logger)
	caseWriter := knowledge.NewWriter(index, cfg.Ticketing.RetryMax, cfg.Ticketing.RetryBase, logger)

	lcManager := lifecycle.NewManager(lifecycle.NewStore(), ticketing, notifier, oracleClient, caseWriter, lifecycle.Config{
		FingerprintBucket: cfg.Agent.FingerprintBucket,
		CloseTimeout:      cfg.Agent.CloseTimeout,
		MaxEventHistory:   cfg.Agent.MaxEventHistory,
		TicketRetryMax:    cfg.Ticketing.RetryMax,
		TicketRetryBase:   cfg.Ticketing.RetryBase,
	}, logger)

	sources := collectors.NewManager(cfg.Agent.FingerprintBucket, cfg.Agent.DedupTTL, logger)
	intervals := make(map[models.SourceKind]time.Duration)
	if cfg.Sources.Alarms.Enabled {
		sources.Register(collectors.NewAlarmCollector(telemetry), cfg.Sources.Alarms.Interval)
		intervals[models.SourceAlarm] = cfg.Sources.Alarms.Interval
	}
	if cfg.Sources.Metrics.Enabled {
		sources.Register(collectors.NewMetricCollector(telemetry, cfg.Sources.Metrics.Watches), cfg.Sources.Metrics.Interval)
		intervals[models.SourceMetric] = cfg.Sources.Metrics.Interval
	}
	if cfg.Sources.Logs.Enabled {
		sources.Register(collectors.NewLogCollector(telemetry, cfg.Sources.Logs.Groups, cfg.Sources.Logs.Patterns, cfg.Sources.Logs.MinMatches), cfg.Sources.Logs.Interval)
		intervals[models.SourceLog] = cfg.Sources.Logs.Interval
	}
	if cfg.Sources.Insights.Enabled {
		sources.Register(collectors.NewInsightCollector(telemetry, cfg.Sources.Insights.Queries), cfg.Sources.Insights.Interval)
		intervals[models.SourceLogInsight] = cfg.Sources.Insights.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Knowledge.Endpoint != "" {
		bootCtx, cancel := context.WithTimeout(ctx, cfg.Knowledge.Timeout*4)
		if err := index.EnsureSchema(bootCtx); err != nil {
			logger.Warn("knowledge schema setup failed", slog.Any("error", err))
		} else if cfg.Knowledge.SeedRunbooks {
			if seeded, err := index.SeedDefaults(bootCtx); err != nil {
				logger.Warn("runbook seeding failed", slog.Any("error", err))
			} else if seeded > 0 {
				logger.Info("seeded default runbooks", slog.Int("count", seeded))
			}
		}
		cancel()
	}

	collabs := []agent.NamedTester{
		{Name: "oracle", Test: oracleClient.TestConnection},
		{Name: "knowledge-index", Test: index.TestConnection},
		{Name: "ticketing", Test: ticketing.TestConnection},
		{Name: "notify", Test: notifier.TestConnection},
	}

	pipeline := agent.New(sources, detector, classifier, retriever, lcManager, index, collabs, intervals, cfg.Agent.CollectionInterval, logger)

	handlers := api.NewHandlers(pipeline, lcManager, index, logger)
	server, err := api.NewServer(cfg.Server, handlers, logger)
	if err != nil {
		logger.Error("failed to create API server", slog.Any("error", err))
		os.Exit(1)
	}

	go lcManager.Run(ctx)

	if err := pipeline.Start(); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("API server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	pipeline.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-incident stopped")
}
