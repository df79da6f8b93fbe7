package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meditriage/triage-platform/internal/api/router"
	"github.com/meditriage/triage-platform/internal/app/bootstrap"
	"github.com/meditriage/triage-platform/internal/chat"
	appconfig "github.com/meditriage/triage-platform/internal/config"
	"github.com/meditriage/triage-platform/internal/files"
	"github.com/meditriage/triage-platform/internal/http/handlers"
	"github.com/meditriage/triage-platform/internal/llm"
	"github.com/meditriage/triage-platform/internal/observability/metrics"
	"github.com/meditriage/triage-platform/internal/patients"
	"github.com/meditriage/triage-platform/internal/report"
	"github.com/meditriage/triage-platform/internal/session"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting triage-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing services.
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, false)
	if redisClient == nil {
		logger.Error("redis is required for conversation transcripts")
		os.Exit(1)
	}
	transcriptStore := transcript.NewStore(redisClient, transcript.WithTTL(cfg.TranscriptTTL))

	db, err := bootstrap.OpenDatabase(cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	pool, err := bootstrap.OpenPGXPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to open pgx pool", "error", err)
		os.Exit(1)
	}

	awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// Model roles: Gemini carries the conversation, Bedrock writes reports
	// with Gemini as fallback.
	conversational, err := bootstrap.BuildConversationalClient(ctx, cfg)
	if err != nil {
		logger.Error("failed to build conversational model client", "error", err)
		os.Exit(1)
	}
	reportClient := llm.NewFallbackClient(bootstrap.BuildReportClient(awsCfg), conversational, logger)
	gateway := llm.NewGateway(conversational, reportClient, llm.GatewayConfig{
		ConverseModel:   cfg.GeminiModelID,
		ReportModel:     cfg.BedrockReportModelID,
		ConverseTimeout: cfg.ConverseTimeout,
		ReportTimeout:   cfg.ReportTimeout,
		MaxAttempts:     cfg.RetryMaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
	}, logger)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	triageMetrics := metrics.NewTriageMetrics(registry)

	// Report pipeline.
	if db == nil {
		logger.Error("a database is required for report persistence")
		os.Exit(1)
	}
	patientStore := patients.NewStore(db)
	pipelineOpts := []report.PipelineOption{
		report.WithGenerateTimeout(cfg.ReportTimeout + time.Minute),
	}
	if pool != nil {
		pipelineOpts = append(pipelineOpts, report.WithClaimStore(report.NewClaimStore(pool)))
	}
	if cfg.RenderServiceURL != "" {
		pipelineOpts = append(pipelineOpts, report.WithRenderer(report.NewHTTPRenderer(cfg.RenderServiceURL, logger)))
	}
	pipeline := report.NewPipeline(gateway, patientStore, logger, triageMetrics, pipelineOpts...)

	// Session engine.
	sessions := session.NewRegistry(transcriptStore, gateway, pipeline, logger, triageMetrics,
		session.WithMaxIdle(cfg.SessionMaxIdle),
		session.WithSweepInterval(cfg.SessionSweepInterval),
	)
	go sessions.Run(ctx)

	// Document uploads.
	var uploadHandler *files.Handler
	if cfg.DocumentsBucket != "" {
		docStore := files.NewStore(s3.NewFromConfig(awsCfg), cfg.DocumentsBucket, logger)
		uploadHandler = files.NewHandler(docStore, sessions, logger)
	} else {
		logger.Warn("document uploads disabled: DOCUMENTS_BUCKET not set")
	}

	healthChecks := map[string]handlers.HealthCheck{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	healthChecks["postgres"] = patientStore.HealthCheck

	r := router.New(&router.Config{
		Logger:             logger,
		ChatHandler:        chat.NewHandler(sessions, transcriptStore, logger),
		PatientsHandler:    patients.NewHandler(patientStore, logger),
		UploadHandler:      uploadHandler,
		HealthHandler:      handlers.NewHealthHandler(logger, healthChecks),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: []string{"*"},
	})

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight report generations before exit.
	pipeline.Wait()

	if pool != nil {
		pool.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	_ = redisClient.Close()

	logger.Info("server stopped")
}
