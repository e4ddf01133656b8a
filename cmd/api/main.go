package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/call-verification-engine/internal/api/rest"
	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/cache"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/config"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/database"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/events"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/repository"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/telephony"
	"github.com/davidleathers/call-verification-engine/internal/service/autoqueue"
	"github.com/davidleathers/call-verification-engine/internal/service/calldriver"
	"github.com/davidleathers/call-verification-engine/internal/service/mode"
	"github.com/davidleathers/call-verification-engine/internal/service/retry"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	ctx := context.Background()
	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "call-verification-engine",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// Infrastructure clients log through zap.
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer zapLogger.Sync()

	pool, err := database.Connect(ctx, &cfg.Database, zapLogger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, zapLogger)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	verifications := repository.NewVerificationRepository(pool)
	callLogs := repository.NewCallLogRepository(pool)
	modeStore := cache.NewModeOverrideStore(redisClient, zapLogger)
	blocklist := cache.NewNumberBlocklist(redisClient, zapLogger)

	resolver := mode.NewResolver(modeStore, cfg.Engine.SimulateCalls, logger)
	retryPolicy := retry.NewPolicy(cfg.Engine.BackoffTable)
	metrics := metricsCollector{}

	monitor := events.NewCallMonitor(cfg.Engine.MonitorBufferSize, logger, metrics)

	simulator := calldriver.NewSimulator(calldriver.SimulatorConfig{
		DelayMin:         cfg.Engine.SimulatedDelayMin,
		DelayMax:         cfg.Engine.SimulatedDelayMax,
		VerifiedWeight:   cfg.Engine.OutcomeWeights.Verified,
		NotFoundWeight:   cfg.Engine.OutcomeWeights.NotFound,
		NeedsHumanWeight: cfg.Engine.OutcomeWeights.NeedsHuman,
	}, logger)

	gateway := telephony.NewGatewayProvider(telephony.Config{
		BaseURL:    cfg.Telephony.GatewayURL,
		APIKey:     cfg.Telephony.APIKey,
		FromNumber: cfg.Telephony.FromNumber,
		Timeout:    cfg.Telephony.RequestTimeout,
	}, logger)

	driver := calldriver.NewService(
		verifications, callLogs, gateway, simulator,
		blocklist, monitor, resolver, retryPolicy, metrics, logger,
		calldriver.Config{
			TestEndpoint:      cfg.Engine.TestEndpoint,
			WebhookBaseURL:    cfg.Engine.WebhookBaseURL,
			CallTimeout:       cfg.Engine.CallTimeout,
			DialRatePerSecond: cfg.Engine.DialRatePerSecond,
			OutcomeRules:      cfg.Engine.OutcomeRules,
		},
	)
	// Simulated completions flow through the same ingestion path as webhooks.
	simulator.SetHandler(func(ctx context.Context, ev call.Event) {
		if err := driver.OnProviderEvent(ctx, ev); err != nil {
			logger.Error("simulated event rejected", "call_sid", ev.CallSID, "error", err)
		}
	})

	scheduler := autoqueue.NewScheduler(verifications, driver, logger, autoqueue.Config{
		ConcurrencyCap: cfg.Engine.ConcurrencyCap,
		PollInterval:   cfg.Engine.PollInterval,
		ClaimBatchSize: cfg.Engine.ClaimBatchSize,
	})

	handler := rest.NewHandler(scheduler, driver, monitor, callLogs, modeStore, resolver, pool, logger)
	server := rest.NewServer(&cfg.Server, handler, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	scheduler.Stop()
	scheduler.Wait()
	driver.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
