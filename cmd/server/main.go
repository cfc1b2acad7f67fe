package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medviz/biostream/internal/api"
	"github.com/medviz/biostream/internal/cache"
	"github.com/medviz/biostream/internal/config"
	"github.com/medviz/biostream/internal/database"
	"github.com/medviz/biostream/internal/logging"
	"github.com/medviz/biostream/internal/metadata"
	"github.com/medviz/biostream/internal/metrics"
	"github.com/medviz/biostream/internal/services"
)

func main() {
	// .env is optional, real environments configure via the process env
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)
	logger.WithField("environment", cfg.Environment).Info("Starting biostream controller")

	registry := prometheus.NewRegistry()
	streamMetrics := metrics.New(registry)

	// Redis backs the optional latest-reading cache; the controller runs
	// fine without it.
	var redisClient *database.RedisClient
	var latestCache *cache.LatestPointCache
	if cfg.Cache.Enabled {
		redisClient, err = database.NewRedisConnection(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, latest-reading cache disabled")
		} else {
			defer redisClient.Close()
			latestCache = cache.NewLatestPointCache(redisClient.Client, config.Duration(cfg.Cache.TTL, 5*time.Minute), logger)
		}
	}

	resolver := metadata.NewClient(&cfg.Metadata, logger)

	thresholds, err := services.ThresholdsFromConfig(cfg.Alerts.Thresholds)
	if err != nil {
		logger.WithError(err).Fatal("Invalid alert threshold configuration")
	}

	clinical := services.NewClinicalAlertClient(
		cfg.Alerts.ClinicalServiceURL,
		time.Duration(cfg.Alerts.SubmitTimeout)*time.Second,
		logger,
	)
	telegram := services.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)

	buffer := services.NewStreamBuffer(services.StreamBufferConfig{
		MaxPoints: cfg.Buffer.MaxPoints,
		MaxAge:    config.Duration(cfg.Buffer.MaxAge, 15*time.Minute),
	}, logger, streamMetrics)

	evaluator := services.NewAlertEvaluator(services.AlertEvaluatorConfig{
		Cooldown:  config.Duration(cfg.Alerts.Cooldown, time.Minute),
		MaxRecent: cfg.Alerts.MaxRecent,
	}, thresholds, clinical, logger, streamMetrics)

	correlator := services.NewCorrelationEngine(services.CorrelationEngineConfig{
		MinSamples: cfg.Correlation.MinSamples,
		MaxSkew:    config.Duration(cfg.Correlation.MaxSkew, 2*time.Second),
	}, buffer, logger)

	statsCalc := services.NewStatsCalculator(services.StreamStatsConfig{
		SMAPeriod: cfg.Stats.SMAPeriod,
		EMAPeriod: cfg.Stats.EMAPeriod,
	}, buffer)

	dialer := &services.WebsocketDialer{
		HandshakeTimeout: config.Duration(cfg.Transport.HandshakeTimeout, 10*time.Second),
	}
	connections := services.NewConnectionManager(services.ConnectionManagerConfig{
		BaseURL:        cfg.Transport.BaseURL,
		MaxRetries:     cfg.Transport.MaxRetries,
		InitialBackoff: config.Duration(cfg.Transport.InitialBackoff, 500*time.Millisecond),
		MaxBackoff:     config.Duration(cfg.Transport.MaxBackoff, 30*time.Second),
		BackoffFactor:  cfg.Transport.BackoffFactor,
		JitterEnabled:  cfg.Transport.JitterEnabled,
	}, dialer, nil, logger, streamMetrics)

	controller := services.NewStreamController(services.StreamControllerDeps{
		Resolver:            resolver,
		Connections:         connections,
		Buffer:              buffer,
		Evaluator:           evaluator,
		Correlator:          correlator,
		Stats:               statsCalc,
		Cache:               latestCache,
		Telegram:            telegram,
		Logger:              logger,
		Metrics:             streamMetrics,
		CorrelationInterval: config.Duration(cfg.Correlation.Interval, 30*time.Second),
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	controller.Start(runCtx)

	redeliverer := services.NewAlertRedeliverer(
		evaluator, clinical,
		config.Duration(cfg.Alerts.RedeliverInterval, 30*time.Second),
		logger,
	)
	go redeliverer.Run(runCtx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api.SetupRoutes(router, api.Dependencies{
		Controller: controller,
		Resolver:   resolver,
		Redis:      redisClient,
		Metadata:   resolver,
		Clinical:   clinical,
		Registry:   registry,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	cancelRun()
	controller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Forced server shutdown")
	}

	logger.Info("Server exited")
}
