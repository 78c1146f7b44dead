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

	"github.com/cryptointel/market-intel-go/internal/api"
	"github.com/cryptointel/market-intel-go/internal/config"
	"github.com/cryptointel/market-intel-go/internal/database"
	"github.com/cryptointel/market-intel-go/internal/engine"
	"github.com/cryptointel/market-intel-go/internal/health"
	"github.com/cryptointel/market-intel-go/internal/logging"
	"github.com/cryptointel/market-intel-go/internal/market"
	"github.com/cryptointel/market-intel-go/internal/metrics"
	"github.com/cryptointel/market-intel-go/internal/services"
	"github.com/cryptointel/market-intel-go/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.Environment)

	redis, err := database.NewRedisConnection(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redis.Close()

	store := state.NewStore(redis.Client, cfg.Health.WindowSize)
	recorder := metrics.New()
	normalizer := market.NewNormalizer(time.Duration(cfg.Engine.MaxBookAgeMs) * time.Millisecond)

	collector := services.NewCollectorService(store, normalizer, cfg, logger, recorder)
	if err := collector.Start(); err != nil {
		return fmt.Errorf("failed to start collector service: %w", err)
	}
	defer collector.Stop()

	tracker := health.NewTracker(store, cfg, logger)
	if err := tracker.Start(); err != nil {
		return fmt.Errorf("failed to start health tracker: %w", err)
	}
	defer tracker.Stop()

	signalEngine := engine.New(store, cfg, logger, recorder)
	if err := signalEngine.Start(); err != nil {
		return fmt.Errorf("failed to start signal engine: %w", err)
	}
	defer signalEngine.Stop()

	notifier, err := services.NewNotifierService(store, cfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("failed to initialize notifier: %w", err)
	}
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}
	defer notifier.Stop()

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub := api.NewHub(logger)
	go hub.Run(hubCtx)
	go hub.Relay(hubCtx, store)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	api.SetupRoutes(router, store, redis, hub, cfg, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}
