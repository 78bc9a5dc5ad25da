package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemetry-agent/internal/api"
	"telemetry-agent/internal/config"
	"telemetry-agent/internal/database"
	"telemetry-agent/internal/services"
	"telemetry-agent/internal/source"
	"telemetry-agent/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging()

	if cfg.AppID == "" {
		log.Fatal("APP_ID must be set")
	}

	// Initialize local persistence (journal + optional redis cache)
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	// Resolve the stable local device identity
	device, err := database.EnsureDevice(cfg.AppID)
	if err != nil {
		log.Fatal("Failed to resolve device identity:", err)
	}

	// Remote backend client
	backend := services.NewBackendClient(cfg.BackendURL, cfg.APIKey)

	// Transaction event source over NATS, with JWS verification
	verifier := services.NewTransactionVerifier()
	src, err := source.NewNATSSource(cfg.NatsURL, cfg.NatsUser, cfg.NatsPass, cfg.AppID, verifier)
	if err != nil {
		log.Fatal("Failed to connect to transaction source:", err)
	}
	defer src.Close()

	// Processing pipeline
	deduper := services.NewDeduper(database.Journal{})
	catalog := services.NewCatalogService(backend)
	processor := services.NewTransactionProcessor(src, backend, catalog, deduper,
		cfg.AppID, cfg.UserID, device.DeviceID)

	// Session lifecycle with redis-backed snapshot cache
	cache := services.NewSessionCache(database.GetRedis())
	lifecycle := services.NewSessionLifecycle(backend, cache, cfg.AppID, device.DeviceID,
		time.Duration(cfg.SessionRetrySeconds)*time.Second,
		time.Duration(cfg.HeartbeatIntervalSeconds)*time.Second,
		time.Duration(cfg.HeartbeatBackoffSeconds)*time.Second,
		cfg.HeartbeatMaxAttempts)

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = device.Name
	}
	agent := services.NewAgent(backend, processor, lifecycle, deduper,
		cfg.AppID, device.DeviceID, deviceName)

	if err := agent.Start(context.Background()); err != nil {
		log.Fatal("Failed to start agent:", err)
	}

	// Control API
	gin.SetMode(cfg.Mode)
	r := gin.Default()
	api.SetupRoutes(r, agent, cfg.ControlToken)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logging.Infof("Control API listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start control API:", err)
		}
	}()

	// Graceful shutdown: terminate signal ends the session before exit
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Infof("Shutting down")
	agent.OnTerminate()
	agent.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Errorf("Control API shutdown failed: %v", err)
	}
}
