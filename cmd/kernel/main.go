package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/config"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/events/bus"
	"github.com/hivedev/hive/internal/kernel"
	"github.com/hivedev/hive/internal/kernel/api"
	"github.com/hivedev/hive/internal/kernel/streaming"
	"github.com/hivedev/hive/internal/spawn"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting kernel...",
		zap.String("backend", string(cfg.Backend)),
		zap.String("data_dir", cfg.DataDir))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Lifecycle event bus. NATS when configured, otherwise a no-op.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus")
	} else {
		eventBus = bus.NewNoopEventBus()
	}
	defer eventBus.Close()

	// 4. Agent type plugins. The bundled runner binary sits next to the
	// kernel binary unless overridden.
	runnerBin := os.Getenv("HIVE_RUNNER_BIN")
	if runnerBin == "" {
		if exe, err := os.Executable(); err == nil {
			runnerBin = filepath.Join(filepath.Dir(exe), "agent-runner")
		}
	}
	plugins := spawn.Plugins{
		"runner": &spawn.RunnerPlugin{Binary: runnerBin},
	}

	// 5. Kernel facade
	k, err := kernel.New(cfg, plugins, eventBus, log)
	if err != nil {
		log.Fatal("Failed to build kernel", zap.Error(err))
	}

	// 6. Websocket hub fed by lifecycle events
	hub := streaming.NewHub(log)
	for _, subject := range []string{bus.AgentStarted, bus.AgentStopped, bus.AgentFailed} {
		if _, err := eventBus.Subscribe(subject, hub.Publish); err != nil {
			log.Warn("Failed to subscribe to lifecycle events",
				zap.String("subject", subject), zap.Error(err))
		}
	}

	// 7. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(k, log)
	router := api.NewRouter(handlers, hub)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down kernel...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Every live agent goes down with the kernel; nothing persists.
	k.Cleanup(shutdownCtx)

	log.Info("Kernel stopped")
}
