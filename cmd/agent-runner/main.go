package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/runner"
	"github.com/hivedev/hive/internal/storage/blob"
	"github.com/hivedev/hive/internal/storage/uri"
)

func main() {
	configPath := flag.String("config", os.Getenv("HIVE_AGENT_CONFIG"), "agent config file written by the spawner")
	imageDir := flag.String("image-dir", "", "agent image directory")
	blobRoot := flag.String("blob-root", os.Getenv("HIVE_BLOB_ROOT"), "blob store root for bundle hot-loading")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "json"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	if *configPath == "" {
		log.Fatal("No agent config; pass --config or set HIVE_AGENT_CONFIG")
	}
	cfg, err := runner.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("Failed to load agent config", zap.Error(err))
	}

	log.Info("Starting agent runner",
		zap.String("agent_id", cfg.AgentID),
		zap.Int("port", cfg.HTTPPort))

	// Bundle hot-loading works against the kernel's blob store when it is
	// reachable on this filesystem; file:// bundles work regardless.
	var loader *uri.Downloader
	if *blobRoot != "" {
		blobs, err := blob.NewLocalStore(*blobRoot, log)
		if err != nil {
			log.Fatal("Failed to open blob store", zap.Error(err))
		}
		loader, err = uri.NewDownloader(blobs, nil, filepath.Join(cfg.Workspace, "cache"), log)
		if err != nil {
			log.Fatal("Failed to build downloader", zap.Error(err))
		}
	}

	if *imageDir != "" {
		log.Info("Agent image directory", zap.String("image_dir", *imageDir))
	}

	if *logLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := runner.NewServer(cfg, runner.EchoHandler, loader, log)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Runner server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agent runner")
	if err := srv.Stop(context.Background()); err != nil {
		log.Error("Runner shutdown error", zap.Error(err))
	}
}
