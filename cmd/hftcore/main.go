package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/config"
	"github.com/velocimex/hftcore/internal/runtime"
	"github.com/velocimex/hftcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file (defaults apply when empty)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Wire the state plane
	rt, err := runtime.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build runtime", zap.Error(err))
	}

	ctx := context.Background()
	rt.Start(ctx)

	// Expose prometheus metrics
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		zapLogger.Info("Starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			zapLogger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	rt.Close()
	zapLogger.Info("Exited properly")
}
