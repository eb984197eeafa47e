package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franckalain/productscan/internal/config"
	"github.com/franckalain/productscan/internal/logging"
	"github.com/franckalain/productscan/internal/metrics"
	"github.com/franckalain/productscan/internal/ml"
	"github.com/franckalain/productscan/internal/server"
)

func main() {
	configPath := flag.String("config", config.GetConfigPath(), "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	logger := logging.NewJSONLogger(cfg.Metrics.Service, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize ML service
	model, err := ml.NewModel(cfg.ML.Type, cfg.ML.ConfigPath)
	if err != nil {
		logger.Error("failed to create ML model", "type", cfg.ML.Type, "error", err.Error())
		os.Exit(1)
	}
	if err := model.Load(ctx); err != nil {
		logger.Error("failed to load ML model", "type", cfg.ML.Type, "error", err.Error())
		os.Exit(1)
	}
	defer model.Close()

	var scanMetrics *metrics.ScanMetrics
	var recorder ml.Recorder
	if cfg.Metrics.Enabled {
		scanMetrics = metrics.NewScanMetrics(cfg.Metrics.Service)
		recorder = scanMetrics
	}
	model = ml.Instrument(model, cfg.ML.Type, recorder, logger)

	// Initialize and start server
	callTimeout := time.Duration(cfg.Server.CallTimeoutSeconds) * time.Second
	srv := server.New(model, scanMetrics, logger, callTimeout, cfg.Server.Debug)
	if err := srv.Start(ctx, cfg.Server.Port, cfg.Server.StaticDir); err != nil {
		logger.Error("server stopped", "error", err.Error())
		os.Exit(1)
	}
}
