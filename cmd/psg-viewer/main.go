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

	"github.com/somnolab/psg-viewer/internal/analysis"
	"github.com/somnolab/psg-viewer/internal/api"
	"github.com/somnolab/psg-viewer/internal/chunks"
	"github.com/somnolab/psg-viewer/internal/config"
	"github.com/somnolab/psg-viewer/internal/metrics"
	"github.com/somnolab/psg-viewer/internal/repo"
	"github.com/somnolab/psg-viewer/internal/services"
	"github.com/somnolab/psg-viewer/internal/utils"
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

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, os.Stdout)
	logger.Info("starting psg-viewer",
		slog.String("address", cfg.Server.Address),
		slog.String("analysis_url", cfg.Clients.Analysis.BaseURL))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	analysisClient := repo.NewAnalysisClient(
		cfg.Clients.Analysis.BaseURL,
		repo.Paths{
			Window:      cfg.Clients.Analysis.WindowPath,
			MultiWindow: cfg.Clients.Analysis.MultiWindowPath,
			Ranges:      cfg.Clients.Analysis.RangesPath,
			Stats:       cfg.Clients.Analysis.StatsPath,
			AHI:         cfg.Clients.Analysis.AHIPath,
		},
		cfg.Clients.Analysis.Timeout,
	)

	viewer := services.NewViewerService(logger, analysisClient, services.SessionOptions{
		Chunks: chunks.Options{
			Granularity: cfg.Chunks.Granularity,
			MaxSamples:  cfg.Chunks.MaxSamples,
			Timeout:     cfg.Clients.Analysis.Timeout,
		},
		Analysis: analysis.Options{
			HintPadding:    cfg.Analysis.HintPadding,
			StatsPrecision: cfg.Analysis.StatsPrecision,
			Separated:      cfg.Analysis.SeparateByType,
			BinCount:       cfg.Analysis.DefaultBinCount,
		},
	})

	server, err := api.NewServer(cfg.Server, viewer)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go viewer.RunSweeper(ctx, cfg.Server.SessionIdleTTL, time.Minute)

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
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	viewer.Shutdown()

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

	logger.Info("psg-viewer stopped")
}
