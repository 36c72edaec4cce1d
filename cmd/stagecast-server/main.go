package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/keyfile"
	"github.com/stagecast/stagecast/internal/logging"
	"github.com/stagecast/stagecast/internal/server"
	"github.com/stagecast/stagecast/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("fatal: unrecoverable invariant violation", "panic", r)
			os.Exit(1)
		}
	}()

	logger.Info("starting stagecast-server",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"key_file", cfg.KeyFile,
	)

	records, err := keyfile.Load(cfg.KeyFile)
	if err != nil {
		logger.Error("failed to load key file", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger, records)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.NewCollector(srv))
	metricsSrv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Run(ctx); err != nil && err != context.Canceled {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("stagecast-server stopped")
}
