// Package main implements the statekitd daemon: the resilience and
// state core exposed with metrics, health, and stats endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/brixsport/statekit"
	"github.com/brixsport/statekit/config"
	"github.com/brixsport/statekit/metric"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "statekitd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	core, err := statekit.New(cfg)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	err = core.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	logger.Info("Core started",
		"redis", cfg.Redis.Address,
		"pool_size", cfg.Pool.MaxSize,
	)

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = setupAdminServer(cfg, core, logger)
	}

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String(), "timeout", cliCfg.ShutdownTimeout)

	done := make(chan error, 1)
	go func() {
		if metricsServer != nil {
			_ = metricsServer.Stop()
		}
		done <- core.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stop core: %w", err)
		}
	case <-time.After(cliCfg.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %v", cliCfg.ShutdownTimeout)
	}

	logger.Info("Shutdown complete")
	return nil
}

// setupAdminServer serves Prometheus metrics plus health and stats
// snapshots on one port.
func setupAdminServer(cfg *config.Config, core *statekit.Core, logger *slog.Logger) *metric.Server {
	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, core.MetricsRegistry())

	server.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := core.Health()
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":     status,
			"components": core.HealthDetail(),
		})
	}))

	server.Handle("/stats", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, core.Stats())
	}))

	go func() {
		logger.Info("Admin server listening", "address", server.Address(), "metrics_path", cfg.Metrics.Path)
		if err := server.Start(); err != nil {
			logger.Error("Admin server failed", "error", err)
		}
	}()
	return server
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
