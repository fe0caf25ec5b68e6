// Package main is the entry point for the conductor worker: a dispatcher
// host that fronts a set of devices and runs pipelines on behalf of the
// orchestrator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab/conductor/internal/config"
	"github.com/devicelab/conductor/internal/dispatch"
	"github.com/devicelab/conductor/internal/executor"
	"github.com/devicelab/conductor/internal/images"
	"github.com/devicelab/conductor/internal/jobstore"
	"github.com/devicelab/conductor/pkg/types"
)

func main() {
	cfg := config.Load()
	logger := setupLogger(cfg)

	workerID := getenv("WORKER_ID", hostnameID())
	orchestratorURL := getenv("ORCHESTRATOR_URL", "ws://localhost:8090/api/v1/workers/connect")
	devicesFile := getenv("DEVICES_FILE", "devices.yaml")

	devices, err := loadDevices(devicesFile)
	if err != nil {
		logger.Error("failed to load device inventory", "error", err, "path", devicesFile)
		os.Exit(1)
	}
	logger.Info("starting worker",
		slog.String("worker_id", workerID),
		slog.String("orchestrator", orchestratorURL),
		slog.Int("devices", len(devices)),
	)

	// Pipelines run against a local store; the worker mirrors results
	// and events to the orchestrator as they are produced.
	store := jobstore.NewMemoryStore(&jobstore.Config{EventMaxLen: cfg.EventMaxLen})
	defer store.Close()

	exec := executor.New(store, images.NewLocalStore(cfg.ImageLocalRoot), nil, &executor.Config{
		LoginRetries:      cfg.LoginRetries,
		LoginRetryTimeout: cfg.LoginRetryTimeout,
		ConnectionRetries: cfg.ConnectionRetries,
		FinalizeGrace:     cfg.FinalizeGrace,
	}, logger)

	worker := dispatch.NewWorker(workerID, orchestratorURL, devices, exec, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconnect with backoff; running jobs are reported in the register
	// message so the orchestrator re-attaches rather than re-dispatching.
	backoff := time.Second
	for {
		err := worker.Run(ctx)
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}
		logger.Error("connection to orchestrator lost, reconnecting",
			"error", err, slog.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostnameID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

// loadDevices reads the worker's device inventory: a YAML list of devices
// with their console commands.
func loadDevices(path string) ([]types.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var inventory struct {
		Devices []types.Device `yaml:"devices"`
	}
	if err := yaml.Unmarshal(data, &inventory); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(inventory.Devices) == 0 {
		return nil, fmt.Errorf("no devices defined in %s", path)
	}
	for i := range inventory.Devices {
		if inventory.Devices[i].Health == "" {
			inventory.Devices[i].Health = types.HealthGood
		}
	}
	return inventory.Devices, nil
}
