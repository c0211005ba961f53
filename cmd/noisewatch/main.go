// Command noisewatch serves the noise report API.
//
// Usage:
//
//	noisewatch -config noisewatch.yaml
//
// Without -config the service runs on defaults plus environment overrides
// (PORT, DATABASE_URL, DB_CALIB_OFFSET, GOOGLE_MAPS_API_KEY, NOISEWATCH_ENV).
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

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/mdobak/go-xerrors"

	"noisewatch/internal/api"
	"noisewatch/internal/config"
	"noisewatch/internal/events"
	"noisewatch/internal/geofence"
	"noisewatch/internal/logging"
	"noisewatch/internal/metrics"
	"noisewatch/internal/reports"
	"noisewatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often to check the config file for changes")
	flag.Parse()

	_ = godotenv.Load()

	if err := run(*configPath, *reloadEvery); err != nil {
		slog.Error("noisewatch failed", slog.Any("error", xerrors.New(err)))
		os.Exit(1)
	}
}

func run(configPath string, reloadEvery time.Duration) error {
	var (
		manager *config.Manager
		cfg     *config.Config
		err     error
	)
	if configPath != "" {
		manager, err = config.NewManager(config.ResolvePath(configPath))
		if err != nil {
			return xerrors.New("load config", err)
		}
		cfg = manager.Get()
	} else {
		cfg, err = config.FromEnv()
		if err != nil {
			return xerrors.New("load config", err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel)
	clock := clockwork.NewRealClock()
	m := metrics.NewMetrics()

	store, err := storage.NewStore(cfg.Storage, storage.WithClock(clock))
	if err != nil {
		return err
	}
	defer store.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Init(initCtx)
	cancelInit()
	if err != nil {
		return xerrors.New("init storage", err)
	}

	area, err := geofence.FromConfig(cfg.Geofence)
	if err != nil {
		return err
	}

	publisher := events.New(cfg.Events.Kafka, clock, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("event publisher close error", slog.Any("error", xerrors.New(err)))
		}
	}()

	svc := reports.NewService(store, publisher, m, clock, logger, reports.SettingsFrom(cfg, area))
	srv := api.NewServer(cfg, area, svc, m, clock, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if manager != nil {
		go manager.Watch(reloadEvery, func(next *config.Config) {
			nextArea, err := geofence.FromConfig(next.Geofence)
			if err != nil {
				logger.Error("config reload rejected", slog.Any("error", xerrors.New(err)))
				return
			}
			svc.UpdateSettings(reports.SettingsFrom(next, nextArea))
			srv.UpdateConfig(next, nextArea)
			logger.Info("config reloaded", "path", manager.Path())
		}, func(err error) {
			logger.Warn("config reload failed", slog.Any("error", xerrors.New(err)))
		}, ctx.Done())
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("noisewatch started",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"geofence", cfg.Geofence.Strategy,
		"kafka", cfg.Events.Kafka.Enabled,
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return xerrors.New("http server", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", xerrors.New(err)))
	}

	logger.Info("shutdown complete")
	return nil
}
