package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scoutbase/trailsync/internal/api"
	"github.com/scoutbase/trailsync/internal/config"
	"github.com/scoutbase/trailsync/internal/invalidate"
	"github.com/scoutbase/trailsync/internal/logging"
	"github.com/scoutbase/trailsync/internal/metrics"
	"github.com/scoutbase/trailsync/internal/outbox"
	"github.com/scoutbase/trailsync/internal/server"
	"github.com/scoutbase/trailsync/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "TRAILSYNC", "environment variable prefix")
		orgScope   = flag.String("org", "", "active organization scope for queued mutations")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	st := buildStore(logger.With(slog.String("component", "store_factory")), cfg.Storage)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := st.Close(shutdownCtx); err != nil {
			logger.Error("store shutdown failed", slog.Any("error", err))
		}
	}()

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("unable to construct api client", slog.Any("error", err))
		os.Exit(1)
	}

	registry := invalidate.NewRegistry(cfg.Domains.Definitions)
	invalidator := invalidate.New(st, registry, logger, recorder)
	_ = invalidator

	scope := strings.TrimSpace(*orgScope)
	queue := outbox.New(st, client, logger, recorder, outbox.Options{
		MaxRetries: cfg.Outbox.MaxRetries,
		Scope:      func() string { return scope },
	})

	var domainsWatcher *config.DomainsWatcher
	if cfg.Domains.File != "" {
		watcher, err := loader.WatchDomains(ctx, cfg, func(bundle config.DomainBundle) {
			registry.Replace(bundle.Definitions)
			logger.Info("domain definitions reloaded", slog.String("source", bundle.Source))
		}, func(err error) {
			if err != nil {
				logger.Error("domains watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("domains watcher setup failed", slog.Any("error", err))
		} else {
			domainsWatcher = watcher
			defer domainsWatcher.Stop()
		}
	}

	statusHandler := server.NewHandler(queue, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	statusHandler.Routes(mux)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if interval := time.Duration(cfg.Outbox.DrainIntervalSeconds) * time.Second; interval > 0 {
		go runPeriodicDrain(ctx, interval, queue, statusHandler, logger)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// runPeriodicDrain replays the outbox on the configured interval. A failed
// drain is logged and retried next tick; connectivity problems are the
// normal case here, not a fault.
func runPeriodicDrain(ctx context.Context, interval time.Duration, queue *outbox.Queue, status *server.Handler, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := queue.Drain(ctx)
			if err != nil {
				logger.Warn("periodic drain failed", slog.Any("error", err))
				continue
			}
			status.RecordDrain(summary)
		}
	}
}

func buildStore(logger *slog.Logger, cfg config.StorageConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "sqlite":
		st, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			logger.Error("sqlite store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store; nothing will survive a restart")
			return store.NewMemory()
		}
		logger.Info("using sqlite store", slog.String("path", cfg.Path))
		return st
	case "valkey":
		st, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory store; nothing will survive a restart")
			return store.NewMemory()
		}
		logger.Info("using valkey store", slog.String("address", cfg.Valkey.Address))
		return st
	case "memory":
		logger.Info("using memory store")
		return store.NewMemory()
	default:
		logger.Warn("unsupported storage backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return store.NewMemory()
	}
}
