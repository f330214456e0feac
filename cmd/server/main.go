package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"dukaan/backend/internal/checkout"
	"dukaan/backend/internal/config"
	"dukaan/backend/internal/connectivity"
	"dukaan/backend/internal/httpapi"
	"dukaan/backend/internal/localstore"
	redisstore "dukaan/backend/internal/localstore/redis"
	"dukaan/backend/internal/localstore/sqlite"
	"dukaan/backend/internal/logging"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/offlinesync"
	"dukaan/backend/internal/queue"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/remote/memory"
	pgremote "dukaan/backend/internal/remote/postgres"
	"dukaan/backend/internal/service"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Options{
		Development: cfg.Development(),
		Level:       cfg.LogLevel,
		Encoding:    cfg.LogEncoding,
	})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	client, closeRemote, err := openRemote(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRemote != nil {
		closers = append(closers, closeRemote)
	}

	kv, closeKV, err := openLocalStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeKV != nil {
		closers = append(closers, closeKV)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	q := queue.New(kv, logger.Named("queue"))
	gate := connectivity.NewProbeGate(client, cfg.ConnectivityTimeout, logger.Named("connectivity"))
	committer := checkout.NewCommitter(client,
		checkout.WithTaxRate(cfg.TaxRatePercent),
		checkout.WithLogger(logger.Named("checkout")),
	)
	coordinator := offlinesync.NewCoordinator(q, committer, gate, m, logger.Named("sync"))
	svc := service.New(service.Deps{
		Remote:      client,
		Queue:       q,
		Gate:        gate,
		Committer:   committer,
		Coordinator: coordinator,
		Metrics:     m,
		Logger:      logger,
		StoreID:     cfg.StoreID,
		DeviceID:    cfg.DeviceID,
	})
	if pending, err := q.Count(ctx); err == nil {
		m.SetPending(pending)
		logger.Info("offline queue loaded", zap.Int("pending", pending))
	}

	api := httpapi.New(svc, cfg.AllowedOrigin, m, registry, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go svc.RunSync(bg, cfg.SyncInterval())

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()), zap.String("store_id", cfg.StoreID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serverErr:
		return err
	}

	stopBackground()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// openRemote connects to Postgres when DATABASE_URL is set. Without it the
// server runs against a seeded in-memory store for local development.
func openRemote(ctx context.Context, cfg config.Config, logger *zap.Logger) (remote.Client, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("remote store: in-memory")
		return memory.NewSeeded(cfg.StoreID), nil, nil
	}

	pg, err := pgremote.New(ctx, cfg.DatabaseURL, logger.Named("postgres"))
	if err != nil {
		return nil, nil, err
	}
	if cfg.MigrateSchema {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	logger.Info("remote store: postgres")
	return pg, pg.Close, nil
}

// openLocalStore picks the device-local storage for the offline queue:
// SQLite when a path is configured, else redis, else process memory.
func openLocalStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (localstore.KV, func() error, error) {
	if cfg.LocalStorePath != "" {
		db, err := sqlite.Open(cfg.LocalStorePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("local store: sqlite", zap.String("path", cfg.LocalStorePath))
		return db, db.Close, nil
	}

	if cfg.RedisAddr != "" {
		rs := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "dukaan:"+cfg.StoreID+":"+cfg.DeviceID+":")
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, err
		}
		logger.Info("local store: redis", zap.String("addr", cfg.RedisAddr))
		return rs, rs.Close, nil
	}

	logger.Warn("local store: in-memory, queued sales will not survive a restart")
	return localstore.NewMemory(), nil, nil
}
