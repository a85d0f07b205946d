package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"larptable/api/internal/app"
	"larptable/api/internal/config"
	"larptable/api/internal/logging"
	"larptable/api/internal/metrics"
	"larptable/api/internal/remote"
	"larptable/api/internal/remote/redisstore"
	"larptable/api/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatalw("store setup failed", "store", cfg.Store, "error", err)
	}
	defer closeBackend()

	service := app.New(cfg, backend, logger, m)
	defer service.Shutdown()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infow("larptable api listening", "addr", cfg.Addr, "store", cfg.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("shutdown error", "error", err)
	}
}

// openBackend builds the configured remote store. Redis and Postgres get a
// lease sweeper that applies the disconnect cleanups of vanished clients.
func openBackend(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, m *metrics.Metrics) (remote.Backend, func(), error) {
	sweepInterval := cfg.LeaseTTL / 2

	switch cfg.Store {
	case config.StoreMemory:
		logger.Infow("using in-memory store; presence does not survive restarts")
		return remote.NewMemory(), func() {}, nil

	case config.StoreRedis:
		client, err := redisstore.NewClient(cfg.RedisURL, redisstore.Options{
			LeaseTTL: cfg.LeaseTTL,
			Logger:   logger.Named("redis"),
			Metrics:  m,
		})
		if err != nil {
			return nil, nil, err
		}
		sweepCtx, cancel := context.WithCancel(ctx)
		go client.RunSweeper(sweepCtx, sweepInterval)
		return client, func() {
			cancel()
			_ = client.Close()
		}, nil

	case config.StorePostgres:
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		pg, err := store.NewPostgresStore(ctx, db, store.Options{
			LeaseTTL: cfg.LeaseTTL,
			Logger:   logger.Named("postgres"),
			Metrics:  m,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		sweepCtx, cancel := context.WithCancel(ctx)
		go pg.RunSweeper(sweepCtx, sweepInterval)
		return pg, func() {
			cancel()
			_ = pg.Close()
			_ = db.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
