package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"stream-registry/internal/ingest"
	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/config"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/metrics"
	"stream-registry/internal/registry"
	"stream-registry/internal/registry/sqlstore"
)

const (
	serviceName     = "stream-registry"
	shutdownTimeout = 10 * time.Second
)

// app holds the wired components shared by the HTTP router and background loops.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	svc     *registry.Service
	driver  *registry.Driver
	sweeper *registry.Sweeper
}

func newApp(cfg config.Config, store registry.Store, clk clock.Clock, log *slog.Logger) (*app, error) {
	met := metrics.New()
	svc := registry.NewService(store, registry.ServiceConfig{
		DeliveryBaseURL: cfg.Sessions.DeliveryBaseURL,
		Clock:           clk,
		Log:             log,
		Metrics:         met,
	})
	driver, err := registry.NewDriver(svc, registry.DriverConfig{
		ProcessingGrace:    cfg.Sessions.ProcessingGrace,
		AccessKeyCacheSize: cfg.Sessions.AccessKeyCache,
		Clock:              clk,
		Log:                log,
		Metrics:            met,
	})
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		log:     log,
		metrics: met,
		svc:     svc,
		driver:  driver,
		sweeper: registry.NewSweeper(svc, cfg.Sessions.SweepInterval, log, met),
	}, nil
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(a.log))
	r.Use(metrics.RequestMiddleware(a.metrics))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		a.metrics.Handler(func() { a.metrics.SetLiveSessions(a.svc.LiveCount(r.Context())) }).ServeHTTP(w, r)
	})

	h := registry.NewHandler(a.svc, a.driver, a.log, registry.OwnerID(a.cfg.Sessions.DefaultOwner))
	h.Routes(r, a.cfg.Sessions.CreateRateLimit)
	if a.cfg.Ingest.WebhookEnabled {
		ingest.NewWebhook(a.driver, a.log).Routes(r)
	}
	return r
}

// subscribeIngest starts the NATS subscriber when configured. A broker that
// cannot be reached leaves the webhook, if enabled, as the only ingest path.
func (a *app) subscribeIngest() func() {
	if a.cfg.Ingest.NATSURL == "" {
		return func() {}
	}
	nc, err := ingest.Connect(a.cfg.Ingest.NATSURL, serviceName, a.log)
	if err != nil {
		a.log.Warn("nats unavailable, ingest webhook only", slog.String("error", err.Error()))
		return func() {}
	}
	sub := ingest.NewSubscriber(nc, a.cfg.Ingest.NATSSubject, a.driver, a.log)
	if err := sub.Start(); err != nil {
		a.log.Warn("nats subscribe failed, ingest webhook only", slog.String("error", err.Error()))
		nc.Close()
		return func() {}
	}
	return func() {
		if err := sub.Close(); err != nil {
			a.log.Warn("nats drain failed", slog.String("error", err.Error()))
		}
		nc.Close()
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("store close failed", slog.String("error", err.Error()))
		}
	}()

	a, err := newApp(cfg, store, clock.Real{}, log)
	if err != nil {
		return err
	}
	defer a.driver.Close()
	if _, err := a.driver.Resume(ctx); err != nil {
		return fmt.Errorf("resume grace timers: %w", err)
	}

	stopIngest := a.subscribeIngest()
	defer stopIngest()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("store", cfg.Store.Backend),
			slog.Duration("session_ttl", registry.DefaultTTL),
			slog.Bool("ingest_webhook", cfg.Ingest.WebhookEnabled),
			slog.String("log_level", cfg.LogLevel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func runSweep(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	a, err := newApp(cfg, store, clock.Real{}, log)
	if err != nil {
		return err
	}
	defer a.driver.Close()

	n, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	log.Info("sweep finished", slog.Int("removed", n))
	return nil
}

func runMigrate(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.Store.Backend != config.BackendSQLite {
		log.Info("nothing to migrate", slog.String("store", cfg.Store.Backend))
		return nil
	}

	db, err := sqlstore.Open(cfg.Store.SQLitePath, sqlstore.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	version, err := sqlstore.Migrate(db)
	if err != nil {
		return err
	}
	log.Info("migrations applied", slog.String("path", cfg.Store.SQLitePath), slog.Uint64("version", uint64(version)))
	return nil
}
