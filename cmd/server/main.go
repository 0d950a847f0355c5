package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-dispatch/internal/config"
	"github.com/example/rider-dispatch/internal/dispatch"
	httpapi "github.com/example/rider-dispatch/internal/http"
	"github.com/example/rider-dispatch/internal/ingest"
	"github.com/example/rider-dispatch/internal/locator"
	"github.com/example/rider-dispatch/internal/logging"
	"github.com/example/rider-dispatch/internal/negotiation"
	"github.com/example/rider-dispatch/internal/payments"
	"github.com/example/rider-dispatch/internal/realtime"
	"github.com/example/rider-dispatch/internal/storage"
)

type store interface {
	storage.RiderStore
	storage.DispatchStore
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("loading .env failed", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	var (
		st store
		pg *storage.PostgresStore
	)
	if cfg.PGDSN != "" {
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			migrate(pg, logger)
		}
		st = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		st = storage.NewMemoryStore()
	}

	var (
		channel   realtime.Channel
		publisher realtime.Publisher
	)
	switch cfg.Backend() {
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		ch := realtime.NewRedisChannel(rc, logger)
		channel, publisher = ch, ch
	case "postgres":
		if pg == nil {
			logger.Error("postgres notifications need the postgres store")
			os.Exit(1)
		}
		ch := realtime.NewPostgresChannel(cfg.PGDSN, pg.DB(), logger)
		defer ch.Close()
		channel, publisher = ch, ch
	default:
		b := realtime.NewBroker()
		channel, publisher = b, b
	}
	logger.Info("notification channel selected", "backend", cfg.Backend())

	loc := &locator.Service{
		Store:           st,
		DefaultRadiusKm: cfg.LocatorRadiusKm,
		SpeedKmh:        cfg.RiderSpeedKmh,
		StaleAfter:      cfg.LocatorStaleAfter,
		Logger:          logger,
	}
	neg := &negotiation.Negotiator{
		Store:    st,
		Channel:  channel,
		Selector: loc,
		Window:   cfg.NegotiationWindow,
		Logger:   logger,
	}

	wsreg := dispatch.NewWSRegistry()
	svc := &dispatch.Service{
		Negotiator: neg,
		Store:      st,
		Publisher:  publisher,
		Offers:     dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, wsreg),
		Logger:     logger,
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaOutcomeTopic)
		defer kp.Close()
		locations = kp
		svc.Outcomes = kp
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	api := httpapi.NewServer(httpapi.Options{
		Locator:         loc,
		Dispatch:        svc,
		Riders:          st,
		Locations:       locations,
		WSReg:           wsreg,
		DefaultCurrency: cfg.DefaultCurrency,
		Logger:          logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rider-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatch shutdown failed", "error", err)
	}
}

func migrate(pg *storage.PostgresStore, logger *slog.Logger) {
	path := filepath.Join("migrations", "001_init.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("reading migration failed", "path", path, "error", err)
		return
	}
	if _, err := pg.DB().Exec(string(b)); err != nil {
		logger.Error("migration failed", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
