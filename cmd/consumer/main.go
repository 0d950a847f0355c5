package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/rider-dispatch/internal/config"
	"github.com/example/rider-dispatch/internal/logging"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total rider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_updates_total",
		Help: "Total rider locations written to the store",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_store_errors_total",
		Help: "Total rider locations that could not be written",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("loading .env failed", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := pg.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = pg.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	validate := validator.New()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		u, err := decodeUpdate(m.Value, validate)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, pg, u, cfg.RetryAttempts, cfg.RetryDelay); err != nil {
			storeErrors.Inc()
			logger.Error("storing rider location failed", "rider_id", u.RiderID, "error", err)
			continue
		}
		storeUpdates.Inc()
	}
}

// LocationWriter is the subset of the rider store the consumer writes to.
type LocationWriter interface {
	UpdatePosition(ctx context.Context, riderID string, lat, lng float64, at time.Time) error
	AppendLocationLog(ctx context.Context, l models.LocationLog) error
}

func decodeUpdate(b []byte, validate *validator.Validate) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	if err := validate.Struct(u); err != nil {
		return u, err
	}
	if u.RecordedAt.IsZero() {
		return u, errors.New("recorded_at is required")
	}
	return u, nil
}

// applyWithRetry writes the primary position and appends the log row,
// retrying each step with doubling delay. An unknown rider is not retried.
func applyWithRetry(ctx context.Context, w LocationWriter, u models.LocationUpdate, attempts int, delay time.Duration) error {
	steps := []func() error{
		func() error { return w.UpdatePosition(ctx, u.RiderID, u.Lat, u.Lng, u.RecordedAt) },
		func() error {
			return w.AppendLocationLog(ctx, models.LocationLog{RiderID: u.RiderID, Lat: u.Lat, Lng: u.Lng, RecordedAt: u.RecordedAt})
		},
	}
	for _, step := range steps {
		if err := retry(ctx, step, attempts, delay); err != nil {
			return err
		}
	}
	return nil
}

func retry(ctx context.Context, fn func() error, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, models.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
