package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that run the
// service fully in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaOutcomeTopic  string

	PGDSN string

	// NotifyBackend selects the change-notification channel: redis,
	// postgres or memory. Empty picks redis, then postgres, then memory
	// depending on what is configured.
	NotifyBackend string

	LocatorRadiusKm   float64
	LocatorStaleAfter time.Duration
	RiderSpeedKmh     float64
	NegotiationWindow time.Duration

	PushEndpoint    string
	PushKey         string
	StripeAPIKey    string
	DefaultCurrency string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		KafkaLocationTopic: "rider-locations",
		KafkaOutcomeTopic:  "dispatch-outcomes",
		LocatorRadiusKm:    10,
		LocatorStaleAfter:  10 * time.Minute,
		RiderSpeedKmh:      20,
		NegotiationWindow:  60 * time.Second,
		DefaultCurrency:    "idr",
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaOutcomeTopic, "KAFKA_OUTCOME_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := strings.TrimSpace(os.Getenv("NOTIFY_BACKEND")); v != "" {
		cfg.NotifyBackend = strings.ToLower(v)
	}

	setFloatFromEnv(&cfg.LocatorRadiusKm, "LOCATOR_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.LocatorStaleAfter, "LOCATOR_STALE_AFTER", &errs)
	setFloatFromEnv(&cfg.RiderSpeedKmh, "RIDER_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.NegotiationWindow, "NEGOTIATION_WINDOW", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.DefaultCurrency, "DEFAULT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.LocatorRadiusKm <= 0 {
		errs = append(errs, errors.New("LOCATOR_RADIUS_KM must be > 0"))
	}
	if cfg.RiderSpeedKmh <= 0 {
		errs = append(errs, errors.New("RIDER_SPEED_KMH must be > 0"))
	}
	if cfg.NegotiationWindow < time.Second {
		errs = append(errs, errors.New("NEGOTIATION_WINDOW must be at least 1s"))
	}
	switch cfg.NotifyBackend {
	case "", "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("NOTIFY_BACKEND=redis requires REDIS_ADDR"))
		}
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, errors.New("NOTIFY_BACKEND=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_BACKEND %q", cfg.NotifyBackend))
	}

	return cfg, errors.Join(errs...)
}

// Backend resolves NotifyBackend against what is configured.
func (c ServerConfig) Backend() string {
	if c.NotifyBackend != "" {
		return c.NotifyBackend
	}
	switch {
	case c.RedisAddr != "":
		return "redis"
	case c.PGDSN != "":
		return "postgres"
	}
	return "memory"
}

// ConsumerConfig configures the location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	PGDSN         string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "rider-locations",
		KafkaGroup:    "rider-location-consumer",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, errors.New("PG_DSN is required"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, errors.New("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// LoadDotEnv loads a .env file from the working directory when one exists.
// Deployed environments pass variables directly and have no such file.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load()
}
