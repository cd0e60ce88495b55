package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	KafkaBrokers []string
	BatchTopic   string
	CourierTopic string
	StatusTopic  string
	OTLPEndpoint string
	ServiceName  string

	// Send-path tuning. The guard thresholds are heuristics carried over from
	// production; they are configurable because nobody has derived better ones.
	BatchSize           int
	MaxTextLen          int
	LoopGroupSize       int
	LoopGuardWindow     time.Duration
	SpamThreshold       int
	SpamWindow          time.Duration
	ShortCodeSpamWindow time.Duration
	MaxErrorCount       int
	CompletionTTL       time.Duration
	CourierRatePerSec   int
}

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.BatchTopic = getEnv("BATCH_TOPIC", "broadcast.batches")
	cfg.CourierTopic = getEnv("COURIER_TOPIC", "courier.msgs")
	cfg.StatusTopic = getEnv("STATUS_TOPIC", "courier.statuses")

	if cfg.BatchSize, err = getEnvInt("BATCH_SIZE", 500); err != nil {
		return nil, err
	}
	if cfg.MaxTextLen, err = getEnvInt("MAX_TEXT_LEN", 640); err != nil {
		return nil, err
	}
	if cfg.LoopGroupSize, err = getEnvInt("LOOP_GROUP_SIZE", 30); err != nil {
		return nil, err
	}
	if cfg.LoopGuardWindow, err = getEnvDuration("LOOP_GUARD_WINDOW", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SpamThreshold, err = getEnvInt("SPAM_THRESHOLD", 10); err != nil {
		return nil, err
	}
	if cfg.SpamWindow, err = getEnvDuration("SPAM_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShortCodeSpamWindow, err = getEnvDuration("SHORTCODE_SPAM_WINDOW", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MaxErrorCount, err = getEnvInt("MAX_ERROR_COUNT", 3); err != nil {
		return nil, err
	}
	if cfg.CompletionTTL, err = getEnvDuration("COMPLETION_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.CourierRatePerSec, err = getEnvInt("COURIER_RATE_PER_SEC", 50); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
