package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ChangeFeed selects the realtime transport: memory, postgres or redis.
	ChangeFeed string

	KafkaBrokers    []string
	KafkaRetryTopic string
	KafkaGroupID    string

	AuthSecret            string
	AccessTokenTTLMinutes int

	CartTTLHours             int
	CartSweepIntervalSeconds int
	AllowNegativeStock       bool
	LoyaltyCentsPerPoint     int64
	QueueCacheTTLSeconds     int

	RetryMaxAttempts int
	RetryBaseDelayMS int

	RealtimeBackoffInitialMS int
	RealtimeBackoffMaxMS     int

	Logger LoggerConfig
}

type LoggerConfig struct {
	AppEnv   string
	Level    string
	Encoding string
}

// Load reads the process environment, overlaid on an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                     getEnv("PORT", "8080"),
		AllowedOrigin:            getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  getEnvInt("REDIS_DB", 0, 0),
		ChangeFeed:               strings.ToLower(getEnv("CHANGE_FEED", "memory")),
		KafkaBrokers:             getEnvSlice("KAFKA_BROKERS"),
		KafkaRetryTopic:          getEnv("KAFKA_RETRY_TOPIC", "pos.ledger-retries"),
		KafkaGroupID:             getEnv("KAFKA_GROUP_ID", "kasirsync-ledger-retry"),
		AuthSecret:               strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:    getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 720, 1),
		CartTTLHours:             getEnvInt("CART_TTL_HOURS", 12, 1),
		CartSweepIntervalSeconds: getEnvInt("CART_SWEEP_INTERVAL_SECONDS", 300, 1),
		AllowNegativeStock:       getEnvBool("ALLOW_NEGATIVE_STOCK", false),
		LoyaltyCentsPerPoint:     int64(getEnvInt("LOYALTY_CENTS_PER_POINT", 100, 1)),
		QueueCacheTTLSeconds:     getEnvInt("QUEUE_CACHE_TTL_SECONDS", 5, 1),
		RetryMaxAttempts:         getEnvInt("RETRY_MAX_ATTEMPTS", 8, 1),
		RetryBaseDelayMS:         getEnvInt("RETRY_BASE_DELAY_MS", 1000, 1),
		RealtimeBackoffInitialMS: getEnvInt("REALTIME_BACKOFF_INITIAL_MS", 2000, 1),
		RealtimeBackoffMaxMS:     getEnvInt("REALTIME_BACKOFF_MAX_MS", 30000, 1),
		Logger: LoggerConfig{
			AppEnv:   getEnv("APP_ENV", "development"),
			Level:    getEnv("LOG_LEVEL", "info"),
			Encoding: getEnv("LOG_ENCODING", "console"),
		},
	}
	if cfg.RealtimeBackoffMaxMS < cfg.RealtimeBackoffInitialMS {
		cfg.RealtimeBackoffMaxMS = cfg.RealtimeBackoffInitialMS
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) CartTTL() time.Duration {
	return time.Duration(c.CartTTLHours) * time.Hour
}

func (c Config) RealtimeBackoff() (initial time.Duration, max time.Duration) {
	return time.Duration(c.RealtimeBackoffInitialMS) * time.Millisecond,
		time.Duration(c.RealtimeBackoffMaxMS) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvSlice(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
