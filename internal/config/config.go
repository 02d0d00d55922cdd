package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string

	ReservationExpiresHours int
	StrictTransitions       bool
	ResetBatchSize          int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	RateLimitPerMinute       int
	RateLimitBurst           int
	BranchRateLimitPerMinute int
	BranchRateLimitBurst     int
	IssueRateLimitPerMinute  int
	IssueRateLimitBurst      int

	Environment      string
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64

	LogLevel slog.Level
}

// Load reads the environment after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "pharmacy.events"
	}
	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "development"
	}
	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "pharmacy.events"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		RedisAddr:                strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		KafkaBrokers:             splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:               topic,
		AMQPURL:                  strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange:             exchange,
		ReservationExpiresHours:  readInt("RESERVATION_EXPIRES_HOURS", 6),
		StrictTransitions:        readBool("RESERVATION_STRICT_TRANSITIONS", false),
		ResetBatchSize:           readInt("RESET_BATCH_SIZE", 500),
		OutboxPollInterval:       readDurationSeconds("OUTBOX_POLL_SECONDS", 1),
		OutboxBatchSize:          readInt("OUTBOX_BATCH_SIZE", 100),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		BranchRateLimitPerMinute: readInt("BRANCH_RATE_LIMIT_PER_MIN", 600),
		BranchRateLimitBurst:     readInt("BRANCH_RATE_LIMIT_BURST", 120),
		IssueRateLimitPerMinute:  readInt("ISSUE_RATE_LIMIT_PER_MIN", 30),
		IssueRateLimitBurst:      readInt("ISSUE_RATE_LIMIT_BURST", 10),
		Environment:              env,
		OTLPEndpoint:             strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPInsecure:             readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:         readFloat("TRACE_SAMPLE_RATIO", 1),
		LogLevel:                 readLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readLevel(key string, fallback slog.Level) slog.Level {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
