package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tradeforge/core/internal/market"
)

// Load reads the config file, applies environment overrides, and validates
// the result. A missing file is not an error: containerized deployments
// often configure everything through the environment. Warnings report
// settings that are legal but risky.
func Load(path string) (*Config, []string, error) {
	// Dev convenience; a missing .env file is fine.
	_ = godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

// logLevels are the operator-facing level names.
var logLevels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARNING": {}, "ERROR": {}, "CRITICAL": {},
}

// Validate rejects out-of-range values and returns non-fatal warnings.
// Guards fail loudly instead of clamping.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	c.Log.Level = strings.ToUpper(c.Log.Level)
	if _, ok := logLevels[c.Log.Level]; !ok && c.Log.Level != "" {
		warnings = append(warnings, fmt.Sprintf("unknown log level %q, using INFO", c.Log.Level))
		c.Log.Level = "INFO"
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if rt, ok := c.Kafka.Consumers[ConsumerRT]; ok && rt.MaxConcurrentMessages != 1 {
		return nil, fmt.Errorf(
			"consumer %q: max_concurrent_messages must be 1, got %d; the live pipeline mutates the rolling context cache and needs per-partition order",
			ConsumerRT, rt.MaxConcurrentMessages)
	}

	for _, tf := range c.Collector.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return nil, fmt.Errorf("collector timeframes: %w", err)
		}
	}

	if acks := strings.ToLower(c.Kafka.Producer.Acks); acks != "" && acks != "all" && acks != "-1" {
		warnings = append(warnings, fmt.Sprintf(
			"producer acks=%s can lose acknowledged candles on broker failover; acks=all is recommended",
			c.Kafka.Producer.Acks))
	}
	return warnings, nil
}

// applyEnv overlays recognized environment variables onto the loaded tree.
// Unset variables leave the file values alone; unparsable numbers are
// ignored the same way an unset variable is.
func applyEnv(cfg *Config) {
	envStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	envInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	envStr(&cfg.Postgres.Database, "POSTGRES_DB")
	envStr(&cfg.Postgres.User, "POSTGRES_USER")
	envStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")

	envStr(&cfg.ClickHouse.Host, "CLICKHOUSE_HOST")
	envInt(&cfg.ClickHouse.Port, "CLICKHOUSE_PORT")
	envStr(&cfg.ClickHouse.Database, "CLICKHOUSE_DB")
	envStr(&cfg.ClickHouse.User, "CLICKHOUSE_USER")
	envStr(&cfg.ClickHouse.Password, "CLICKHOUSE_PASSWORD")
	envInt(&cfg.ClickHouse.MaxPartitionsPerInsert, "MAX_PARTITIONS_PER_INSERT")

	envStr(&cfg.Redis.Host, "REDIS_HOST")
	envInt(&cfg.Redis.Port, "REDIS_PORT")
	envInt(&cfg.Redis.DB, "REDIS_DB")
	envStr(&cfg.Redis.Password, "REDIS_PASSWORD")

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	envStr(&cfg.Kafka.Producer.Acks, "KAFKA_PRODUCER_ACKS")
	for name, consumer := range cfg.Kafka.Consumers {
		key := "KAFKA_" + strings.ToUpper(name) + "_CONSUMER_MAX_CONCURRENT"
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				consumer.MaxConcurrentMessages = n
				cfg.Kafka.Consumers[name] = consumer
			}
		}
	}

	envInt(&cfg.Moex.RateLimitRequests, "MOEX_RATE_LIMIT_REQUESTS")
	envInt(&cfg.Moex.RateLimitSeconds, "MOEX_RATE_LIMIT_SECONDS")

	envStr(&cfg.Log.Level, "LOG_LEVEL")
	envInt(&cfg.HTTP.Port, "HTTP_PORT")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
