// Package config holds the worker configuration tree: one YAML file,
// environment overrides on top, and startup validation that rejects
// out-of-range values instead of clamping them.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Consumer names recognized in the kafka.consumers map. Each worker binary
// looks up its own entry; the env override key is derived from the name
// (KAFKA_RT_CONSUMER_MAX_CONCURRENT and so on).
const (
	ConsumerRT        = "rt"
	ConsumerBatch     = "batch"
	ConsumerBacktest  = "backtest"
	ConsumerCollector = "collector"
)

// Config is the full tree loaded from config/tradeforge.yaml.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Moex       MoexConfig       `yaml:"moex"`
	Collector  CollectorConfig  `yaml:"collector"`
	Stream     StreamConfig     `yaml:"stream"`
	RT         RTConfig         `yaml:"rt"`
	Batch      BatchConfig      `yaml:"batch"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
}

// LogConfig selects the global level. Values follow the operator-facing
// names, not zerolog's; an unknown name falls back to INFO with a startup
// warning rather than failing the boot.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ZerologLevel maps the configured name onto zerolog's scale. WARNING maps
// to warn and CRITICAL to fatal; unset means info.
func (c LogConfig) ZerologLevel() zerolog.Level {
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// HTTPConfig sets the operational server listener.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// PostgresConfig holds the relational store coordinates.
type PostgresConfig struct {
	Host                string `yaml:"host" validate:"required"`
	Port                int    `yaml:"port" validate:"min=1,max=65535"`
	Database            string `yaml:"database" validate:"required"`
	User                string `yaml:"user" validate:"required"`
	Password            string `yaml:"password"`
	SSLMode             string `yaml:"ssl_mode"`
	MaxOpenConns        int    `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns        int    `yaml:"max_idle_conns" validate:"min=0"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds" validate:"min=1"`
}

// DSN renders the lib/pq connection URL with credentials escaped.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c PostgresConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// ClickHouseConfig holds the analytical store coordinates plus the insert
// safety cap.
type ClickHouseConfig struct {
	Host                string `yaml:"host" validate:"required"`
	Port                int    `yaml:"port" validate:"min=1,max=65535"`
	Database            string `yaml:"database" validate:"required"`
	User                string `yaml:"user" validate:"required"`
	Password            string `yaml:"password"`
	MaxOpenConns        int    `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns        int    `yaml:"max_idle_conns" validate:"min=0"`
	QueryTimeoutSeconds int    `yaml:"query_timeout_seconds" validate:"min=1"`

	// MaxPartitionsPerInsert caps rows per INSERT chunk. The ceiling is a
	// hard guard; oversized inserts degrade the merge tree.
	MaxPartitionsPerInsert int `yaml:"max_partitions_per_insert" validate:"min=1,max=10000"`
}

// DSN renders the clickhouse-go v2 connection URL.
func (c ClickHouseConfig) DSN() string {
	u := url.URL{
		Scheme: "clickhouse",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	return u.String()
}

func (c ClickHouseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// RedisConfig holds the cache tier coordinates.
type RedisConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	DB       int    `yaml:"db" validate:"min=0,max=15"`
	Password string `yaml:"password"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig holds broker coordinates, the shared producer settings, and
// one consumer block per worker.
type KafkaConfig struct {
	Brokers   []string                  `yaml:"brokers" validate:"min=1,dive,required"`
	ClientID  string                    `yaml:"client_id"`
	Producer  ProducerConfig            `yaml:"producer"`
	Consumers map[string]ConsumerConfig `yaml:"consumers" validate:"dive"`
}

// Consumer returns the named consumer block, zero-valued when absent so the
// component defaults apply.
func (c KafkaConfig) Consumer(name string) ConsumerConfig {
	return c.Consumers[name]
}

// ProducerConfig carries the acks mode shared by every worker's producer.
type ProducerConfig struct {
	Acks string `yaml:"acks" validate:"omitempty,oneof=all -1 0 1 leader"`
}

// ConsumerConfig is one worker's consumer-group block.
type ConsumerConfig struct {
	Group                 string `yaml:"group" validate:"required"`
	MaxConcurrentMessages int    `yaml:"max_concurrent_messages" validate:"min=1,max=20"`
	MaxRetries            int    `yaml:"max_retries" validate:"min=0,max=10"`
	UseDLQ                bool   `yaml:"use_dlq"`
	HandlerTimeoutSeconds int    `yaml:"handler_timeout_seconds" validate:"min=0"`
}

func (c ConsumerConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

// MoexConfig tunes the upstream exchange client.
type MoexConfig struct {
	BaseURL               string `yaml:"base_url" validate:"omitempty,url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" validate:"min=1"`
	RateLimitRequests     int    `yaml:"rate_limit_requests" validate:"min=1"`
	RateLimitSeconds      int    `yaml:"rate_limit_seconds" validate:"min=1"`
}

func (c MoexConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CollectorConfig selects which series the collector maintains. Timeframe
// strings are checked against the canonical parser at validation time.
type CollectorConfig struct {
	MarketCode string   `yaml:"market_code"`
	Board      string   `yaml:"board"`
	Timeframes []string `yaml:"timeframes"`
}

// StreamConfig tunes the websocket bridge. An empty URL disables the
// stream subcommand.
type StreamConfig struct {
	URL                 string   `yaml:"url" validate:"omitempty,url"`
	Tickers             []string `yaml:"tickers"`
	PingIntervalSeconds int      `yaml:"ping_interval_seconds" validate:"min=0"`
}

func (c StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// RTConfig tunes the live indicator pipeline.
type RTConfig struct {
	HotIndicators []string `yaml:"hot_indicators"`
	ContextDepth  int      `yaml:"context_depth" validate:"min=1"`
}

// BatchConfig tunes the series-write lock discipline.
type BatchConfig struct {
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" validate:"min=1"`
	LockPollMillis     int `yaml:"lock_poll_millis" validate:"min=10"`
	LockTTLSeconds     int `yaml:"lock_ttl_seconds" validate:"min=1"`
}

func (c BatchConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func (c BatchConfig) LockPoll() time.Duration {
	return time.Duration(c.LockPollMillis) * time.Millisecond
}

func (c BatchConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// BacktestConfig bounds submissions and simulator runs.
type BacktestConfig struct {
	MaxBatchSize         int `yaml:"max_batch_size" validate:"min=1,max=50"`
	MaxRangeYears        int `yaml:"max_range_years" validate:"min=1"`
	DailyLimit           int `yaml:"daily_limit" validate:"min=1"`
	RunningLimit         int `yaml:"running_limit" validate:"min=1"`
	SimTimeoutSeconds    int `yaml:"sim_timeout_seconds" validate:"min=1"`
	SimTimeoutCheckEvery int `yaml:"sim_timeout_check_every" validate:"min=1"`
}

func (c BacktestConfig) SimTimeout() time.Duration {
	return time.Duration(c.SimTimeoutSeconds) * time.Second
}

// SchedulerConfig points at the jobs file consumed by internal/scheduler.
type SchedulerConfig struct {
	JobsFile string `yaml:"jobs_file"`
}

// Default returns the documented defaults, the same values shipped in
// config/tradeforge.yaml.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "INFO"},
		HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8080},
		Postgres: PostgresConfig{
			Host: "localhost", Port: 5432,
			Database: "tradeforge", User: "tradeforge",
			SSLMode:      "disable",
			MaxOpenConns: 10, MaxIdleConns: 5,
			QueryTimeoutSeconds: 10,
		},
		ClickHouse: ClickHouseConfig{
			Host: "localhost", Port: 9000,
			Database: "tradeforge", User: "default",
			MaxOpenConns: 10, MaxIdleConns: 5,
			QueryTimeoutSeconds:    30,
			MaxPartitionsPerInsert: 1000,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Kafka: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			ClientID: "tradeforge",
			Producer: ProducerConfig{Acks: "all"},
			Consumers: map[string]ConsumerConfig{
				ConsumerRT:        {Group: "tradeforge-rt", MaxConcurrentMessages: 1, MaxRetries: 3, UseDLQ: true, HandlerTimeoutSeconds: 60},
				ConsumerBatch:     {Group: "tradeforge-batch", MaxConcurrentMessages: 4, MaxRetries: 3, UseDLQ: true, HandlerTimeoutSeconds: 600},
				ConsumerBacktest:  {Group: "tradeforge-backtest", MaxConcurrentMessages: 4, MaxRetries: 3, UseDLQ: true, HandlerTimeoutSeconds: 900},
				ConsumerCollector: {Group: "tradeforge-collector", MaxConcurrentMessages: 2, MaxRetries: 5, UseDLQ: true, HandlerTimeoutSeconds: 300},
			},
		},
		Moex: MoexConfig{
			BaseURL:               "https://iss.moex.com/iss",
			RequestTimeoutSeconds: 15,
			RateLimitRequests:     5,
			RateLimitSeconds:      1,
		},
		Collector: CollectorConfig{
			MarketCode: "shares",
			Timeframes: []string{"1min", "10min", "1h", "1d", "1w", "1m"},
		},
		Stream: StreamConfig{PingIntervalSeconds: 30},
		RT: RTConfig{
			HotIndicators: []string{
				"sma_timeperiod_20_value",
				"ema_timeperiod_20_value",
				"rsi_timeperiod_14_value",
			},
			ContextDepth: 500,
		},
		Batch: BatchConfig{
			LockTimeoutSeconds: 30,
			LockPollMillis:     250,
			LockTTLSeconds:     120,
		},
		Backtest: BacktestConfig{
			MaxBatchSize:         50,
			MaxRangeYears:        5,
			DailyLimit:           10,
			RunningLimit:         5,
			SimTimeoutSeconds:    300,
			SimTimeoutCheckEvery: 1000,
		},
		Scheduler: SchedulerConfig{JobsFile: "config/scheduler.yaml"},
	}
}
