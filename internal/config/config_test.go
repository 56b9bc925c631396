package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 1, cfg.Kafka.Consumer(ConsumerRT).MaxConcurrentMessages)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, warnings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, Default().Postgres, cfg.Postgres)
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradeforge.yaml")
	body := `
log:
  level: DEBUG
postgres:
  host: db.internal
  port: 5433
  database: forge
  user: forge
  max_open_conns: 20
  max_idle_conns: 5
  query_timeout_seconds: 10
clickhouse:
  host: ch.internal
  port: 9001
  database: forge
  user: forge
  max_open_conns: 10
  max_idle_conns: 5
  query_timeout_seconds: 30
  max_partitions_per_insert: 2000
kafka:
  brokers: [broker-1:9092, broker-2:9092]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("CLICKHOUSE_HOST", "ch.override")
	t.Setenv("MAX_PARTITIONS_PER_INSERT", "5000")
	t.Setenv("KAFKA_BATCH_CONSUMER_MAX_CONCURRENT", "8")
	t.Setenv("LOG_LEVEL", "warning")

	cfg, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5433, cfg.Postgres.Port)
	assert.Equal(t, "s3cret", cfg.Postgres.Password)
	assert.Equal(t, "ch.override", cfg.ClickHouse.Host)
	assert.Equal(t, 5000, cfg.ClickHouse.MaxPartitionsPerInsert)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8, cfg.Kafka.Consumer(ConsumerBatch).MaxConcurrentMessages)
	assert.Equal(t, "WARNING", cfg.Log.Level)
	assert.Equal(t, zerolog.WarnLevel, cfg.Log.ZerologLevel())
}

func TestRTConcurrencyMustBeOne(t *testing.T) {
	cfg := Default()
	rt := cfg.Kafka.Consumers[ConsumerRT]
	rt.MaxConcurrentMessages = 4
	cfg.Kafka.Consumers[ConsumerRT] = rt

	_, err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_messages must be 1")
}

func TestRTConcurrencyEnvOverrideIsStillGuarded(t *testing.T) {
	t.Setenv("KAFKA_RT_CONSUMER_MAX_CONCURRENT", "2")

	_, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_messages must be 1")
}

func TestBatchConcurrencyIsCapped(t *testing.T) {
	cfg := Default()
	batch := cfg.Kafka.Consumers[ConsumerBatch]
	batch.MaxConcurrentMessages = 30
	cfg.Kafka.Consumers[ConsumerBatch] = batch

	_, err := cfg.Validate()
	require.Error(t, err)
}

func TestInsertCapCeiling(t *testing.T) {
	cfg := Default()
	cfg.ClickHouse.MaxPartitionsPerInsert = 20000

	_, err := cfg.Validate()
	require.Error(t, err)
}

func TestAcksWarningIsNotAnError(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Producer.Acks = "1"

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "acks=1")
}

func TestLogLevelMapping(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":    zerolog.DebugLevel,
		"INFO":     zerolog.InfoLevel,
		"WARNING":  zerolog.WarnLevel,
		"ERROR":    zerolog.ErrorLevel,
		"CRITICAL": zerolog.FatalLevel,
		"":         zerolog.InfoLevel,
	}
	for level, want := range cases {
		if got := (LogConfig{Level: level}).ZerologLevel(); got != want {
			t.Fatalf("level %q mapped to %v, want %v", level, got, want)
		}
	}
}

func TestUnknownLogLevelFallsBackToInfo(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "TRACE"

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "TRACE")
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, zerolog.InfoLevel, cfg.Log.ZerologLevel())
}

func TestUnknownCollectorTimeframeRejected(t *testing.T) {
	cfg := Default()
	cfg.Collector.Timeframes = append(cfg.Collector.Timeframes, "2h")

	_, err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2h")
}

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	cfg := PostgresConfig{
		Host: "db", Port: 5432, Database: "forge",
		User: "svc", Password: "p@ss:w/rd",
	}

	dsn := cfg.DSN()
	assert.Contains(t, dsn, "p%40ss:w%2Frd")
	assert.Contains(t, dsn, "sslmode=disable")
}
