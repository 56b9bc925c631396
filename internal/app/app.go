// Package app assembles a worker process: configuration, logging, stores,
// broker, caches, metrics, and the operational HTTP server. Construction
// order is stores, then broker, then health; teardown runs in reverse.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/cache"
	"github.com/tradeforge/core/internal/config"
	ophttp "github.com/tradeforge/core/internal/interfaces/http"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/persistence/clickhouse"
	"github.com/tradeforge/core/internal/persistence/postgres"
)

// App owns every external resource a worker binary touches. One instance
// per process; workers pick the pieces they need off it.
type App struct {
	Config  *config.Config
	Log     zerolog.Logger
	Metrics *metrics.Registry

	PG       *sqlx.DB
	CH       *sqlx.DB
	Redis    *redis.Client
	Producer *bus.Producer

	Jobs       persistence.JobsRepo
	Batches    persistence.BatchesRepo
	Strategies persistence.StrategiesRepo
	Tickers    persistence.TickersRepo
	Candles    persistence.CandlesStore
	Series     persistence.SeriesStore

	Checkpoints *cache.CheckpointStore
	Context     *cache.ContextStore
	Locks       *cache.LockManager
	Quota       *cache.QuotaKeeper

	Health *ophttp.Health
	Server *ophttp.Server

	closers []closer
}

type closer struct {
	name string
	fn   func()
}

// New dials every hard dependency, waiting with exponential backoff under a
// capped elapsed time, and wires the shared repos, caches and the health
// server. On any failure everything opened so far is torn down.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Log:     logger,
		Metrics: metrics.NewRegistry(),
	}

	pg, err := waitFor(ctx, "postgres", logger, func() (*sqlx.DB, error) {
		return postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.PG = pg
	a.addCloser("postgres", func() { pg.Close() })

	ch, err := waitFor(ctx, "clickhouse", logger, func() (*sqlx.DB, error) {
		return clickhouse.Connect(ctx, cfg.ClickHouse.DSN(), cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns)
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.CH = ch
	a.addCloser("clickhouse", func() { ch.Close() })

	rdb, err := waitFor(ctx, "redis", logger, func() (*redis.Client, error) {
		return cache.Connect(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb
	a.addCloser("redis", func() { rdb.Close() })

	producer, err := waitFor(ctx, "kafka", logger, func() (*bus.Producer, error) {
		p, err := bus.NewProducer(bus.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Acks:     cfg.Kafka.Producer.Acks,
		}, logger)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Producer = producer
	a.addCloser("kafka producer", producer.Close)

	a.Jobs = postgres.NewJobsRepo(pg, cfg.Postgres.QueryTimeout())
	a.Batches = postgres.NewBatchesRepo(pg, cfg.Postgres.QueryTimeout())
	a.Strategies = postgres.NewStrategiesRepo(pg, cfg.Postgres.QueryTimeout())
	a.Tickers = postgres.NewTickersRepo(pg, cfg.Postgres.QueryTimeout())
	a.Candles = clickhouse.NewCandlesRepo(ch, cfg.ClickHouse.QueryTimeout(), cfg.ClickHouse.MaxPartitionsPerInsert)
	a.Series = clickhouse.NewSeriesRepo(ch, cfg.ClickHouse.QueryTimeout(), cfg.ClickHouse.MaxPartitionsPerInsert)

	a.Checkpoints = cache.NewCheckpointStore(rdb)
	a.Context = cache.NewContextStore(rdb, cfg.RT.ContextDepth)
	a.Locks = cache.NewLockManager(rdb)
	a.Quota = cache.NewQuotaKeeper(rdb, market.Moscow())

	a.Health = ophttp.NewHealth(5*time.Second, logger)
	a.Health.AddCheck("postgres", func(ctx context.Context) error { return pg.PingContext(ctx) })
	a.Health.AddCheck("clickhouse", func(ctx context.Context) error { return ch.PingContext(ctx) })
	a.Health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	a.Health.AddCheck("kafka", producer.Ping)

	srvCfg := ophttp.DefaultServerConfig()
	if cfg.HTTP.Host != "" {
		srvCfg.Host = cfg.HTTP.Host
	}
	if cfg.HTTP.Port != 0 {
		srvCfg.Port = cfg.HTTP.Port
	}
	server, err := ophttp.NewServer(srvCfg, a.Health, a.Metrics.Handler(), logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Server = server
	a.addCloser("http server", func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})

	return a, nil
}

// ConsumerConfig renders the named consumer block into the runtime's shape,
// binding it to a topic and payload schema.
func (a *App) ConsumerConfig(name, topic, schema string) bus.ConsumerConfig {
	cc := a.Config.Kafka.Consumer(name)
	return bus.ConsumerConfig{
		Brokers:        a.Config.Kafka.Brokers,
		Topic:          topic,
		Group:          cc.Group,
		ClientID:       a.Config.Kafka.ClientID,
		MaxConcurrent:  cc.MaxConcurrentMessages,
		MaxRetries:     cc.MaxRetries,
		UseDLQ:         cc.UseDLQ,
		HandlerTimeout: cc.HandlerTimeout(),
		Schema:         schema,
	}
}

func (a *App) addCloser(name string, fn func()) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases every resource in reverse construction order. Safe to call
// on a partially constructed App and more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.Log.Debug().Str("resource", a.closers[i].name).Msg("closing")
		a.closers[i].fn()
	}
	a.closers = nil
}

// dependencyWait caps how long startup blocks on one dependency before the
// process gives up and exits nonzero.
const dependencyWait = time.Minute

func newDependencyBackoff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = dependencyWait
	return backoff.WithContext(bo, ctx)
}

// waitFor retries one dependency dial until it succeeds, the cap elapses,
// or the context is cancelled.
func waitFor[T any](ctx context.Context, name string, logger zerolog.Logger, dial func() (T, error)) (T, error) {
	var out T
	attempt := func() error {
		v, err := dial()
		if err != nil {
			logger.Warn().Err(err).Str("dependency", name).Msg("dependency not ready, retrying")
			return err
		}
		out = v
		return nil
	}
	if err := backoff.Retry(attempt, newDependencyBackoff(ctx)); err != nil {
		return out, fmt.Errorf("%s unavailable: %w", name, err)
	}
	logger.Info().Str("dependency", name).Msg("dependency ready")
	return out, nil
}
