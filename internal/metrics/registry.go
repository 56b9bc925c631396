package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry owns every collector the workers emit. Each process builds one
// instance and exposes it on /metrics through Handler().
type Registry struct {
	reg *prometheus.Registry

	messagesConsumed *prometheus.CounterVec
	messageRetries   *prometheus.CounterVec
	deadLettered     *prometheus.CounterVec
	handlerDuration  *prometheus.HistogramVec

	simDuration  prometheus.Histogram
	simCandles   prometheus.Counter
	simTrades    prometheus.Counter

	collectorPages   *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec

	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheHitRatio *prometheus.GaugeVec

	indicatorDuration *prometheus.HistogramVec
	batchWriteRows    prometheus.Histogram
}

// Message outcome label values.
const (
	OutcomeOK         = "ok"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
	OutcomeDropped    = "dropped"
)

// Cache tier label values.
const (
	TierCheckpoint = "checkpoint"
	TierContext    = "context"
)

// NewRegistry builds and registers all collectors on a private registry so
// tests can hold several instances side by side.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.messagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_messages_consumed_total",
		Help: "Messages consumed per topic, labeled by final outcome",
	}, []string{"topic", "outcome"})

	r.messageRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_message_retries_total",
		Help: "Handler retry attempts per topic",
	}, []string{"topic"})

	r.deadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_messages_dead_lettered_total",
		Help: "Messages published to the .failed topic, labeled by reason",
	}, []string{"topic", "reason"})

	r.handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeforge_handler_duration_seconds",
		Help:    "Message handler wall-clock duration per topic",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"topic"})

	r.simDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeforge_simulation_duration_seconds",
		Help:    "Backtest simulator run duration",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 300},
	})

	r.simCandles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeforge_simulation_candles_total",
		Help: "Candles stepped through by the simulator",
	})

	r.simTrades = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeforge_simulation_trades_total",
		Help: "Trades recorded by the simulator",
	})

	r.collectorPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_collector_pages_total",
		Help: "Upstream pages fetched by the collector per timeframe",
	}, []string{"timeframe"})

	r.upstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_upstream_requests_total",
		Help: "Upstream HTTP requests labeled by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	r.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_cache_hits_total",
		Help: "Cache-tier hits per concern",
	}, []string{"tier"})

	r.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeforge_cache_misses_total",
		Help: "Cache-tier misses per concern",
	}, []string{"tier"})

	r.cacheHitRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeforge_cache_hit_ratio",
		Help: "hits / (hits + misses) per cache concern",
	}, []string{"tier"})

	r.indicatorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeforge_indicator_compute_duration_seconds",
		Help:    "Indicator engine compute duration per family",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.25, 1, 5},
	}, []string{"family"})

	r.batchWriteRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeforge_analytical_batch_write_rows",
		Help:    "Rows per analytical batch insert",
		Buckets: []float64{1, 10, 100, 500, 1000, 5000, 10000},
	})

	r.reg.MustRegister(
		r.messagesConsumed, r.messageRetries, r.deadLettered, r.handlerDuration,
		r.simDuration, r.simCandles, r.simTrades,
		r.collectorPages, r.upstreamRequests,
		r.cacheHits, r.cacheMisses, r.cacheHitRatio,
		r.indicatorDuration, r.batchWriteRows,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordMessage counts one consumed message with its final outcome.
func (r *Registry) RecordMessage(topic, outcome string) {
	r.messagesConsumed.WithLabelValues(topic, outcome).Inc()
}

// RecordRetry counts one retry attempt.
func (r *Registry) RecordRetry(topic string) {
	r.messageRetries.WithLabelValues(topic).Inc()
}

// RecordDeadLetter counts one message shipped to the .failed topic.
func (r *Registry) RecordDeadLetter(topic, reason string) {
	r.deadLettered.WithLabelValues(topic, reason).Inc()
}

// ObserveHandler records one handler invocation duration.
func (r *Registry) ObserveHandler(topic string, d time.Duration) {
	r.handlerDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// ObserveSimulation records one simulator run.
func (r *Registry) ObserveSimulation(d time.Duration, candles, trades int) {
	r.simDuration.Observe(d.Seconds())
	r.simCandles.Add(float64(candles))
	r.simTrades.Add(float64(trades))
}

// RecordCollectorPage counts one fetched upstream page.
func (r *Registry) RecordCollectorPage(timeframe string) {
	r.collectorPages.WithLabelValues(timeframe).Inc()
}

// RecordUpstreamRequest counts one upstream HTTP call.
func (r *Registry) RecordUpstreamRequest(endpoint, outcome string) {
	r.upstreamRequests.WithLabelValues(endpoint, outcome).Inc()
}

// RecordCacheHit counts a hit and refreshes the derived ratio gauge.
func (r *Registry) RecordCacheHit(tier string) {
	r.cacheHits.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio(tier)
}

// RecordCacheMiss counts a miss and refreshes the derived ratio gauge.
func (r *Registry) RecordCacheMiss(tier string) {
	r.cacheMisses.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio(tier)
}

// updateCacheHitRatio reads both counters back through the client_model
// types and publishes hits/(hits+misses).
func (r *Registry) updateCacheHitRatio(tier string) {
	var hits, misses dto.Metric
	if err := r.cacheHits.WithLabelValues(tier).Write(&hits); err != nil {
		return
	}
	if err := r.cacheMisses.WithLabelValues(tier).Write(&misses); err != nil {
		return
	}
	h := hits.GetCounter().GetValue()
	m := misses.GetCounter().GetValue()
	if total := h + m; total > 0 {
		r.cacheHitRatio.WithLabelValues(tier).Set(h / total)
	}
}

// ObserveIndicatorCompute records one engine computation.
func (r *Registry) ObserveIndicatorCompute(family string, d time.Duration) {
	r.indicatorDuration.WithLabelValues(family).Observe(d.Seconds())
}

// ObserveBatchWrite records the row count of one analytical insert.
func (r *Registry) ObserveBatchWrite(rows int) {
	r.batchWriteRows.Observe(float64(rows))
}

// StepTimer measures one named step and reports into the handler histogram
// when stopped.
type StepTimer struct {
	registry *Registry
	topic    string
	start    time.Time
}

// StartStep begins timing a handler step.
func (r *Registry) StartStep(topic string) *StepTimer {
	return &StepTimer{registry: r, topic: topic, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t *StepTimer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.registry.ObserveHandler(t.topic, elapsed)
	return elapsed
}
