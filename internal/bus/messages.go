package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tradeforge/core/internal/market"
)

// Topic names. Per-key ordering is what the key column of each topic is for:
// candle topics key by ticker:timeframe, backtest topics by job_id.
const (
	TopicRawCandles       = "trade-forge.marketdata.candles.raw.v1"
	TopicProcessedCandles = "trade-forge.indicators.candles.processed.rt.v1"
	TopicCalcRequests     = "trade-forge.backtesting.indicators.calculation-requested.v1"
	TopicBacktestRequests = "trade-forge.backtests.requests.v1"
	TopicCollectorTasks   = "trade-forge.market-collectors.tasks"

	// DLQSuffix is appended to the source topic for dead letters.
	DLQSuffix = ".failed"
)

// Record header names.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderFailureReason = "failure_reason"
	HeaderAttempts      = "attempts"
	HeaderLastError     = "last_error"
)

// Calculation response statuses carried on the backtest requests topic.
const (
	StatusCalculationSuccess = "CALCULATION_SUCCESS"
	StatusCalculationFailure = "CALCULATION_FAILURE"
)

// Collector task types.
const TaskCollectCandles = "collect_candles"

// BacktestRequest asks the orchestrator to (re-)run a job. Status is empty
// on first submission and carries the calculation outcome on re-entry.
type BacktestRequest struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status,omitempty"`
}

// IndicatorSpec is one series the batch calculation worker must produce.
type IndicatorSpec struct {
	IndicatorKey string             `json:"indicator_key"`
	Name         string             `json:"name"`
	Library      string             `json:"library"`
	Params       map[string]float64 `json:"params"`
}

// CalculationRequest asks the batch worker to produce indicator series over
// a date range. StartDate already includes the lookback buffer.
type CalculationRequest struct {
	JobID      uuid.UUID        `json:"job_id"`
	Ticker     string           `json:"ticker"`
	Timeframe  market.Timeframe `json:"timeframe"`
	StartDate  time.Time        `json:"start_date"`
	EndDate    time.Time        `json:"end_date"`
	Indicators []IndicatorSpec  `json:"indicators"`
}

// CollectorTask drives one collector worker invocation.
type CollectorTask struct {
	TaskType string            `json:"task_type"`
	Ticker   string            `json:"ticker"`
	Params   map[string]string `json:"params"`
}

// Key renders the tasks-topic key, ticker:task_type.
func (t CollectorTask) Key() string {
	return t.Ticker + ":" + t.TaskType
}

// Message is one record as seen by a handler.
type Message struct {
	Topic         string
	Key           string
	Value         []byte
	Headers       map[string]string
	CorrelationID string
	Partition     int32
	Offset        int64

	// Attempt is zero on first delivery and counts runtime retries.
	Attempt int
}

// Handler processes one message. The returned remaining count, when
// positive, makes the runtime republish the original record verbatim so
// paginated work self-schedules without blocking the partition.
type Handler func(ctx context.Context, msg *Message) (remaining int, err error)

// Publisher is the outbound contract handlers and services depend on.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic, key string, payload any) error
}

type correlationKey struct{}

// WithCorrelationID stores the correlation id for downstream produces.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or "" when absent.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns the ctx id or mints a fresh one.
func EnsureCorrelationID(ctx context.Context) string {
	if id := CorrelationID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
