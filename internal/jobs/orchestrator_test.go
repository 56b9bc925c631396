package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/backtest"
	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/cache"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/strategy"
)

// rsiDefinition needs rsi_timeperiod_3_value, which resolves to a
// 6-candle lookback.
const rsiDefinition = `{
	"entry_buy_conditions": [
		{
			"type": "GREATER_THAN",
			"left": {"type": "INDICATOR_VALUE", "key": "rsi_timeperiod_3_value"},
			"right": {"type": "VALUE", "value": 50}
		}
	],
	"exit_conditions": [
		{
			"type": "LESS_THAN",
			"left": {"type": "INDICATOR_VALUE", "key": "rsi_timeperiod_3_value"},
			"right": {"type": "VALUE", "value": 50}
		}
	],
	"stop_loss": {"type": "PERCENTAGE", "percentage": 5}
}`

const rsiKey = "rsi_timeperiod_3_value"

type fakeJobs struct {
	job         *persistence.BacktestJob
	acquireErr  error
	acquires    int
	skips       []bool
	skipErr     error
	failedWith  []string
	markErr     error
	completed   []*persistence.BacktestResult
	completeErr error
}

func (j *fakeJobs) Create(ctx context.Context, job *persistence.BacktestJob) error { return nil }

func (j *fakeJobs) Get(ctx context.Context, id uuid.UUID) (*persistence.BacktestJob, error) {
	return j.job, nil
}

func (j *fakeJobs) AcquireForRun(ctx context.Context, id uuid.UUID) (*persistence.BacktestJob, error) {
	j.acquires++
	if j.acquireErr != nil {
		return nil, j.acquireErr
	}
	if j.job == nil || j.job.Status.Terminal() {
		return nil, nil
	}
	cp := *j.job
	cp.Status = persistence.JobRunning
	return &cp, nil
}

func (j *fakeJobs) SetSkipIndicatorCheck(ctx context.Context, id uuid.UUID, skip bool) error {
	if j.skipErr != nil {
		return j.skipErr
	}
	j.skips = append(j.skips, skip)
	if j.job != nil {
		j.job.SkipIndicatorCheck = skip
	}
	return nil
}

func (j *fakeJobs) MarkFailed(ctx context.Context, id uuid.UUID, userMessage string) error {
	if j.markErr != nil {
		return j.markErr
	}
	j.failedWith = append(j.failedWith, userMessage)
	if j.job != nil {
		j.job.Status = persistence.JobFailed
	}
	return nil
}

func (j *fakeJobs) CompleteWithResult(ctx context.Context, result *persistence.BacktestResult) error {
	if j.completeErr != nil {
		return j.completeErr
	}
	j.completed = append(j.completed, result)
	if j.job != nil {
		j.job.Status = persistence.JobCompleted
	}
	return nil
}

type fakeBatches struct {
	created     *persistence.BacktestBatch
	createdJobs []*persistence.BacktestJob
	createErr   error
	outcomes    []bool
	outcomeErr  error
	after       *persistence.BacktestBatch
}

func (b *fakeBatches) CreateWithJobs(ctx context.Context, batch *persistence.BacktestBatch, jobs []*persistence.BacktestJob) error {
	if b.createErr != nil {
		return b.createErr
	}
	b.created = batch
	b.createdJobs = jobs
	return nil
}

func (b *fakeBatches) Get(ctx context.Context, id uuid.UUID) (*persistence.BacktestBatch, error) {
	return b.created, nil
}

func (b *fakeBatches) RecordChildOutcome(ctx context.Context, id uuid.UUID, succeeded bool) (*persistence.BacktestBatch, error) {
	if b.outcomeErr != nil {
		return nil, b.outcomeErr
	}
	b.outcomes = append(b.outcomes, succeeded)
	return b.after, nil
}

type fakeTickers struct {
	bySymbol map[string]*market.Ticker
}

func (f *fakeTickers) GetBySymbol(ctx context.Context, symbol string) (*market.Ticker, error) {
	return f.bySymbol[symbol], nil
}

func (f *fakeTickers) ListActive(ctx context.Context, marketCode string) ([]market.Ticker, error) {
	return nil, nil
}

func (f *fakeTickers) UpsertReference(ctx context.Context, marketCode string, t market.Ticker) error {
	return nil
}

type fakeCandles struct {
	window  []market.Candle
	loadErr error
	from    time.Time
	to      time.Time
}

func (f *fakeCandles) InsertBatch(ctx context.Context, candles []market.Candle) error { return nil }

func (f *fakeCandles) LastBegin(ctx context.Context, ticker string, tf market.Timeframe) (*time.Time, error) {
	return nil, nil
}

func (f *fakeCandles) LoadRange(ctx context.Context, ticker string, tf market.Timeframe, from, to time.Time) ([]market.Candle, error) {
	f.from, f.to = from, to
	return f.window, f.loadErr
}

func (f *fakeCandles) LoadLast(ctx context.Context, ticker string, tf market.Timeframe, n int) ([]market.Candle, error) {
	return nil, nil
}

func (f *fakeCandles) Checkpoints(ctx context.Context) ([]persistence.SeriesCheckpoint, error) {
	return nil, nil
}

type fakeSeries struct {
	report    *persistence.AvailabilityReport
	reportErr error
	queries   []persistence.AvailabilityQuery
	series    map[string][]market.IndicatorPoint
	loadErr   error
}

func (f *fakeSeries) InsertPoints(ctx context.Context, series market.IndicatorSeries) error {
	return nil
}

func (f *fakeSeries) LoadSeries(ctx context.Context, ticker string, tf market.Timeframe, keys []string, from, to time.Time) (map[string][]market.IndicatorPoint, error) {
	return f.series, f.loadErr
}

func (f *fakeSeries) Availability(ctx context.Context, q persistence.AvailabilityQuery) (*persistence.AvailabilityReport, error) {
	f.queries = append(f.queries, q)
	return f.report, f.reportErr
}

type fakeQuota struct {
	decision   cache.Decision
	reserveErr error
	reserved   []int
	released   []int
	releaseErr error
}

func (q *fakeQuota) Reserve(ctx context.Context, userID uuid.UUID, n int, now time.Time, limits cache.Limits) (cache.Decision, error) {
	if q.reserveErr != nil {
		return cache.Decision{}, q.reserveErr
	}
	q.reserved = append(q.reserved, n)
	return q.decision, nil
}

func (q *fakeQuota) ReleaseRunning(ctx context.Context, userID uuid.UUID, n int) (int, error) {
	if q.releaseErr != nil {
		return 0, q.releaseErr
	}
	q.released = append(q.released, n)
	return 0, nil
}

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type fakePub struct {
	sent    []sentMessage
	failKey string
	// failAfter, when positive, fails every produce once that many
	// messages have been accepted.
	failAfter int
}

func (p *fakePub) ProduceJSON(ctx context.Context, topic, key string, payload any) error {
	if p.failKey != "" && key == p.failKey {
		return errs.Retryablef("broker unavailable")
	}
	if p.failAfter > 0 && len(p.sent) >= p.failAfter {
		return errs.Retryablef("broker unavailable")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, value: raw})
	return nil
}

// stuckClock makes every elapsed-time check read one hour.
type stuckClock struct{}

func (stuckClock) Now() time.Time                { return time.Unix(0, 0) }
func (stuckClock) Since(time.Time) time.Duration { return time.Hour }

func sberTicker() *market.Ticker {
	return &market.Ticker{ID: 1, Symbol: "SBER", LotSize: 10, MinStep: 0.01, Decimals: 2, Currency: "RUB", IsActive: true}
}

func hourlyCandles(from time.Time, n int, close float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			Ticker:    "SBER",
			Timeframe: market.TF1H,
			Begin:     from.Add(time.Duration(i) * time.Hour),
			Open:      close,
			High:      close + 1,
			Low:       close - 1,
			Close:     close,
			Volume:    1000,
		}
	}
	return out
}

func flatSeries(candles []market.Candle, value float64) map[string][]market.IndicatorPoint {
	points := make([]market.IndicatorPoint, len(candles))
	for i, c := range candles {
		points[i] = market.IndicatorPoint{Begin: c.Begin, Value: value}
	}
	return map[string][]market.IndicatorPoint{rsiKey: points}
}

type orchestratorFixture struct {
	jobs    *fakeJobs
	batches *fakeBatches
	candles *fakeCandles
	series  *fakeSeries
	quota   *fakeQuota
	pub     *fakePub
	orch    *Orchestrator

	job         *persistence.BacktestJob
	warmupStart time.Time
}

// newFixture wires an orchestrator around a runnable six-lookback,
// six-period window with full rsi coverage. Tests mutate the fakes to
// carve out their scenario.
func newFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	warmupStart := time.Date(2024, 3, 4, 4, 0, 0, 0, time.UTC)
	start := warmupStart.Add(6 * time.Hour)
	end := start.Add(5 * time.Hour)
	window := hourlyCandles(warmupStart, 12, 250)

	batchID := uuid.New()
	job := &persistence.BacktestJob{
		ID:                 uuid.New(),
		UserID:             uuid.New(),
		StrategyID:         uuid.New(),
		Ticker:             "SBER",
		Timeframe:          market.TF1H,
		StartDate:          start,
		EndDate:            end,
		Status:             persistence.JobPending,
		StrategySnapshot:   json.RawMessage(rsiDefinition),
		SimulationParams:   json.RawMessage(`{"initial_balance":100000,"commission_rate":0.0005}`),
		BatchID:            &batchID,
		CountsTowardsLimit: true,
	}

	first, last := window[6].Begin, window[11].Begin
	earliest := window[0].Begin
	report := &persistence.AvailabilityReport{
		PeriodFirstCandle: &first,
		PeriodLastCandle:  &last,
		PeriodCount:       6,
		LookbackCount:     6,
		WarmupStart:       &warmupStart,
		EarliestCandle:    &earliest,
		IndicatorCoverage: map[string]int{rsiKey: 12},
	}

	f := &orchestratorFixture{
		jobs:        &fakeJobs{job: job},
		batches:     &fakeBatches{},
		candles:     &fakeCandles{window: window},
		series:      &fakeSeries{report: report, series: flatSeries(window, 40)},
		quota:       &fakeQuota{},
		pub:         &fakePub{},
		job:         job,
		warmupStart: warmupStart,
	}
	f.orch = NewOrchestrator(
		f.jobs, f.batches, &fakeTickers{bySymbol: map[string]*market.Ticker{"SBER": sberTicker()}},
		f.candles, f.series, strategy.NewDefinitionCache(), f.quota, f.pub,
		backtest.NewSimulator(zerolog.Nop(), backtest.SimulatorConfig{}),
		metrics.NewRegistry(), zerolog.Nop(),
	)
	return f
}

func requestMessage(t *testing.T, jobID uuid.UUID, status string) *bus.Message {
	t.Helper()
	raw, err := json.Marshal(bus.BacktestRequest{JobID: jobID, Status: status})
	require.NoError(t, err)
	return &bus.Message{Topic: bus.TopicBacktestRequests, Key: jobID.String(), Value: raw}
}

func TestOrchestratorCompletesRunnableJob(t *testing.T) {
	f := newFixture(t)

	remaining, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, f.jobs.completed, 1)
	result := f.jobs.completed[0]
	assert.Equal(t, f.job.ID, result.JobID)

	var summary backtest.Summary
	require.NoError(t, json.Unmarshal(result.Metrics, &summary))
	assert.Zero(t, summary.TotalTrades)
	assert.InDelta(t, 100000, summary.FinalBalance, 1e-9)

	var trades []backtest.Trade
	require.NoError(t, json.Unmarshal(result.Trades, &trades))
	assert.Empty(t, trades)

	// Dataset window starts at the warm-up boundary, not the job start.
	assert.Equal(t, f.warmupStart, f.candles.from)
	assert.Equal(t, f.job.EndDate, f.candles.to)

	assert.Equal(t, []bool{true}, f.batches.outcomes)
	assert.Equal(t, []int{1}, f.quota.released)
	assert.Empty(t, f.pub.sent)
	assert.Empty(t, f.jobs.failedWith)
}

func TestOrchestratorAvailabilityQueryCarriesRequirements(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)

	require.Len(t, f.series.queries, 1)
	q := f.series.queries[0]
	assert.Equal(t, "SBER", q.Ticker)
	assert.Equal(t, market.TF1H, q.Timeframe)
	assert.Equal(t, 6, q.MaxLookback)
	assert.Equal(t, []string{rsiKey}, q.IndicatorKeys)
}

func TestOrchestratorFailsOnInsufficientWarmup(t *testing.T) {
	f := newFixture(t)
	f.series.report.LookbackCount = 3
	f.series.report.WarmupStart = nil

	remaining, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, f.jobs.failedWith, 1)
	assert.Equal(t,
		"Insufficient warm-up data: required 6, available 3. Earliest candle is 2024-03-04T04:00:00Z.",
		f.jobs.failedWith[0])
	assert.Equal(t, []bool{false}, f.batches.outcomes)
	assert.Equal(t, []int{1}, f.quota.released)
	assert.Empty(t, f.jobs.completed)
}

func TestOrchestratorFailsWhenPeriodHasNoCandles(t *testing.T) {
	f := newFixture(t)
	f.series.report.PeriodFirstCandle = nil
	f.series.report.PeriodLastCandle = nil
	f.series.report.PeriodCount = 0

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)

	require.Len(t, f.jobs.failedWith, 1)
	assert.Equal(t, "No market data is available for the requested period.", f.jobs.failedWith[0])
}

func TestOrchestratorRequestsMissingIndicators(t *testing.T) {
	f := newFixture(t)
	f.series.report.IndicatorCoverage[rsiKey] = 3

	remaining, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, f.pub.sent, 1)
	sent := f.pub.sent[0]
	assert.Equal(t, bus.TopicCalcRequests, sent.topic)
	assert.Equal(t, f.job.ID.String(), sent.key)

	var req bus.CalculationRequest
	require.NoError(t, json.Unmarshal(sent.value, &req))
	assert.Equal(t, f.job.ID, req.JobID)
	assert.Equal(t, "SBER", req.Ticker)
	assert.Equal(t, market.TF1H, req.Timeframe)
	assert.True(t, req.StartDate.Equal(f.warmupStart))
	assert.True(t, req.EndDate.Equal(f.job.EndDate))
	require.Len(t, req.Indicators, 1)
	assert.Equal(t, rsiKey, req.Indicators[0].IndicatorKey)
	assert.Equal(t, "rsi", req.Indicators[0].Name)
	assert.Equal(t, "builtin", req.Indicators[0].Library)
	assert.InDelta(t, 3, req.Indicators[0].Params["timeperiod"], 1e-9)

	// The job stays RUNNING and keeps its quota slot until the answer
	// comes back.
	assert.Empty(t, f.jobs.failedWith)
	assert.Empty(t, f.jobs.completed)
	assert.Empty(t, f.quota.released)
	assert.Empty(t, f.batches.outcomes)
}

func TestOrchestratorCalculationSuccessSkipsCoverageGate(t *testing.T) {
	f := newFixture(t)
	// Coverage still reads as partial; the success verdict must bypass it.
	f.series.report.IndicatorCoverage[rsiKey] = 3

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, bus.StatusCalculationSuccess))
	require.NoError(t, err)

	assert.Equal(t, []bool{true}, f.jobs.skips)
	require.Len(t, f.jobs.completed, 1)
	assert.Empty(t, f.pub.sent)
}

func TestOrchestratorCalculationFailureFailsJob(t *testing.T) {
	f := newFixture(t)

	remaining, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, bus.StatusCalculationFailure))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, f.jobs.failedWith, 1)
	assert.Equal(t, "Indicator calculation failed for the requested strategy.", f.jobs.failedWith[0])
	assert.Equal(t, []bool{false}, f.batches.outcomes)
	assert.Equal(t, []int{1}, f.quota.released)
}

func TestOrchestratorTerminalJobRedeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.job.Status = persistence.JobCompleted

	remaining, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	assert.Equal(t, 1, f.jobs.acquires)
	assert.Empty(t, f.jobs.failedWith)
	assert.Empty(t, f.jobs.completed)
	assert.Empty(t, f.quota.released)
}

func TestOrchestratorTimeoutRetriesOnceThenFails(t *testing.T) {
	f := newFixture(t)
	f.orch.sim = backtest.NewSimulator(zerolog.Nop(), backtest.SimulatorConfig{
		Timeout:              time.Second,
		TimeoutCheckInterval: 1,
	}).WithClock(stuckClock{})

	// First delivery: surface the timeout as retryable.
	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	var bex *errs.BacktestExecutionError
	require.True(t, errors.As(err, &bex))
	assert.True(t, bex.Timeout)
	assert.Empty(t, f.jobs.failedWith)

	// Redelivery: a second timeout finalizes the job.
	f.job.Status = persistence.JobRunning
	msg := requestMessage(t, f.job.ID, "")
	msg.Attempt = 1
	_, err = f.orch.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, f.jobs.failedWith, 1)
	assert.Equal(t, "Simulation exceeded the configured time limit.", f.jobs.failedWith[0])
	assert.Equal(t, []bool{false}, f.batches.outcomes)
	assert.Equal(t, []int{1}, f.quota.released)
}

func TestOrchestratorInvalidSnapshotFailsJob(t *testing.T) {
	f := newFixture(t)
	f.job.StrategySnapshot = json.RawMessage(`{"exit_conditions": []}`)

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)

	require.Len(t, f.jobs.failedWith, 1)
	assert.Contains(t, f.jobs.failedWith[0], "entry_buy_conditions")
}

func TestOrchestratorUnknownTickerFailsJob(t *testing.T) {
	f := newFixture(t)
	f.job.Ticker = "GHOST"

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.NoError(t, err)

	require.Len(t, f.jobs.failedWith, 1)
	assert.Equal(t, `Unknown ticker "GHOST".`, f.jobs.failedWith[0])
}

func TestOrchestratorInfrastructureErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.series.reportErr = errs.Retryablef("column store unavailable")

	_, err := f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, ""))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.Empty(t, f.jobs.failedWith)
	assert.Empty(t, f.quota.released)
}

func TestOrchestratorRejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Handle(context.Background(), &bus.Message{Value: []byte("{")})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))

	_, err = f.orch.Handle(context.Background(), &bus.Message{Value: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))

	_, err = f.orch.Handle(context.Background(), requestMessage(t, f.job.ID, "BOGUS"))
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}
