package indicator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
)

type fakeReleaser struct {
	released *[]string
	key      string
}

func (f *fakeReleaser) Release(_ context.Context) error {
	*f.released = append(*f.released, f.key)
	return nil
}

type fakeLocker struct {
	acquired []string
	released []string
	timeout  bool
	err      error
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _, _, _ time.Duration) (Releaser, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.timeout {
		return nil, nil
	}
	f.acquired = append(f.acquired, key)
	return &fakeReleaser{released: &f.released, key: key}, nil
}

type rangeStore struct {
	fakeCandleReads
	window []market.Candle
}

func (f *rangeStore) LoadRange(_ context.Context, _ string, _ market.Timeframe, _, _ time.Time) ([]market.Candle, error) {
	return f.window, nil
}

func calcRequest(t *testing.T, jobID uuid.UUID, keys ...string) *bus.Message {
	t.Helper()
	specs := make([]bus.IndicatorSpec, 0, len(keys))
	for _, k := range keys {
		specs = append(specs, bus.IndicatorSpec{IndicatorKey: k, Library: LibraryBuiltin})
	}
	req := bus.CalculationRequest{
		JobID:      jobID,
		Ticker:     "SBER",
		Timeframe:  market.TF1H,
		StartDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, market.Moscow()),
		EndDate:    time.Date(2024, 3, 2, 0, 0, 0, 0, market.Moscow()),
		Indicators: specs,
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return &bus.Message{Topic: bus.TopicCalcRequests, Key: jobID.String(), Value: raw}
}

func newBatch(store *rangeStore, series *fakeSeries, locks Locker, pub *fakePub) *BatchWorker {
	return NewBatchWorker(BatchConfig{}, store, series, NewBuiltin(), locks, pub, metrics.NewRegistry(), zerolog.Nop())
}

func TestBatchComputesAndAnswersSuccess(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{window: candleSeries(100, 101, 102, 103, 104, 105)}
	series := &fakeSeries{}
	locks := &fakeLocker{}
	pub := &fakePub{}
	w := newBatch(store, series, locks, pub)

	remaining, err := w.Handle(context.Background(), calcRequest(t, jobID, "ema_timeperiod_3_value", "sma_timeperiod_3_value"))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, series.inserted, 2)
	ema := series.inserted[0]
	assert.Equal(t, "ema_timeperiod_3_value", ema.Key)
	assert.Equal(t, "SBER", ema.Ticker)
	// Warm-up NaNs are trimmed: period 3 over 6 candles leaves 4 points.
	assert.Len(t, ema.Points, 4)
	assert.True(t, ema.Points[0].Begin.Equal(store.window[2].Begin))

	assert.Equal(t, []string{
		"indicator_lock:SBER:1h:ema_timeperiod_3_value",
		"indicator_lock:SBER:1h:sma_timeperiod_3_value",
	}, locks.acquired)
	assert.Equal(t, locks.acquired, locks.released, "every lock released")

	require.Len(t, pub.sent, 1)
	assert.Equal(t, bus.TopicBacktestRequests, pub.sent[0].topic)
	assert.Equal(t, jobID.String(), pub.sent[0].key)
	answer := pub.sent[0].payload.(bus.BacktestRequest)
	assert.Equal(t, jobID, answer.JobID)
	assert.Equal(t, bus.StatusCalculationSuccess, answer.Status)
}

func TestBatchAnswersFailureWhenWindowEmpty(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{}
	series := &fakeSeries{}
	pub := &fakePub{}
	w := newBatch(store, series, &fakeLocker{}, pub)

	_, err := w.Handle(context.Background(), calcRequest(t, jobID, "ema_timeperiod_3_value"))
	require.NoError(t, err, "a domain failure still commits")

	assert.Empty(t, series.inserted)
	require.Len(t, pub.sent, 1)
	answer := pub.sent[0].payload.(bus.BacktestRequest)
	assert.Equal(t, bus.StatusCalculationFailure, answer.Status)
}

func TestBatchAnswersFailureForUnknownFamily(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{window: candleSeries(100, 101, 102, 103)}
	pub := &fakePub{}
	w := newBatch(store, &fakeSeries{}, &fakeLocker{}, pub)

	_, err := w.Handle(context.Background(), calcRequest(t, jobID, "vwap_timeperiod_3_value"))
	require.NoError(t, err)

	require.Len(t, pub.sent, 1)
	answer := pub.sent[0].payload.(bus.BacktestRequest)
	assert.Equal(t, bus.StatusCalculationFailure, answer.Status)
}

func TestBatchAnswersFailureForForeignLibrary(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{window: candleSeries(100, 101, 102, 103)}
	pub := &fakePub{}
	w := newBatch(store, &fakeSeries{}, &fakeLocker{}, pub)

	req := bus.CalculationRequest{
		JobID:     jobID,
		Ticker:    "SBER",
		Timeframe: market.TF1H,
		StartDate: time.Date(2024, 3, 1, 0, 0, 0, 0, market.Moscow()),
		EndDate:   time.Date(2024, 3, 2, 0, 0, 0, 0, market.Moscow()),
		Indicators: []bus.IndicatorSpec{
			{IndicatorKey: "ema_timeperiod_3_value", Library: "talib"},
		},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)

	_, err = w.Handle(context.Background(), &bus.Message{Value: raw})
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, bus.StatusCalculationFailure, pub.sent[0].payload.(bus.BacktestRequest).Status)
}

func TestBatchLockContentionRetries(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{window: candleSeries(100, 101, 102, 103, 104)}
	pub := &fakePub{}
	w := newBatch(store, &fakeSeries{}, &fakeLocker{timeout: true}, pub)

	_, err := w.Handle(context.Background(), calcRequest(t, jobID, "ema_timeperiod_3_value"))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.Empty(t, pub.sent, "contention is transient, no outcome answered")
}

func TestBatchEmptyIndicatorListFails(t *testing.T) {
	jobID := uuid.New()
	pub := &fakePub{}
	w := newBatch(&rangeStore{}, &fakeSeries{}, &fakeLocker{}, pub)

	_, err := w.Handle(context.Background(), calcRequest(t, jobID))
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)
	assert.Equal(t, bus.StatusCalculationFailure, pub.sent[0].payload.(bus.BacktestRequest).Status)
}

func TestBatchRejectsUndecodableRequest(t *testing.T) {
	w := newBatch(&rangeStore{}, &fakeSeries{}, &fakeLocker{}, &fakePub{})

	_, err := w.Handle(context.Background(), &bus.Message{Value: []byte("{")})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))

	_, err = w.Handle(context.Background(), &bus.Message{Value: []byte(`{"ticker":"SBER"}`)})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err), "missing job id cannot be answered")
}

func TestBatchRetryableInsertSurfaces(t *testing.T) {
	jobID := uuid.New()
	store := &rangeStore{window: candleSeries(100, 101, 102, 103, 104)}
	series := &fakeSeries{insertErr: errs.Retryablef("clickhouse timeout")}
	pub := &fakePub{}
	w := newBatch(store, series, &fakeLocker{}, pub)

	_, err := w.Handle(context.Background(), calcRequest(t, jobID, "ema_timeperiod_3_value"))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.Empty(t, pub.sent)
}
