package moex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/errs"
	"github.com/tradeforge/core/internal/market"
)

const candlesFixture = `{
	"candles": {
		"columns": ["open", "close", "high", "low", "value", "volume", "begin", "end"],
		"data": [
			[250.5, 251.0, 251.5, 250.0, 125000.0, 500, "2024-03-01 10:00:00", "2024-03-01 10:59:59"],
			[251.0, 250.2, 251.2, 249.9, null, 320, "2024-03-01 11:00:00", "2024-03-01 11:59:59"]
		]
	}
}`

func TestParseCandles(t *testing.T) {
	var resp candlesResponse
	require.NoError(t, json.Unmarshal([]byte(candlesFixture), &resp))

	candles, err := parseCandles("SBER", market.TF1H, &resp.Candles)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, "SBER", first.Ticker)
	assert.Equal(t, market.TF1H, first.Timeframe)
	assert.Equal(t, 250.5, first.Open)
	assert.Equal(t, 251.0, first.Close)
	assert.Equal(t, 251.5, first.High)
	assert.Equal(t, 250.0, first.Low)
	assert.Equal(t, 500.0, first.Volume)
	require.NotNil(t, first.Value)
	assert.Equal(t, 125000.0, *first.Value)

	wantBegin := time.Date(2024, 3, 1, 10, 0, 0, 0, market.Moscow())
	assert.True(t, first.Begin.Equal(wantBegin))

	// null turnover cell leaves Value unset
	assert.Nil(t, candles[1].Value)
}

func TestParseCandlesColumnOrderIndependent(t *testing.T) {
	shuffled := `{"candles": {
		"columns": ["begin", "volume", "low", "high", "close", "open", "end"],
		"data": [["2024-03-01 10:00:00", 10, 99.0, 101.0, 100.5, 100.0, "2024-03-01 10:59:59"]]
	}}`
	var resp candlesResponse
	require.NoError(t, json.Unmarshal([]byte(shuffled), &resp))

	candles, err := parseCandles("GAZP", market.TF1H, &resp.Candles)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 100.5, candles[0].Close)
}

func TestParseCandlesMissingColumn(t *testing.T) {
	broken := `{"candles": {"columns": ["open"], "data": [[1.0]]}}`
	var resp candlesResponse
	require.NoError(t, json.Unmarshal([]byte(broken), &resp))

	_, err := parseCandles("SBER", market.TF1H, &resp.Candles)
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestParseSecurities(t *testing.T) {
	fixture := `{"securities": {
		"columns": ["SECID", "SHORTNAME", "LOTSIZE", "MINSTEP", "DECIMALS"],
		"data": [["SBER", "Sberbank", 10, 0.01, 2], ["GAZP", "Gazprom", 10, 0.01, 2]]
	}}`
	var resp securitiesResponse
	require.NoError(t, json.Unmarshal([]byte(fixture), &resp))

	secs, err := parseSecurities("TQBR", &resp.Securities)
	require.NoError(t, err)
	require.Len(t, secs, 2)
	assert.Equal(t, "SBER", secs[0].Symbol)
	assert.Equal(t, 10, secs[0].LotSize)
	assert.Equal(t, 0.01, secs[0].MinStep)
	assert.Equal(t, 2, secs[0].Decimals)
	assert.Equal(t, "TQBR", secs[0].BoardID)
}

func testTicker() market.Ticker {
	return market.Ticker{
		ID: 1, Symbol: "SBER", MarketID: 1,
		LotSize: 10, MinStep: 0.01, Decimals: 2,
		Currency: "RUB", IsActive: true,
	}
}

func TestNormalizeCandleSnapsToGrid(t *testing.T) {
	c := market.Candle{
		Ticker: "SBER", Timeframe: market.TF1H,
		Begin: time.Date(2024, 3, 1, 10, 0, 0, 0, market.Moscow()),
		Open:  250.50000000001, High: 251.499999999, Low: 250.0, Close: 251.004999,
		Volume: 100,
	}
	got, err := NormalizeCandle(c, testTicker())
	require.NoError(t, err)
	assert.Equal(t, 250.5, got.Open)
	assert.Equal(t, 251.5, got.High)
	assert.Equal(t, 251.0, got.Close)
}

func TestNormalizeCandleRejectsInvalid(t *testing.T) {
	c := market.Candle{
		Ticker: "SBER", Timeframe: market.TF1H,
		Begin: time.Date(2024, 3, 1, 10, 0, 0, 0, market.Moscow()),
		Open:  250, High: 240, Low: 230, Close: 235, // high below open
		Volume: 100,
	}
	_, err := NormalizeCandle(c, testTicker())
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestClientCandlesRequestShape(t *testing.T) {
	var gotPath string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(candlesFixture))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateLimitRequests: 100}, zerolog.Nop())

	from := time.Date(2024, 3, 1, 9, 0, 0, 0, market.Moscow())
	candles, err := c.Candles(context.Background(), "SBER", market.TF1H, from)
	require.NoError(t, err)
	assert.Len(t, candles, 2)

	assert.Equal(t, "/engines/stock/markets/shares/securities/SBER/candles.json", gotPath)
	assert.Equal(t, []string{"60"}, gotQuery["interval"])
	assert.Equal(t, []string{"2024-03-01 09:00:00"}, gotQuery["from"])
}

func TestClientStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateLimitRequests: 100}, zerolog.Nop())

	_, err := c.Candles(context.Background(), "SBER", market.TF1H, time.Time{})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err), "429 must be retryable")

	status = http.StatusNotFound
	_, err = c.Candles(context.Background(), "SBER", market.TF1H, time.Time{})
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err), "404 must be fatal")
}

func TestClientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	outcomes := map[string]int{}
	c := NewClient(Config{BaseURL: srv.URL, RateLimitRequests: 1000}, zerolog.Nop())
	c.SetRequestCallback(func(endpoint, outcome string) { outcomes[outcome]++ })

	for i := 0; i < 6; i++ {
		_, err := c.Candles(context.Background(), "SBER", market.TF1H, time.Time{})
		require.Error(t, err)
		assert.True(t, errs.IsRetryable(err))
	}

	assert.Equal(t, 5, outcomes["http_500"], "breaker admits exactly five consecutive failures")
	assert.NotZero(t, outcomes["breaker_open"])
}
