package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitRatio(t *testing.T) {
	r := NewRegistry()

	r.RecordCacheHit("context")
	r.RecordCacheHit("context")
	r.RecordCacheHit("context")
	r.RecordCacheMiss("context")

	families, err := r.reg.Gather()
	require.NoError(t, err)

	found := false
	for _, fam := range families {
		if fam.GetName() != "tradeforge_cache_hit_ratio" {
			continue
		}
		for _, m := range fam.GetMetric() {
			found = true
			assert.InDelta(t, 0.75, m.GetGauge().GetValue(), 1e-9)
		}
	}
	require.True(t, found, "hit ratio gauge not exported")
}

func TestHitRatioPerTierIndependent(t *testing.T) {
	r := NewRegistry()

	r.RecordCacheHit("context")
	r.RecordCacheMiss("checkpoint")

	families, err := r.reg.Gather()
	require.NoError(t, err)

	ratios := map[string]float64{}
	for _, fam := range families {
		if fam.GetName() != "tradeforge_cache_hit_ratio" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "tier" {
					ratios[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, ratios["context"])
	assert.Equal(t, 0.0, ratios["checkpoint"])
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.RecordMessage("trade-forge.marketdata.candles.raw.v1", OutcomeOK)
	r.RecordRetry("trade-forge.backtests.requests.v1")
	r.RecordDeadLetter("trade-forge.backtests.requests.v1", "fatal")
	r.ObserveHandler("trade-forge.backtests.requests.v1", 120*time.Millisecond)
	r.ObserveSimulation(2*time.Second, 5000, 12)
	r.RecordCollectorPage("1h")
	r.RecordUpstreamRequest("candles", "ok")
	r.ObserveIndicatorCompute("ema", time.Millisecond)
	r.ObserveBatchWrite(1000)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		"tradeforge_messages_consumed_total",
		"tradeforge_message_retries_total",
		"tradeforge_messages_dead_lettered_total",
		"tradeforge_handler_duration_seconds",
		"tradeforge_simulation_duration_seconds",
		"tradeforge_collector_pages_total",
		"tradeforge_upstream_requests_total",
		"tradeforge_indicator_compute_duration_seconds",
		"tradeforge_analytical_batch_write_rows",
	} {
		assert.True(t, strings.Contains(text, want), "exposition missing %s", want)
	}
}

func TestStepTimerReportsIntoHandlerHistogram(t *testing.T) {
	r := NewRegistry()

	timer := r.StartStep("trade-forge.market-collectors.tasks")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))

	families, err := r.reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == "tradeforge_handler_duration_seconds" {
			require.Len(t, fam.GetMetric(), 1)
			assert.Equal(t, uint64(1), fam.GetMetric()[0].GetHistogram().GetSampleCount())
			return
		}
	}
	t.Fatalf("handler duration histogram not exported")
}
