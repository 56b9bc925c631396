package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
)

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

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type fakePub struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (p *fakePub) ProduceJSON(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, value: raw})
	return nil
}

func (p *fakePub) snapshot() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sentMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

// feedServer upgrades every request and hands the connection to script.
// dials counts accepted connections.
func feedServer(t *testing.T, dials *atomic.Int32, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if dials != nil {
			dials.Add(1)
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sberTicker() *market.Ticker {
	return &market.Ticker{ID: 1, Symbol: "SBER", LotSize: 10, MinStep: 0.01, Decimals: 2, Currency: "RUB", IsActive: true}
}

func candleFrame(t *testing.T, ticker string, begin time.Time, close float64) []byte {
	t.Helper()
	c := market.Candle{
		Ticker:    ticker,
		Timeframe: market.TF1Min,
		Begin:     begin,
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    100,
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	frame, err := json.Marshal(feedEvent{Event: "candle", Candle: raw})
	require.NoError(t, err)
	return frame
}

func newBridge(t *testing.T, url string, pub *fakePub, cfg Config) *Bridge {
	t.Helper()
	cfg.URL = url
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	tickers := &fakeTickers{bySymbol: map[string]*market.Ticker{"SBER": sberTicker()}}
	return NewBridge(cfg, tickers, pub, metrics.NewRegistry(), zerolog.Nop())
}

// runBridge starts Run in the background and returns a stop function that
// cancels it and waits for the loop to exit.
func runBridge(t *testing.T, b *Bridge) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("bridge did not stop after cancel")
		}
	}
}

func TestBridgeSubscribesAndStreamsCandles(t *testing.T) {
	begin := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	var gotSub atomic.Pointer[subscribeFrame]

	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		gotSub.Store(&sub)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat"}`))
		// 250.50000000001 must snap onto the 0.01 price grid.
		_ = conn.WriteMessage(websocket.TextMessage, candleFrame(t, "SBER", begin, 250.50000000001))
		_ = conn.WriteMessage(websocket.TextMessage, candleFrame(t, "SBER", begin.Add(time.Minute), 251))

		// Hold the session open until the client closes on cancel.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	pub := &fakePub{}
	stop := runBridge(t, newBridge(t, wsURL(srv), pub, Config{Tickers: []string{"SBER"}}))
	defer stop()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	sub := gotSub.Load()
	require.NotNil(t, sub)
	assert.Equal(t, "subscribe", sub.Event)
	assert.Equal(t, []string{"SBER"}, sub.Tickers)

	sent := pub.snapshot()
	assert.Equal(t, bus.TopicRawCandles, sent[0].topic)
	assert.Equal(t, "SBER:1min", sent[0].key)

	var first market.Candle
	require.NoError(t, json.Unmarshal(sent[0].value, &first))
	assert.InDelta(t, 250.5, first.Close, 1e-12)
	assert.True(t, first.Begin.Equal(begin))
}

func TestBridgeSkipsBadFramesAndKeepsSession(t *testing.T) {
	begin := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, candleFrame(t, "GHOST", begin, 100))
		// High below low fails candle validation.
		bad := `{"event":"candle","candle":{"ticker":"SBER","timeframe":"1min","begin":"2024-03-04T10:00:00Z","open":10,"high":9,"low":11,"close":10,"volume":1}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(bad))
		_ = conn.WriteMessage(websocket.TextMessage, candleFrame(t, "SBER", begin, 250))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	pub := &fakePub{}
	stop := runBridge(t, newBridge(t, wsURL(srv), pub, Config{}))
	defer stop()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the read loop a beat: nothing else may arrive.
	time.Sleep(50 * time.Millisecond)
	sent := pub.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "SBER:1min", sent[0].key)
}

func TestBridgeReconnectsAfterServerDrop(t *testing.T) {
	begin := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	var dials atomic.Int32

	srv := feedServer(t, &dials, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, candleFrame(t, "SBER", begin, 250))
		// Returning closes the connection and forces a reconnect.
	})

	pub := &fakePub{}
	stop := runBridge(t, newBridge(t, wsURL(srv), pub, Config{}))
	defer stop()

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && len(pub.snapshot()) >= 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestBridgeSendsKeepalivePings(t *testing.T) {
	var pings atomic.Int32

	srv := feedServer(t, nil, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(appData string) error {
			pings.Add(1)
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	pub := &fakePub{}
	stop := runBridge(t, newBridge(t, wsURL(srv), pub, Config{PingInterval: 20 * time.Millisecond}))
	defer stop()

	require.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestBridgeStopsOnCancel(t *testing.T) {
	var dials atomic.Int32
	srv := feedServer(t, &dials, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	pub := &fakePub{}
	stop := runBridge(t, newBridge(t, wsURL(srv), pub, Config{}))

	require.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()
}
