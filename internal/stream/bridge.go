// Package stream bridges a live websocket quote feed onto the raw candles
// topic. It is the push complement of the polling collector: frames arrive
// as they close upstream, get normalized against instrument reference data,
// and land on the same topic the real-time pipeline consumes.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradeforge/core/internal/bus"
	"github.com/tradeforge/core/internal/market"
	"github.com/tradeforge/core/internal/metrics"
	"github.com/tradeforge/core/internal/persistence"
	"github.com/tradeforge/core/internal/upstream/moex"
)

// Config tunes the feed connection.
type Config struct {
	// URL of the websocket candle feed.
	URL string

	// Tickers to subscribe to. Empty means the feed's default set, in
	// which case no subscribe frame is sent.
	Tickers []string

	// PingInterval spaces the keepalive pings. The read deadline is twice
	// this interval and is pushed forward on every pong.
	PingInterval time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect wait.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	return c
}

// feedEvent is the wire envelope of the quote feed. Everything that is not
// a candle (heartbeats, subscription acks, info frames) is skipped.
type feedEvent struct {
	Event  string          `json:"event"`
	Candle json.RawMessage `json:"candle,omitempty"`
}

// subscribeFrame asks the feed for a ticker set.
type subscribeFrame struct {
	Event   string   `json:"event"`
	Tickers []string `json:"tickers"`
}

// Bridge maintains one feed connection and republishes its candles.
type Bridge struct {
	cfg     Config
	tickers persistence.TickersRepo
	pub     bus.Publisher
	metrics *metrics.Registry
	log     zerolog.Logger
	dialer  *websocket.Dialer

	// known caches instrument lookups for the lifetime of the process;
	// reference data changes by deploy, not mid-stream.
	known map[string]*market.Ticker
}

func NewBridge(cfg Config, tickers persistence.TickersRepo, pub bus.Publisher, m *metrics.Registry, log zerolog.Logger) *Bridge {
	return &Bridge{
		cfg:     cfg.withDefaults(),
		tickers: tickers,
		pub:     pub,
		metrics: m,
		log:     log.With().Str("component", "stream").Logger(),
		dialer:  websocket.DefaultDialer,
		known:   make(map[string]*market.Ticker),
	}
}

// Run connects and consumes until ctx is cancelled. Connection loss is not
// an error: the bridge reconnects with exponential backoff, resetting the
// ladder after any session that managed to deliver a frame.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.InitialBackoff
	bo.MaxInterval = b.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for {
		delivered, err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.log.Warn().Err(err).Msg("feed session ended")
		}
		if delivered > 0 {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		b.log.Info().Dur("wait", wait).Msg("reconnecting to feed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection to completion and reports how many candles it
// delivered downstream.
func (b *Bridge) session(ctx context.Context) (int, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	b.log.Info().Str("url", b.cfg.URL).Msg("feed connected")

	if len(b.cfg.Tickers) > 0 {
		sub := subscribeFrame{Event: "subscribe", Tickers: b.cfg.Tickers}
		if err := conn.WriteJSON(sub); err != nil {
			return 0, err
		}
	}

	readWait := 2 * b.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// The pinger owns the connection's write side after the subscribe
	// frame. On shutdown it closes the connection, which unblocks the
	// read loop; when the read loop exits first, the session context
	// stops the pinger.
	sctx, cancel := context.WithCancel(ctx)
	pingerDone := make(chan struct{})
	go func() {
		defer close(pingerDone)
		t := time.NewTicker(b.cfg.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-sctx.Done():
				if ctx.Err() != nil {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
						time.Now().Add(time.Second))
					conn.Close()
				}
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-pingerDone
	}()

	delivered := 0
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, err
		}
		if b.handleFrame(ctx, raw) {
			delivered++
			// A fresh deadline per delivered frame keeps quiet feeds on
			// pong cadence without timing out busy ones.
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
		}
	}
}

// handleFrame parses one feed frame and, when it carries a valid candle,
// publishes it. Malformed frames are logged and skipped: one bad message
// must not tear down the session.
func (b *Bridge) handleFrame(ctx context.Context, raw []byte) bool {
	var event feedEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		b.metrics.RecordUpstreamRequest("stream", "malformed")
		b.log.Warn().Err(err).Msg("undecodable feed frame")
		return false
	}
	if event.Event != "candle" || len(event.Candle) == 0 {
		b.metrics.RecordUpstreamRequest("stream", "skipped")
		return false
	}

	var candle market.Candle
	if err := json.Unmarshal(event.Candle, &candle); err != nil {
		b.metrics.RecordUpstreamRequest("stream", "malformed")
		b.log.Warn().Err(err).Msg("undecodable feed candle")
		return false
	}

	ticker, err := b.resolveTicker(ctx, candle.Ticker)
	if err != nil {
		b.metrics.RecordUpstreamRequest("stream", "error")
		b.log.Warn().Err(err).Str("ticker", candle.Ticker).Msg("ticker lookup failed")
		return false
	}
	if ticker == nil {
		b.metrics.RecordUpstreamRequest("stream", "unknown_ticker")
		b.log.Warn().Str("ticker", candle.Ticker).Msg("feed candle for unknown ticker")
		return false
	}

	normalized, err := moex.NormalizeCandle(candle, *ticker)
	if err != nil {
		b.metrics.RecordUpstreamRequest("stream", "invalid")
		b.log.Warn().Err(err).Str("ticker", candle.Ticker).Msg("feed candle rejected")
		return false
	}

	if err := b.pub.ProduceJSON(ctx, bus.TopicRawCandles, normalized.Key(), normalized); err != nil {
		b.metrics.RecordUpstreamRequest("stream", "publish_error")
		b.log.Error().Err(err).Str("key", normalized.Key()).Msg("raw candle publish failed")
		return false
	}
	b.metrics.RecordUpstreamRequest("stream", "candle")
	return true
}

func (b *Bridge) resolveTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	if t, ok := b.known[symbol]; ok {
		return t, nil
	}
	t, err := b.tickers.GetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if t != nil {
		b.known[symbol] = t
	}
	return t, nil
}
