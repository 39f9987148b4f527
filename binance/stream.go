package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/marketkit/engine/market"
)

const (
	// streamBackoffBase is the first reconnect delay; it doubles per
	// consecutive failure up to streamBackoffCap, plus up to a second of
	// jitter.
	streamBackoffBase = 5 * time.Second
	streamBackoffCap  = 60 * time.Second

	// streamHealthyAfter is how long a connection must hold before the
	// failure counter resets.
	streamHealthyAfter = 30 * time.Second

	// streamReadTimeout bounds the gap between frames. The exchange
	// pings every 20 seconds, so a quiet connection is a dead one.
	streamReadTimeout = 2 * time.Minute
)

// KlineStream consumes the 1m kline websocket stream for a single asset
// and delivers each closed, valid candle to out. It reconnects forever
// with exponential backoff until the context is canceled; the feed
// itself never fails permanently.
type KlineStream struct {
	wsURL  string
	asset  string
	out    chan<- market.Candle
	logger *zap.Logger
	dialer *websocket.Dialer
}

// NewKlineStream builds a stream for asset against the given websocket
// base URL. Candles are sent on out; the caller owns the channel.
func NewKlineStream(wsURL, asset string, out chan<- market.Candle, logger *zap.Logger) *KlineStream {
	return &KlineStream{
		wsURL:  strings.TrimRight(wsURL, "/"),
		asset:  asset,
		out:    out,
		logger: logger.With(zap.String("asset", asset)),
		dialer: websocket.DefaultDialer,
	}
}

func (s *KlineStream) endpoint() string {
	return fmt.Sprintf("%s/ws/%s@kline_1m", s.wsURL, strings.ToLower(Symbol(s.asset)))
}

// Run connects and pumps candles until ctx is canceled. Returns ctx.Err
// on cancellation.
func (s *KlineStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		start := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) >= streamHealthyAfter {
			attempt = 0
		}
		delay := backoffDelay(attempt)
		attempt++
		s.logger.Warn("stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns the reconnect delay for the given consecutive
// failure count.
func backoffDelay(attempt int) time.Duration {
	delay := streamBackoffBase
	for i := 0; i < attempt && delay < streamBackoffCap; i++ {
		delay *= 2
	}
	if delay > streamBackoffCap {
		delay = streamBackoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(time.Second)))
}

// klineEvent is the stream payload. Prices are string decimals; x marks
// the candle closed.
type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (s *KlineStream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.endpoint(), err)
	}
	defer conn.Close()
	s.logger.Info("stream connected", zap.String("endpoint", s.endpoint()))

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// unblock ReadMessage when the context is canceled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		candle, ok := s.parseEvent(message)
		if !ok {
			continue
		}

		select {
		case s.out <- candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// parseEvent extracts a closed candle from a stream message. Open
// candles, unrelated events, and malformed payloads are dropped; bad
// payloads are logged rather than killing the connection.
func (s *KlineStream) parseEvent(message []byte) (market.Candle, bool) {
	var ev klineEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Warn("dropping unparseable stream message", zap.Error(err))
		return market.Candle{}, false
	}
	if ev.EventType != "kline" || !ev.Kline.Closed {
		return market.Candle{}, false
	}

	candle := market.Candle{
		Asset:    s.asset,
		OpenTime: time.UnixMilli(ev.Kline.OpenTime).UTC(),
	}
	fields := []struct {
		dst *float64
		src string
	}{
		{&candle.Open, ev.Kline.Open},
		{&candle.High, ev.Kline.High},
		{&candle.Low, ev.Kline.Low},
		{&candle.Close, ev.Kline.Close},
		{&candle.Volume, ev.Kline.Volume},
	}
	for _, f := range fields {
		v, err := parseFloat(f.src)
		if err != nil {
			s.logger.Warn("dropping candle with bad numerics", zap.Error(err))
			return market.Candle{}, false
		}
		*f.dst = v
	}
	if err := candle.Validate(); err != nil {
		s.logger.Warn("dropping invalid candle", zap.Error(err))
		return market.Candle{}, false
	}
	return candle, true
}
