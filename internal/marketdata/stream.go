// Package marketdata turns an exchange kline websocket into price bars.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-ladder/internal/core"
)

const defaultBaseURL = "wss://stream.binance.com:9443"

var ErrStreamClosed = errors.New("kline stream closed")

type StreamConfig struct {
	BaseURL          string
	Symbol           string
	Interval         string
	Keepalive        time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// KlineStream dials one symbol's kline stream. Every Subscribe opens a fresh
// connection, so callers reconnect by subscribing again.
type KlineStream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	log    *zap.Logger
}

func NewKlineStream(cfg StreamConfig, logger *zap.Logger) (*KlineStream, error) {
	cfg.Symbol = strings.TrimSpace(cfg.Symbol)
	if cfg.Symbol == "" {
		return nil, errors.New("stream symbol required")
	}
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 45 * time.Second
	}
	if cfg.Keepalive > 0 && cfg.ReadTimeout < cfg.Keepalive*3 {
		cfg.ReadTimeout = cfg.Keepalive * 3
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineStream{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    logger.Named("marketdata").With(zap.String("stream", streamName(cfg.Symbol, cfg.Interval))),
	}, nil
}

func streamName(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

func (s *KlineStream) URL() string {
	return s.cfg.BaseURL + "/ws/" + streamName(s.cfg.Symbol, s.cfg.Interval)
}

// Subscribe dials the stream and delivers bars until the connection fails or
// ctx ends. The bar channel is closed when the reader exits; the terminal
// error, if any, is sent on the error channel first.
func (s *KlineStream) Subscribe(ctx context.Context) (<-chan core.PriceBar, <-chan error, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.URL(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", s.URL(), err)
	}
	s.log.Info("stream_connected")

	bars := make(chan core.PriceBar)
	errCh := make(chan error, 1)
	done := make(chan struct{})

	readTimeout := s.cfg.ReadTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(bars)
		defer conn.Close()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						err = fmt.Errorf("%w: %v", ErrStreamClosed, err)
					}
					errCh <- err
				}
				return
			}
			bar, ok, err := parseKlineMessage(data, s.cfg.Symbol)
			if err != nil {
				s.log.Debug("stream_message_skipped", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			select {
			case bars <- bar:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var tick <-chan time.Time
		if s.cfg.Keepalive > 0 {
			ticker := time.NewTicker(s.cfg.Keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			}
		}
	}()

	return bars, errCh, nil
}

type klineEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	EventType string       `json:"e"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime int64  `json:"t"`
	Interval string `json:"i"`
	Open     string `json:"o"`
	High     string `json:"h"`
	Low      string `json:"l"`
	Close    string `json:"c"`
	Volume   string `json:"v"`
	Final    bool   `json:"x"`
}

// parseKlineMessage accepts raw and combined-stream kline events. Other
// event types report ok=false without an error.
func parseKlineMessage(data []byte, symbol string) (core.PriceBar, bool, error) {
	var env klineEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.PriceBar{}, false, err
	}
	if len(env.Data) > 0 {
		data = env.Data
	}
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return core.PriceBar{}, false, err
	}
	if ev.EventType != "kline" {
		return core.PriceBar{}, false, nil
	}
	if symbol != "" && !strings.EqualFold(ev.Symbol, symbol) {
		return core.PriceBar{}, false, nil
	}
	k := ev.Kline
	if k.OpenTime <= 0 {
		return core.PriceBar{}, false, errors.New("kline without open time")
	}
	bar := core.PriceBar{OpenTime: time.UnixMilli(k.OpenTime).UTC(), IsFinal: k.Final}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{k.Open, &bar.Open},
		{k.High, &bar.High},
		{k.Low, &bar.Low},
		{k.Close, &bar.Close},
		{k.Volume, &bar.Volume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return core.PriceBar{}, false, fmt.Errorf("kline field %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	if bar.Close.Cmp(decimal.Zero) <= 0 {
		return core.PriceBar{}, false, fmt.Errorf("kline close %s is not positive", bar.Close.String())
	}
	return bar, true, nil
}
