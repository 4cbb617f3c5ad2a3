package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceHandler receives every traded price from the feed.
type PriceHandler func(price decimal.Decimal, ts time.Time)

// PriceFeed 订阅 aggTrade 行情流, 断线自动重连.
type PriceFeed struct {
	url           string
	pongWait      time.Duration
	pingPeriod    time.Duration
	reconnectWait time.Duration
	logger        *zap.Logger

	mu       sync.RWMutex
	handlers []PriceHandler
}

// NewPriceFeed builds a feed for symbol on the given websocket base URL.
// Zero durations fall back to a 60s pong wait and a 5s reconnect delay.
func NewPriceFeed(wsBaseURL, symbol string, pongWait, pingPeriod, reconnectWait time.Duration, logger *zap.Logger) *PriceFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	if reconnectWait <= 0 {
		reconnectWait = 5 * time.Second
	}
	return &PriceFeed{
		url:           fmt.Sprintf("%s/ws/%s@aggTrade", strings.TrimRight(wsBaseURL, "/"), strings.ToLower(symbol)),
		pongWait:      pongWait,
		pingPeriod:    pingPeriod,
		reconnectWait: reconnectWait,
		logger:        logger.Named("price_feed").With(zap.String("symbol", symbol)),
	}
}

// OnPrice registers a handler. Handlers run on the feed goroutine.
func (f *PriceFeed) OnPrice(h PriceHandler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// Run maintains the connection until ctx is done.
func (f *PriceFeed) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("price feed connect failed", zap.Error(err), zap.Duration("retry_in", f.reconnectWait))
			if !sleepCtx(ctx, f.reconnectWait) {
				return nil
			}
			continue
		}
		f.logger.Info("price feed connected", zap.String("url", f.url))
		if err := f.read(ctx, conn); err != nil {
			f.logger.Warn("price feed disconnected", zap.Error(err))
		}
		conn.Close()
		if !sleepCtx(ctx, f.reconnectWait) {
			return nil
		}
	}
}

// read handles one connection with ping/pong keepalive and returns when it
// breaks or ctx is done.
func (f *PriceFeed) read(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		price, ts, err := parseAggTrade(message)
		if err != nil {
			f.logger.Debug("unparsable trade message", zap.Error(err))
			continue
		}
		f.mu.RLock()
		handlers := f.handlers
		f.mu.RUnlock()
		for _, h := range handlers {
			h(price, ts)
		}
	}
}

func parseAggTrade(message []byte) (decimal.Decimal, time.Time, error) {
	var trade struct {
		Price     string `json:"p"`
		TradeTime int64  `json:"T"`
	}
	if err := json.Unmarshal(message, &trade); err != nil {
		return decimal.Zero, time.Time{}, err
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("price %q: %w", trade.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, time.Time{}, fmt.Errorf("non-positive price %s", price)
	}
	ts := time.Now()
	if trade.TradeTime > 0 {
		ts = time.UnixMilli(trade.TradeTime)
	}
	return price, ts, nil
}
