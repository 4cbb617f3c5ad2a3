package exchange

import (
	"context"
	"errors"
	"fmt"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/orderid"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Binance error codes that mean the request may succeed if sent again.
var transientCodes = map[int64]bool{
	-1000: true, // unknown error
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1007: true, // timeout waiting for backend
	-1021: true, // timestamp outside recv window
}

// symbolFilters holds the rounding rules of one symbol.
type symbolFilters struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
}

// BinanceExecutor 通过币安 U 本位合约接口执行命令.
// One executor serves every strategy on the account; order updates from the
// user data stream are routed to strategies by client order id prefix.
type BinanceExecutor struct {
	client *futures.Client
	logger *zap.Logger

	mu      sync.RWMutex
	routes  map[string]EventSink
	filters map[string]symbolFilters

	reconnectWait time.Duration
	keepAlive     time.Duration
}

// NewBinanceExecutor creates the futures client and syncs the clock with the
// server.
func NewBinanceExecutor(ctx context.Context, apiKey, secretKey string, testnet bool, logger *zap.Logger) (*BinanceExecutor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	futures.UseTestnet = testnet
	e := &BinanceExecutor{
		client:        futures.NewClient(apiKey, secretKey),
		logger:        logger.Named("binance"),
		routes:        make(map[string]EventSink),
		filters:       make(map[string]symbolFilters),
		reconnectWait: 5 * time.Second,
		keepAlive:     30 * time.Minute,
	}
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.logger.Info("server time synced", zap.Int64("offset_ms", offset))
	return e, nil
}

// LoadSymbols fetches tick and lot sizes so orders can be rounded to what
// the venue accepts.
func (e *BinanceExecutor) LoadSymbols(ctx context.Context, symbols ...string) error {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("获取交易规则失败: %w", err)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range info.Symbols {
		if !want[s.Symbol] {
			continue
		}
		var f symbolFilters
		if pf := s.PriceFilter(); pf != nil {
			f.tickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.stepSize, _ = decimal.NewFromString(lf.StepSize)
		}
		e.filters[s.Symbol] = f
		delete(want, s.Symbol)
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for s := range want {
			missing = append(missing, s)
		}
		return fmt.Errorf("unknown symbols: %s", strings.Join(missing, ","))
	}
	return nil
}

// Route returns the Executor for one strategy. Order updates carrying ids
// under the strategy's prefix are delivered to sink.
func (e *BinanceExecutor) Route(strategyID string, sink EventSink) Executor {
	prefix := orderid.Prefix(strategyID)
	e.mu.Lock()
	e.routes[prefix] = sink
	e.mu.Unlock()
	return &routedExecutor{BinanceExecutor: e, prefix: prefix, sink: sink}
}

func (e *BinanceExecutor) round(symbol string, price, qty decimal.Decimal) (string, string) {
	e.mu.RLock()
	f := e.filters[symbol]
	e.mu.RUnlock()
	if f.tickSize.IsPositive() {
		price = price.Div(f.tickSize).Round(0).Mul(f.tickSize)
	}
	if f.stepSize.IsPositive() {
		qty = qty.Div(f.stepSize).Floor().Mul(f.stepSize)
	}
	return price.String(), qty.String()
}

// venueError classifies a go-binance error. API errors other than the
// transient codes are final rejections.
func venueError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && !transientCodes[apiErr.Code] {
		return &RejectError{Code: apiErr.Code, Reason: apiErr.Message}
	}
	return err
}

func isUnknownOrder(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej) && (rej.Code == -2011 || rej.Code == -2013)
}

type routedExecutor struct {
	*BinanceExecutor
	prefix string
	sink   EventSink
}

func (r *routedExecutor) PlaceOrder(ctx context.Context, symbol string, cmd models.PlaceOrder) error {
	price, qty := r.round(symbol, cmd.Price, cmd.Quantity)
	_, err := r.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(cmd.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(qty).
		Price(price).
		NewClientOrderID(cmd.ClientOrderID).
		Do(ctx)
	return venueError(err)
}

func (r *routedExecutor) CancelOrder(ctx context.Context, symbol string, cmd models.CancelOrder) error {
	_, err := r.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(cmd.ClientOrderID).
		Do(ctx)
	return venueError(err)
}

// MarketClose sends a reduce-only IOC limit at the slippage bound, so the
// close never executes worse than LimitPrice.
func (r *routedExecutor) MarketClose(ctx context.Context, symbol string, cmd models.MarketClose) error {
	price, qty := r.round(symbol, cmd.LimitPrice, cmd.Quantity)
	_, err := r.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(cmd.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeIOC).
		Quantity(qty).
		Price(price).
		ReduceOnly(true).
		NewClientOrderID(cmd.ClientOrderID).
		Do(ctx)
	return venueError(err)
}

func (r *routedExecutor) Reconcile(ctx context.Context, symbol string, cmd models.ReconcileRequest) error {
	report := models.ReconcileReport{LevelID: cmd.LevelID, Timestamp: time.Now()}
	if cmd.ClientOrderID == "" {
		r.sink.DispatchEvent(report)
		return nil
	}
	order, err := r.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(cmd.ClientOrderID).
		Do(ctx)
	if err = venueError(err); err != nil {
		if isUnknownOrder(err) {
			r.sink.DispatchEvent(report)
			return nil
		}
		return err
	}
	report.Known = true
	report.CumulativeFilled, _ = decimal.NewFromString(order.ExecutedQuantity)
	report.AvgPrice, _ = decimal.NewFromString(order.AvgPrice)
	switch order.Status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		report.Open = true
	}
	r.sink.DispatchEvent(report)
	return nil
}

// RunUserStream keeps the user data stream connected until ctx is done and
// turns order updates into engine events.
func (e *BinanceExecutor) RunUserStream(ctx context.Context) error {
	listenKey, err := e.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("获取listenKey失败: %w", err)
	}
	go e.keepListenKeyAlive(ctx, listenKey)

	for {
		if ctx.Err() != nil {
			return nil
		}
		doneC, stopC, err := futures.WsUserDataServe(listenKey, e.handleUserData, func(err error) {
			e.logger.Error("user data stream error", zap.Error(err))
		})
		if err != nil {
			e.logger.Error("user data stream connect failed", zap.Error(err), zap.Duration("retry_in", e.reconnectWait))
			if !sleepCtx(ctx, e.reconnectWait) {
				return nil
			}
			continue
		}
		e.logger.Info("user data stream connected")
		select {
		case <-ctx.Done():
			close(stopC)
			return nil
		case <-doneC:
			e.logger.Warn("user data stream disconnected, reconnecting")
			if !sleepCtx(ctx, e.reconnectWait) {
				return nil
			}
		}
	}
}

func (e *BinanceExecutor) keepListenKeyAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				e.logger.Error("listenKey keepalive failed", zap.Error(err))
			}
		}
	}
}

func (e *BinanceExecutor) handleUserData(event *futures.WsUserDataEvent) {
	if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	u := event.OrderTradeUpdate
	sink, levelID, ok := e.route(u.ClientOrderID)
	if !ok {
		e.logger.Debug("order update for a foreign order ignored", zap.String("client_order_id", u.ClientOrderID))
		return
	}
	if ev := orderUpdateEvent(levelID, u); ev != nil {
		sink.DispatchEvent(ev)
	}
}

func (e *BinanceExecutor) route(clientOrderID string) (EventSink, int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for prefix, sink := range e.routes {
		if levelID, _, ok := orderid.Parse(prefix, clientOrderID); ok {
			return sink, levelID, true
		}
	}
	return nil, 0, false
}

// orderUpdateEvent maps an ORDER_TRADE_UPDATE to the matching engine event.
// Binance does not sequence fills; the trade id deduplicates them.
func orderUpdateEvent(levelID int, u futures.WsOrderTradeUpdate) models.Event {
	ts := time.UnixMilli(u.TradeTime)
	switch string(u.ExecutionType) {
	case "NEW":
		return models.OrderAccepted{LevelID: levelID, ExchangeOrderID: strconv.FormatInt(u.ID, 10), Timestamp: ts}
	case "TRADE":
		qty, _ := decimal.NewFromString(u.LastFilledQty)
		price, _ := decimal.NewFromString(u.LastFilledPrice)
		return models.FillEvent{
			LevelID:   levelID,
			FillID:    strconv.FormatInt(u.TradeID, 10),
			FilledQty: qty,
			FillPrice: price,
			Timestamp: ts,
			IsPartial: string(u.Status) == string(futures.OrderStatusTypePartiallyFilled),
		}
	case "CANCELED", "EXPIRED":
		return models.CancelConfirmed{LevelID: levelID, ClientOrderID: u.ClientOrderID, Timestamp: ts}
	case "REJECTED":
		return models.OrderRejected{LevelID: levelID, Reason: "rejected by venue", Timestamp: ts}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
