package exchange

import (
	"context"
	"fmt"
	"grid-engine-go/internal/models"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SinkFunc adapts a function to EventSink.
type SinkFunc func(models.Event) bool

func (f SinkFunc) DispatchEvent(ev models.Event) bool { return f(ev) }

type paperOrder struct {
	id       int64
	levelID  int
	clientID string
	side     models.Side
	price    decimal.Decimal
	qty      decimal.Decimal
	filled   decimal.Decimal
	open     bool
}

func (o *paperOrder) remaining() decimal.Decimal { return o.qty.Sub(o.filled) }

// levelBook aggregates every order ever placed for one level.
type levelBook struct {
	filled   decimal.Decimal
	notional decimal.Decimal
	seq      int64
	latest   *paperOrder
}

// PaperExchange 模拟交易所撮合, 用于模拟盘和历史回放.
// Limit orders fill at their own price when the market trades through
// them; market closes fill at the current price with slippage.
type PaperExchange struct {
	mu   sync.Mutex
	sink EventSink

	orders map[string]*paperOrder
	levels map[int]*levelBook
	nextID int64

	CurrentPrice decimal.Decimal
	CurrentTime  time.Time
	SlippageRate decimal.Decimal
	// FillRatio caps the share of an order's quantity filled per price
	// touch. Zero or one fills the whole remainder at once.
	FillRatio decimal.Decimal

	fills  int
	logger *zap.Logger
}

// NewPaperExchange returns an empty simulated venue reporting to sink.
func NewPaperExchange(sink EventSink, slippage decimal.Decimal, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperExchange{
		sink:         sink,
		orders:       make(map[string]*paperOrder),
		levels:       make(map[int]*levelBook),
		nextID:       1,
		SlippageRate: slippage,
		logger:       logger.Named("paper"),
	}
}

// Fills returns the number of simulated fills so far.
func (e *PaperExchange) Fills() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fills
}

// OpenOrders returns the number of resting orders.
func (e *PaperExchange) OpenOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.open {
			n++
		}
	}
	return n
}

// SetPrice simulates one candle. The open, low, high and close are visited
// in that order and every resting order crossed on the way is filled.
func (e *PaperExchange) SetPrice(open, high, low, close decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	e.CurrentTime = ts
	var events []models.Event
	for _, p := range []decimal.Decimal{open, low, high, close} {
		events = e.matchAt(events, p)
	}
	e.CurrentPrice = close
	e.mu.Unlock()
	e.emit(events)
}

// Tick moves the market to a single traded price.
func (e *PaperExchange) Tick(price decimal.Decimal, ts time.Time) {
	e.SetPrice(price, price, price, price, ts)
}

// matchAt fills resting orders crossed by price. Caller holds the lock.
func (e *PaperExchange) matchAt(events []models.Event, price decimal.Decimal) []models.Event {
	if !price.IsPositive() {
		return events
	}
	var open []*paperOrder
	for _, o := range e.orders {
		if o.open {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].id < open[j].id })

	for _, o := range open {
		crossed := (o.side == models.Buy && price.LessThanOrEqual(o.price)) ||
			(o.side == models.Sell && price.GreaterThanOrEqual(o.price))
		if !crossed {
			continue
		}
		qty := o.remaining()
		if e.FillRatio.IsPositive() && e.FillRatio.LessThan(decimal.NewFromInt(1)) {
			if part := o.qty.Mul(e.FillRatio); part.LessThan(qty) {
				qty = part
			}
		}
		events = append(events, e.fill(o, qty, o.price))
	}
	return events
}

// fill books qty of o at price. Caller holds the lock.
func (e *PaperExchange) fill(o *paperOrder, qty, price decimal.Decimal) models.Event {
	o.filled = o.filled.Add(qty)
	if !o.remaining().IsPositive() {
		o.open = false
	}
	book := e.levels[o.levelID]
	book.filled = book.filled.Add(qty)
	book.notional = book.notional.Add(qty.Mul(price))
	book.seq++
	e.fills++

	e.logger.Debug("simulated fill",
		zap.Int("level", o.levelID),
		zap.String("side", string(o.side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()))
	return models.FillEvent{
		LevelID:   o.levelID,
		FillID:    o.clientID + "-" + strconv.FormatInt(book.seq, 10),
		Seq:       book.seq,
		FilledQty: qty,
		FillPrice: price,
		Timestamp: e.CurrentTime,
		IsPartial: o.open,
	}
}

func (e *PaperExchange) emit(events []models.Event) {
	for _, ev := range events {
		if !e.sink.DispatchEvent(ev) {
			return
		}
	}
}

// add registers a new order. Caller holds the lock.
func (e *PaperExchange) add(levelID int, clientID string, side models.Side, price, qty decimal.Decimal) (*paperOrder, error) {
	if _, dup := e.orders[clientID]; dup {
		return nil, &RejectError{Code: -4015, Reason: "duplicate client order id " + clientID}
	}
	if !qty.IsPositive() || !price.IsPositive() {
		return nil, &RejectError{Code: -1013, Reason: fmt.Sprintf("invalid order qty=%s price=%s", qty, price)}
	}
	o := &paperOrder{id: e.nextID, levelID: levelID, clientID: clientID, side: side, price: price, qty: qty, open: true}
	e.nextID++
	e.orders[clientID] = o
	book, ok := e.levels[levelID]
	if !ok {
		book = &levelBook{}
		e.levels[levelID] = book
	}
	book.latest = o
	return o, nil
}

func (e *PaperExchange) PlaceOrder(_ context.Context, _ string, cmd models.PlaceOrder) error {
	e.mu.Lock()
	o, err := e.add(cmd.LevelID, cmd.ClientOrderID, cmd.Side, cmd.Price, cmd.Quantity)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	events := []models.Event{models.OrderAccepted{LevelID: cmd.LevelID, ExchangeOrderID: strconv.FormatInt(o.id, 10), Timestamp: e.CurrentTime}}
	// 可立即成交的限价单按挂单价成交
	events = e.matchAt(events, e.CurrentPrice)
	e.mu.Unlock()
	e.emit(events)
	return nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, _ string, cmd models.CancelOrder) error {
	e.mu.Lock()
	o, ok := e.orders[cmd.ClientOrderID]
	if !ok || !o.open {
		e.mu.Unlock()
		return &RejectError{Code: -2011, Reason: "unknown order " + cmd.ClientOrderID}
	}
	o.open = false
	ts := e.CurrentTime
	e.mu.Unlock()
	e.emit([]models.Event{models.CancelConfirmed{LevelID: cmd.LevelID, ClientOrderID: cmd.ClientOrderID, Timestamp: ts}})
	return nil
}

func (e *PaperExchange) MarketClose(_ context.Context, _ string, cmd models.MarketClose) error {
	e.mu.Lock()
	one := decimal.NewFromInt(1)
	price := e.CurrentPrice.Mul(one.Sub(e.SlippageRate))
	worse := price.LessThan(cmd.LimitPrice)
	if cmd.Side == models.Buy {
		price = e.CurrentPrice.Mul(one.Add(e.SlippageRate))
		worse = price.GreaterThan(cmd.LimitPrice)
	}
	if worse && cmd.LimitPrice.IsPositive() {
		e.mu.Unlock()
		return &RejectError{Code: -4131, Reason: fmt.Sprintf("execution price %s beyond limit %s", price, cmd.LimitPrice)}
	}
	o, err := e.add(cmd.LevelID, cmd.ClientOrderID, cmd.Side, price, cmd.Quantity)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	events := []models.Event{
		models.OrderAccepted{LevelID: cmd.LevelID, ExchangeOrderID: strconv.FormatInt(o.id, 10), Timestamp: e.CurrentTime},
		e.fill(o, cmd.Quantity, price),
	}
	e.mu.Unlock()
	e.emit(events)
	return nil
}

func (e *PaperExchange) Reconcile(_ context.Context, _ string, cmd models.ReconcileRequest) error {
	e.mu.Lock()
	report := models.ReconcileReport{LevelID: cmd.LevelID, Timestamp: e.CurrentTime}
	if book, ok := e.levels[cmd.LevelID]; ok {
		report.Known = true
		report.CumulativeFilled = book.filled
		report.Seq = book.seq
		report.Open = book.latest.open
		if book.filled.IsPositive() {
			report.AvgPrice = book.notional.Div(book.filled)
		}
	}
	e.mu.Unlock()
	e.emit([]models.Event{report})
	return nil
}
