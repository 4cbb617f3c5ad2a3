package exchange

import (
	"context"
	"grid-engine-go/internal/models"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// recordingSink collects every event it is given.
type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) DispatchEvent(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) all() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func fills(events []models.Event) []models.FillEvent {
	var out []models.FillEvent
	for _, ev := range events {
		if f, ok := ev.(models.FillEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

func newPaper(t *testing.T) (*PaperExchange, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	ex := NewPaperExchange(sink, d("0.001"), zap.NewNop())
	ex.Tick(d("100"), time.Unix(0, 0))
	return ex, sink
}

func placeOrder(t *testing.T, ex *PaperExchange, level int, id string, side models.Side, price, qty string) {
	t.Helper()
	require.NoError(t, ex.PlaceOrder(context.Background(), "BTCUSDT", models.PlaceOrder{
		LevelID: level, ClientOrderID: id, Side: side, Price: d(price), Quantity: d(qty),
	}))
}

func TestPaperRestingOrderFillsAtLimit(t *testing.T) {
	ex, sink := newPaper(t)
	placeOrder(t, ex, 1, "a1", models.Buy, "99", "2")

	events := sink.all()
	require.Len(t, events, 1)
	assert.IsType(t, models.OrderAccepted{}, events[0])
	assert.Equal(t, 1, ex.OpenOrders())

	sink.reset()
	ex.Tick(d("98.5"), time.Unix(60, 0))
	got := fills(sink.all())
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].LevelID)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.True(t, got[0].FillPrice.Equal(d("99")))
	assert.True(t, got[0].FilledQty.Equal(d("2")))
	assert.False(t, got[0].IsPartial)
	assert.Equal(t, 0, ex.OpenOrders())
}

func TestPaperMarketableOrderFillsImmediately(t *testing.T) {
	ex, sink := newPaper(t)
	placeOrder(t, ex, 3, "a3", models.Sell, "99", "1")

	events := sink.all()
	require.Len(t, events, 2)
	assert.IsType(t, models.OrderAccepted{}, events[0])
	f := events[1].(models.FillEvent)
	assert.True(t, f.FillPrice.Equal(d("99")))
}

func TestPaperCandleVisitsLowBeforeHigh(t *testing.T) {
	ex, sink := newPaper(t)
	placeOrder(t, ex, 1, "buy", models.Buy, "95", "1")
	placeOrder(t, ex, 2, "sell", models.Sell, "105", "1")
	sink.reset()

	ex.SetPrice(d("100"), d("106"), d("94"), d("100"), time.Unix(60, 0))
	got := fills(sink.all())
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].LevelID)
	assert.Equal(t, 2, got[1].LevelID)
	assert.True(t, ex.CurrentPrice.Equal(d("100")))
}

func TestPaperPartialFills(t *testing.T) {
	ex, sink := newPaper(t)
	ex.FillRatio = d("0.5")
	placeOrder(t, ex, 1, "a1", models.Buy, "99", "2")

	ex.Tick(d("99"), time.Unix(1, 0))
	ex.Tick(d("98"), time.Unix(2, 0))
	got := fills(sink.all())
	require.Len(t, got, 2)
	assert.True(t, got[0].IsPartial)
	assert.False(t, got[1].IsPartial)
	assert.Equal(t, []int64{1, 2}, []int64{got[0].Seq, got[1].Seq})
	assert.NotEqual(t, got[0].FillID, got[1].FillID)
	assert.Equal(t, 2, ex.Fills())
}

func TestPaperCancel(t *testing.T) {
	ex, sink := newPaper(t)
	placeOrder(t, ex, 1, "a1", models.Buy, "99", "1")
	sink.reset()

	require.NoError(t, ex.CancelOrder(context.Background(), "BTCUSDT", models.CancelOrder{LevelID: 1, ClientOrderID: "a1"}))
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.CancelConfirmed{LevelID: 1, ClientOrderID: "a1", Timestamp: time.Unix(0, 0)}, events[0])

	err := ex.CancelOrder(context.Background(), "BTCUSDT", models.CancelOrder{LevelID: 1, ClientOrderID: "a1"})
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, int64(-2011), rej.Code)

	ex.Tick(d("90"), time.Unix(1, 0))
	assert.Empty(t, fills(sink.all()), "cancelled orders never fill")
}

func TestPaperRejectsDuplicateClientID(t *testing.T) {
	ex, _ := newPaper(t)
	placeOrder(t, ex, 1, "a1", models.Buy, "99", "1")
	err := ex.PlaceOrder(context.Background(), "BTCUSDT", models.PlaceOrder{
		LevelID: 1, ClientOrderID: "a1", Side: models.Buy, Price: d("99"), Quantity: d("1"),
	})
	assert.True(t, IsReject(err))
}

func TestPaperMarketCloseHonoursLimit(t *testing.T) {
	ex, sink := newPaper(t)
	err := ex.MarketClose(context.Background(), "BTCUSDT", models.MarketClose{
		LevelID: 9, ClientOrderID: "m9", Side: models.Sell, Quantity: d("1"), LimitPrice: d("99.95"),
	})
	assert.True(t, IsReject(err))
	assert.Empty(t, sink.all())

	require.NoError(t, ex.MarketClose(context.Background(), "BTCUSDT", models.MarketClose{
		LevelID: 9, ClientOrderID: "m9b", Side: models.Sell, Quantity: d("1"), LimitPrice: d("99.9"),
	}))
	got := fills(sink.all())
	require.Len(t, got, 1)
	assert.True(t, got[0].FillPrice.Equal(d("99.9")))
}

func TestPaperReconcile(t *testing.T) {
	ex, sink := newPaper(t)
	ex.FillRatio = d("0.5")
	placeOrder(t, ex, 1, "a1", models.Buy, "99", "2")
	ex.Tick(d("98"), time.Unix(1, 0))
	sink.reset()

	require.NoError(t, ex.Reconcile(context.Background(), "BTCUSDT", models.ReconcileRequest{LevelID: 1, ClientOrderID: "a1"}))
	require.NoError(t, ex.Reconcile(context.Background(), "BTCUSDT", models.ReconcileRequest{LevelID: 42}))
	events := sink.all()
	require.Len(t, events, 2)

	known := events[0].(models.ReconcileReport)
	assert.True(t, known.Known)
	assert.True(t, known.Open)
	assert.Equal(t, int64(1), known.Seq)
	assert.True(t, known.CumulativeFilled.Equal(d("1")))
	assert.True(t, known.AvgPrice.Equal(d("99")))

	unknown := events[1].(models.ReconcileReport)
	assert.False(t, unknown.Known)
}
