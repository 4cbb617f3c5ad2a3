package ledger

import (
	"grid-engine-go/internal/models"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msg ...interface{}) {
	t.Helper()
	assert.True(t, d(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msg...)...)
}

func TestApplyFillOpensAndAverages(t *testing.T) {
	l := New(d("10000"), d("0.001"))

	res := l.ApplyFill(models.Buy, d("1"), d("95.98"))
	assertDec(t, "1", l.Position())
	assertDec(t, "0", l.State().RealizedPnL, "opening fill realizes nothing")
	assertDec(t, "0.09598", res.Commission)

	l.ApplyFill(models.Buy, d("1"), d("92.02"))
	assertDec(t, "2", l.Position())
	assertDec(t, "94", l.AvgEntryPrice())
	assert.Equal(t, 0, l.State().TotalTrades)
}

func TestApplyFillRealizesOnReduce(t *testing.T) {
	l := New(d("10000"), decimal.Zero)
	l.ApplyFill(models.Buy, d("2"), d("96"))

	res := l.ApplyFill(models.Sell, d("1"), d("100"))
	assertDec(t, "4", res.Realized)
	assertDec(t, "1", res.ClosedQty)
	assertDec(t, "1", l.Position())
	assertDec(t, "96", l.AvgEntryPrice(), "reducing keeps the entry")

	s := l.State()
	assertDec(t, "4", s.RealizedPnL)
	assert.Equal(t, 1, s.TotalTrades)
	assert.Equal(t, 1, s.WinningTrades)

	l.ApplyFill(models.Sell, d("1"), d("90"))
	s = l.State()
	assertDec(t, "0", s.Position)
	assertDec(t, "0", s.AvgEntryPrice)
	assertDec(t, "-2", s.RealizedPnL)
	assert.Equal(t, 1, s.LosingTrades)
}

func TestApplyFillFlipsThroughFlat(t *testing.T) {
	l := New(d("10000"), decimal.Zero)
	l.ApplyFill(models.Buy, d("1"), d("100"))

	res := l.ApplyFill(models.Sell, d("3"), d("110"))
	assert.True(t, res.Flipped)
	assertDec(t, "10", res.Realized)
	assertDec(t, "-2", l.Position())
	assertDec(t, "110", l.AvgEntryPrice())

	l.MarkToMarket(d("100"))
	assertDec(t, "20", l.UnrealizedPnL(), "short gains when price falls")
}

func TestMarkToMarketOnlyTouchesUnrealized(t *testing.T) {
	l := New(d("1000"), d("0.001"))
	l.ApplyFill(models.Buy, d("1"), d("100"))
	before := l.State()

	l.MarkToMarket(d("90"))
	after := l.State()
	assertDec(t, "-10", after.UnrealizedPnL)
	assert.True(t, before.RealizedPnL.Equal(after.RealizedPnL))
	assert.True(t, before.Position.Equal(after.Position))
	assert.True(t, before.TotalCommission.Equal(after.TotalCommission))
	assertDec(t, "90", after.MarkPrice)
}

func TestEquityAndDrawdown(t *testing.T) {
	l := New(d("1000"), decimal.Zero)
	l.ApplyFill(models.Buy, d("10"), d("100"))

	l.MarkToMarket(d("110"))
	assertDec(t, "1100", l.Equity())
	assertDec(t, "1100", l.State().PeakEquity)

	l.MarkToMarket(d("99"))
	assertDec(t, "990", l.Equity())
	assertDec(t, "0.1", l.Drawdown())
	assertDec(t, "0.1", l.State().MaxDrawdown)

	l.MarkToMarket(d("105"))
	assertDec(t, "0.1", l.State().MaxDrawdown, "max drawdown never shrinks")

	l.ResetPeak()
	assertDec(t, "0", l.Drawdown())
}

func TestCommissionIsNeverNegative(t *testing.T) {
	l := New(d("1000"), d("0.002"))
	for _, side := range []models.Side{models.Buy, models.Sell, models.Sell, models.Buy} {
		res := l.ApplyFill(side, d("0.5"), d("200"))
		assert.False(t, res.Commission.IsNegative())
	}
	assertDec(t, "0.8", l.State().TotalCommission)

	res := l.ApplyFill(models.Buy, decimal.Zero, d("200"))
	assert.True(t, res.Commission.IsZero(), "empty fills are ignored")
}

func TestRestore(t *testing.T) {
	l := New(d("1000"), decimal.Zero)
	l.ApplyFill(models.Buy, d("1"), d("100"))
	l.ApplyFill(models.Sell, d("0.5"), d("120"))
	snap := l.State()

	restored := New(d("1000"), decimal.Zero)
	restored.Restore(snap)
	require.Equal(t, snap.TotalTrades, restored.State().TotalTrades)
	assertDec(t, snap.Position.String(), restored.Position())
	assertDec(t, snap.Equity.String(), restored.Equity())
}
