package risk

import (
	"grid-engine-go/internal/models"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func guardConfig() models.GridConfig {
	return models.GridConfig{
		MaxPosition:     d("1"),
		StopLossPrice:   dp("80"),
		TakeProfitPrice: dp("120"),
		MaxDrawdown:     d("0.1"),
		MaxDailyLoss:    d("50"),
	}
}

func TestGuardPositionCapBlocksOneSide(t *testing.T) {
	g := NewGuard(guardConfig())

	dec := g.Evaluate(Snapshot{Position: d("1"), Price: d("100"), Equity: d("1000"), Now: t0})
	assert.True(t, dec.Blocks(models.Buy))
	assert.False(t, dec.Blocks(models.Sell))
	assert.Equal(t, models.HaltNone, dec.Halt)

	dec = g.Evaluate(Snapshot{Position: d("-1.5"), Price: d("100"), Equity: d("1000"), Now: t0})
	assert.True(t, dec.BlockSell)
	assert.False(t, dec.BlockBuy)

	dec = g.Evaluate(Snapshot{Position: d("0.9"), Price: d("100"), Equity: d("1000"), Now: t0})
	assert.False(t, dec.BlockBuy)
}

func TestGuardHaltOrder(t *testing.T) {
	testCases := []struct {
		name string
		snap Snapshot
		want models.HaltReason
	}{
		{"stop loss", Snapshot{Position: d("0.5"), Price: d("79"), Equity: d("1000")}, models.HaltStopLoss},
		{"stop loss wins over drawdown", Snapshot{Position: d("0.5"), Price: d("80"), Equity: d("1000"), Drawdown: d("0.5")}, models.HaltStopLoss},
		{"stop loss needs a position", Snapshot{Position: decimal.Zero, Price: d("70"), Equity: d("1000")}, models.HaltNone},
		{"take profit", Snapshot{Position: d("-0.5"), Price: d("121"), Equity: d("1000")}, models.HaltTakeProfit},
		{"drawdown", Snapshot{Position: d("0.5"), Price: d("100"), Equity: d("1000"), Drawdown: d("0.11")}, models.HaltMaxDrawdown},
		{"drawdown at limit is fine", Snapshot{Position: d("0.5"), Price: d("100"), Equity: d("1000"), Drawdown: d("0.1")}, models.HaltNone},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGuard(guardConfig())
			tc.snap.Now = t0
			assert.Equal(t, tc.want, g.Evaluate(tc.snap).Halt)
		})
	}
}

func TestGuardCapDoesNotMaskHalt(t *testing.T) {
	g := NewGuard(guardConfig())
	dec := g.Evaluate(Snapshot{Position: d("2"), Price: d("75"), Equity: d("1000"), Now: t0})
	assert.True(t, dec.BlockBuy)
	assert.Equal(t, models.HaltStopLoss, dec.Halt)
}

func TestGuardDailyLossRollsAtUTCMidnight(t *testing.T) {
	g := NewGuard(guardConfig())

	dec := g.Evaluate(Snapshot{Price: d("100"), Equity: d("1000"), Now: t0})
	assert.Equal(t, models.HaltNone, dec.Halt)
	assert.True(t, d("1000").Equal(g.DayStartEquity()))

	dec = g.Evaluate(Snapshot{Price: d("100"), Equity: d("960"), Now: t0.Add(time.Hour)})
	assert.Equal(t, models.HaltNone, dec.Halt)

	// next day starts from the new equity
	next := t0.Add(13 * time.Hour)
	dec = g.Evaluate(Snapshot{Price: d("100"), Equity: d("940"), Now: next})
	assert.Equal(t, models.HaltNone, dec.Halt)
	assert.True(t, d("940").Equal(g.DayStartEquity()))

	dec = g.Evaluate(Snapshot{Price: d("100"), Equity: d("889"), Now: next.Add(time.Hour)})
	assert.Equal(t, models.HaltDailyLoss, dec.Halt)
}

func TestTrailingStop(t *testing.T) {
	cfg := models.GridConfig{EnableTrailingStop: true, TrailingStopDistance: d("0.25")}
	ts := NewTrailingStop(cfg)
	pos := d("1")

	assert.False(t, ts.Update(pos, d("10")))
	assert.False(t, ts.Update(pos, d("40")))
	assert.True(t, d("40").Equal(ts.Peak()))
	assert.False(t, ts.Update(pos, d("30")), "exactly at the retracement line")
	assert.True(t, ts.Update(pos, d("29.99")))

	// going flat resets the peak
	assert.False(t, ts.Update(decimal.Zero, decimal.Zero))
	assert.True(t, ts.Peak().IsZero())

	// flipping sign resets as well
	ts.Update(d("-1"), d("5"))
	assert.True(t, d("5").Equal(ts.Peak()))
	ts.Update(d("1"), d("1"))
	assert.True(t, d("1").Equal(ts.Peak()))

	// never fires without a profit peak
	ts.Reset()
	assert.False(t, ts.Update(pos, d("-5")))
	assert.False(t, ts.Update(pos, d("-10")))
}

func TestTrailingStopDisabled(t *testing.T) {
	ts := NewTrailingStop(models.GridConfig{TrailingStopDistance: d("0.1")})
	ts.Update(d("1"), d("100"))
	assert.False(t, ts.Update(d("1"), d("1")))
}
