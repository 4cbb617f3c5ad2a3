package risk

import (
	"fmt"
	"grid-engine-go/internal/models"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is what the guard needs to know about the strategy at one instant.
type Snapshot struct {
	Position decimal.Decimal
	Price    decimal.Decimal
	Equity   decimal.Decimal
	Drawdown decimal.Decimal
	Now      time.Time
}

// Decision is the outcome of one evaluation. Halt is set on the first breach
// of a halting limit; the position cap only blocks one side.
type Decision struct {
	Halt      models.HaltReason
	BlockBuy  bool
	BlockSell bool
	Detail    string
}

// Blocks reports whether new orders on side are currently refused.
func (d Decision) Blocks(side models.Side) bool {
	if side == models.Buy {
		return d.BlockBuy
	}
	return d.BlockSell
}

// Guard evaluates hard limits against the ledger and the current price.
type Guard struct {
	maxPosition  decimal.Decimal
	stopLoss     *decimal.Decimal
	takeProfit   *decimal.Decimal
	maxDrawdown  decimal.Decimal
	maxDailyLoss decimal.Decimal

	day            time.Time
	dayStartEquity decimal.Decimal
}

// NewGuard builds a guard from the risk section of cfg.
func NewGuard(cfg models.GridConfig) *Guard {
	return &Guard{
		maxPosition:  cfg.MaxPosition,
		stopLoss:     cfg.StopLossPrice,
		takeProfit:   cfg.TakeProfitPrice,
		maxDrawdown:  cfg.MaxDrawdown,
		maxDailyLoss: cfg.MaxDailyLoss,
	}
}

// Evaluate runs the checks in order: position cap, stop loss, take profit,
// drawdown, daily loss. The halting checks short-circuit on the first breach.
func (g *Guard) Evaluate(s Snapshot) Decision {
	var d Decision
	g.rollDay(s)

	if g.maxPosition.IsPositive() && s.Position.Abs().GreaterThanOrEqual(g.maxPosition) {
		if s.Position.IsPositive() {
			d.BlockBuy = true
		} else {
			d.BlockSell = true
		}
		d.Detail = fmt.Sprintf("position %s at cap %s", s.Position, g.maxPosition)
	}

	open := !s.Position.IsZero()
	switch {
	case open && g.stopLoss != nil && s.Price.IsPositive() && s.Price.LessThanOrEqual(*g.stopLoss):
		d.Halt = models.HaltStopLoss
		d.Detail = fmt.Sprintf("price %s crossed stop loss %s", s.Price, g.stopLoss)
	case open && g.takeProfit != nil && s.Price.GreaterThanOrEqual(*g.takeProfit):
		d.Halt = models.HaltTakeProfit
		d.Detail = fmt.Sprintf("price %s crossed take profit %s", s.Price, g.takeProfit)
	case g.maxDrawdown.IsPositive() && s.Drawdown.GreaterThan(g.maxDrawdown):
		d.Halt = models.HaltMaxDrawdown
		d.Detail = fmt.Sprintf("drawdown %s exceeds %s", s.Drawdown.StringFixed(4), g.maxDrawdown)
	case g.maxDailyLoss.IsPositive() && g.dayStartEquity.Sub(s.Equity).GreaterThan(g.maxDailyLoss):
		d.Halt = models.HaltDailyLoss
		d.Detail = fmt.Sprintf("daily loss %s exceeds %s", g.dayStartEquity.Sub(s.Equity), g.maxDailyLoss)
	}
	return d
}

// rollDay starts a new UTC trading day when s.Now crosses midnight.
func (g *Guard) rollDay(s Snapshot) {
	if s.Now.IsZero() {
		return
	}
	day := s.Now.UTC().Truncate(24 * time.Hour)
	if g.day.IsZero() || day.After(g.day) {
		g.day = day
		g.dayStartEquity = s.Equity
	}
}

// DayStartEquity returns the equity recorded at the start of the current UTC day.
func (g *Guard) DayStartEquity() decimal.Decimal {
	return g.dayStartEquity
}

// ResetDay forgets the current day so the next evaluation starts a new one.
func (g *Guard) ResetDay() {
	g.day = time.Time{}
	g.dayStartEquity = decimal.Zero
}
