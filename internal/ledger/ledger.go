package ledger

import (
	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// FillResult describes the accounting effect of one fill.
type FillResult struct {
	Commission decimal.Decimal
	Realized   decimal.Decimal // 本次成交实现的盈亏 (不含手续费)
	ClosedQty  decimal.Decimal // 本次成交中用于平仓的数量
	Flipped    bool            // 持仓方向穿过零点
}

// Ledger owns position and P&L for one strategy. It is mutated only by
// confirmed fills and price marks, and is not safe for concurrent use.
type Ledger struct {
	capital        decimal.Decimal
	commissionRate decimal.Decimal

	position    decimal.Decimal
	avgEntry    decimal.Decimal
	realized    decimal.Decimal
	unrealized  decimal.Decimal
	commission  decimal.Decimal
	mark        decimal.Decimal
	peakEquity  decimal.Decimal
	maxDrawdown decimal.Decimal

	trades, wins, losses int
}

// New returns an empty ledger backed by capital.
func New(capital, commissionRate decimal.Decimal) *Ledger {
	return &Ledger{
		capital:        capital,
		commissionRate: commissionRate,
		peakEquity:     capital,
	}
}

// ApplyFill books qty at price on side. Increasing fills move the weighted
// average entry, reducing fills realize P&L against it. A fill larger than the
// open position closes it and opens the remainder at price.
func (l *Ledger) ApplyFill(side models.Side, qty, price decimal.Decimal) FillResult {
	var res FillResult
	if !qty.IsPositive() {
		return res
	}

	res.Commission = l.commissionRate.Mul(price).Mul(qty)
	l.commission = l.commission.Add(res.Commission)

	signed := qty.Mul(side.Sign())
	if l.position.IsZero() || l.position.Sign() == signed.Sign() {
		open := l.position.Abs()
		l.avgEntry = open.Mul(l.avgEntry).Add(qty.Mul(price)).Div(open.Add(qty))
		l.position = l.position.Add(signed)
	} else {
		res.ClosedQty = decimal.Min(qty, l.position.Abs())
		dir := decimal.NewFromInt(int64(l.position.Sign()))
		res.Realized = price.Sub(l.avgEntry).Mul(res.ClosedQty).Mul(dir)
		l.realized = l.realized.Add(res.Realized)

		l.trades++
		switch net := res.Realized.Sub(res.Commission); net.Sign() {
		case 1:
			l.wins++
		case -1:
			l.losses++
		}

		l.position = l.position.Add(signed)
		switch {
		case l.position.IsZero():
			l.avgEntry = decimal.Zero
		case qty.GreaterThan(res.ClosedQty):
			res.Flipped = true
			l.avgEntry = price
		}
	}

	if l.mark.IsZero() {
		l.mark = price
	}
	l.revalue()
	return res
}

// MarkToMarket recomputes unrealized P&L at price. Position and realized P&L
// are not touched.
func (l *Ledger) MarkToMarket(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	l.mark = price
	l.revalue()
}

func (l *Ledger) revalue() {
	if l.position.IsZero() {
		l.unrealized = decimal.Zero
	} else {
		l.unrealized = l.mark.Sub(l.avgEntry).Mul(l.position)
	}
	equity := l.Equity()
	if equity.GreaterThan(l.peakEquity) {
		l.peakEquity = equity
	}
	if dd := l.Drawdown(); dd.GreaterThan(l.maxDrawdown) {
		l.maxDrawdown = dd
	}
}

// Equity is capital plus total P&L net of commission.
func (l *Ledger) Equity() decimal.Decimal {
	return l.capital.Add(l.realized).Add(l.unrealized).Sub(l.commission)
}

// Drawdown is the current decline from peak equity as a fraction of the peak.
func (l *Ledger) Drawdown() decimal.Decimal {
	if !l.peakEquity.IsPositive() {
		return decimal.Zero
	}
	dd := l.peakEquity.Sub(l.Equity()).Div(l.peakEquity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// ResetPeak restarts drawdown tracking from the current equity.
func (l *Ledger) ResetPeak() {
	l.peakEquity = l.Equity()
}

func (l *Ledger) Position() decimal.Decimal      { return l.position }
func (l *Ledger) AvgEntryPrice() decimal.Decimal { return l.avgEntry }
func (l *Ledger) UnrealizedPnL() decimal.Decimal { return l.unrealized }

// State returns a value snapshot of the ledger.
func (l *Ledger) State() models.LedgerState {
	return models.LedgerState{
		Position:        l.position,
		AvgEntryPrice:   l.avgEntry,
		RealizedPnL:     l.realized,
		UnrealizedPnL:   l.unrealized,
		TotalCommission: l.commission,
		MarkPrice:       l.mark,
		Equity:          l.Equity(),
		PeakEquity:      l.peakEquity,
		MaxDrawdown:     l.maxDrawdown,
		TotalTrades:     l.trades,
		WinningTrades:   l.wins,
		LosingTrades:    l.losses,
	}
}

// Restore loads a previously persisted snapshot.
func (l *Ledger) Restore(s models.LedgerState) {
	l.position = s.Position
	l.avgEntry = s.AvgEntryPrice
	l.realized = s.RealizedPnL
	l.commission = s.TotalCommission
	l.mark = s.MarkPrice
	l.peakEquity = s.PeakEquity
	l.maxDrawdown = s.MaxDrawdown
	l.trades = s.TotalTrades
	l.wins = s.WinningTrades
	l.losses = s.LosingTrades
	if l.peakEquity.IsZero() {
		l.peakEquity = l.capital
	}
	l.revalue()
}
