package metrics

import (
	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Aggregate derives performance metrics from a level set and a ledger
// snapshot. It does not modify its inputs.
//
// ActiveGrids counts levels with an order that may be resting on the
// exchange; TotalGrids counts every level that is not closed, market closes
// excluded.
func Aggregate(levels []models.GridLevel, ls models.LedgerState) models.PerformanceMetrics {
	m := models.PerformanceMetrics{
		TotalTrades:     ls.TotalTrades,
		WinningTrades:   ls.WinningTrades,
		LosingTrades:    ls.LosingTrades,
		WinRate:         decimal.Zero,
		TotalPnL:        ls.TotalPnL(),
		RealizedPnL:     ls.RealizedPnL,
		UnrealizedPnL:   ls.UnrealizedPnL,
		TotalCommission: ls.TotalCommission,
		MaxDrawdown:     ls.MaxDrawdown,
		CurrentPosition: ls.Position,
	}
	if ls.TotalTrades > 0 {
		m.WinRate = decimal.NewFromInt(int64(ls.WinningTrades)).
			Div(decimal.NewFromInt(int64(ls.TotalTrades))).
			Mul(hundred).
			Round(2)
	}

	for i := range levels {
		l := &levels[i]
		if l.Origin == models.OriginMarket || l.State == models.LevelClosed {
			continue
		}
		m.TotalGrids++
		if l.State.Live() {
			m.ActiveGrids++
		}
	}
	return m
}

// FromState is Aggregate over a published engine snapshot.
func FromState(s *models.GridTradingState) models.PerformanceMetrics {
	if s == nil {
		return models.PerformanceMetrics{WinRate: decimal.Zero}
	}
	return Aggregate(s.GridLevels, s.Ledger)
}
