package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineStatus 引擎运行模式
type EngineStatus string

const (
	StatusIdle    EngineStatus = "IDLE"
	StatusRunning EngineStatus = "RUNNING"
	StatusHalted  EngineStatus = "HALTED" // 风控暂停, 需要人工重置
	StatusStopped EngineStatus = "STOPPED"
)

// HaltReason names the risk breach that put the engine into halted mode.
type HaltReason string

const (
	HaltNone        HaltReason = ""
	HaltStopLoss    HaltReason = "STOP_LOSS"
	HaltTakeProfit  HaltReason = "TAKE_PROFIT"
	HaltMaxDrawdown HaltReason = "MAX_DRAWDOWN"
	HaltDailyLoss   HaltReason = "DAILY_LOSS"
)

// LedgerState 是持仓账本的只读快照
type LedgerState struct {
	Position        decimal.Decimal `json:"position"` // 带符号净持仓
	AvgEntryPrice   decimal.Decimal `json:"avg_entry_price"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	Equity          decimal.Decimal `json:"equity"`
	PeakEquity      decimal.Decimal `json:"peak_equity"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
}

// TotalPnL is realized plus unrealized P&L.
func (s LedgerState) TotalPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.UnrealizedPnL)
}

// PerformanceMetrics 由账本和网格状态推导出的只读指标
type PerformanceMetrics struct {
	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	WinRate         decimal.Decimal `json:"win_rate"` // 百分比
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	CurrentPosition decimal.Decimal `json:"current_position"`
	ActiveGrids     int             `json:"active_grids"`
	TotalGrids      int             `json:"total_grids"`
}

// GridTradingState 是暴露给持久化和API层的可序列化快照
type GridTradingState struct {
	StrategyID      string          `json:"strategy_id"`
	Symbol          string          `json:"symbol"`
	Version         uint64          `json:"version"`
	Status          EngineStatus    `json:"status"`
	HaltReason      HaltReason      `json:"halt_reason,omitempty"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	GridCenter      decimal.Decimal `json:"grid_center"`
	TotalPosition   decimal.Decimal `json:"total_position"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	ActiveOrders    int             `json:"active_orders"`
	FilledOrders    int             `json:"filled_orders"`
	GridLevels      []GridLevel     `json:"grid_levels"`
	Ledger          LedgerState     `json:"ledger"`
	LastUpdateTime  time.Time       `json:"last_update_time"`
	LastAdjustment  time.Time       `json:"last_adjustment"` // 上次网格生成或重新居中
}
