package models

import (
	"github.com/shopspring/decimal"
)

// GridType 网格价格间距规则
type GridType string

const (
	GridArithmetic GridType = "ARITHMETIC" // 等差网格
	GridGeometric  GridType = "GEOMETRIC"  // 等比网格
	GridFibonacci  GridType = "FIBONACCI"  // 斐波那契网格
	GridCustom     GridType = "CUSTOM"     // 自定义价格列表
)

// Valid reports whether t is one of the recognized grid types.
func (t GridType) Valid() bool {
	switch t {
	case GridArithmetic, GridGeometric, GridFibonacci, GridCustom:
		return true
	}
	return false
}

// GridDirection 网格方向
type GridDirection string

const (
	DirectionBoth     GridDirection = "BOTH"      // 双向网格
	DirectionUpOnly   GridDirection = "UP_ONLY"   // 仅中心价上方 (卖单)
	DirectionDownOnly GridDirection = "DOWN_ONLY" // 仅中心价下方 (买单)
)

// Valid reports whether d is one of the recognized grid directions.
func (d GridDirection) Valid() bool {
	switch d {
	case DirectionBoth, DirectionUpOnly, DirectionDownOnly:
		return true
	}
	return false
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == Buy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// GridConfig 是一个策略实例的完整配置，激活后不可变
type GridConfig struct {
	StrategyID   string          `json:"strategy_id" yaml:"strategy_id"`
	StrategyName string          `json:"strategy_name" yaml:"strategy_name"`
	Symbol       string          `json:"symbol" yaml:"symbol"`               // 交易对，如 "BTCUSDT"
	BaseQuantity decimal.Decimal `json:"base_quantity" yaml:"base_quantity"` // 每个网格的交易数量（基础货币）

	// 网格配置
	GridType      GridType          `json:"grid_type" yaml:"grid_type"`
	GridDirection GridDirection     `json:"grid_direction" yaml:"grid_direction"`
	GridCount     int               `json:"grid_count" yaml:"grid_count"`       // 网格数量
	GridSpacing   decimal.Decimal   `json:"grid_spacing" yaml:"grid_spacing"`   // 网格间距比例, 0 < spacing <= 1
	CenterPrice   *decimal.Decimal  `json:"center_price,omitempty" yaml:"center_price,omitempty"`
	UpperPrice    *decimal.Decimal  `json:"upper_price,omitempty" yaml:"upper_price,omitempty"`
	LowerPrice    *decimal.Decimal  `json:"lower_price,omitempty" yaml:"lower_price,omitempty"`
	CustomPrices  []decimal.Decimal `json:"custom_prices,omitempty" yaml:"custom_prices,omitempty"` // CUSTOM 网格的价格列表
	// 价格距离当前价在此比例之内的网格才会挂单, 0 表示全部挂单
	ActivationDistance decimal.Decimal `json:"activation_distance" yaml:"activation_distance"`

	// 风险控制
	MaxPosition     decimal.Decimal  `json:"max_position" yaml:"max_position"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty" yaml:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty" yaml:"take_profit_price,omitempty"`
	MaxDrawdown     decimal.Decimal  `json:"max_drawdown" yaml:"max_drawdown"`     // 最大回撤比例
	MaxDailyLoss    decimal.Decimal  `json:"max_daily_loss" yaml:"max_daily_loss"` // 单日最大亏损 (计价货币), 0 表示不限制

	// 资金管理
	TotalCapital  decimal.Decimal `json:"total_capital" yaml:"total_capital"`
	PositionRatio decimal.Decimal `json:"position_ratio" yaml:"position_ratio"`
	ReserveRatio  decimal.Decimal `json:"reserve_ratio" yaml:"reserve_ratio"`

	// 交易参数
	CommissionRate decimal.Decimal `json:"commission_rate" yaml:"commission_rate"`
	Slippage       decimal.Decimal `json:"slippage" yaml:"slippage"`
	MinTradeAmount decimal.Decimal `json:"min_trade_amount" yaml:"min_trade_amount"` // 最小交易金额

	// 动态调整
	EnableDynamicAdjustment bool            `json:"enable_dynamic_adjustment" yaml:"enable_dynamic_adjustment"`
	AdjustmentThreshold     decimal.Decimal `json:"adjustment_threshold" yaml:"adjustment_threshold"`
	RebalanceInterval       int             `json:"rebalance_interval" yaml:"rebalance_interval"` // 秒

	// 高级配置
	EnableTrailingStop   bool            `json:"enable_trailing_stop" yaml:"enable_trailing_stop"`
	TrailingStopDistance decimal.Decimal `json:"trailing_stop_distance" yaml:"trailing_stop_distance"`
	EnablePartialFill    bool            `json:"enable_partial_fill" yaml:"enable_partial_fill"`
	MaxPartialFills      int             `json:"max_partial_fills" yaml:"max_partial_fills"`

	// 下单确认
	AckTimeoutSec   int `json:"ack_timeout_sec" yaml:"ack_timeout_sec"`     // 挂单未确认超时 (秒), 0 表示不检查
	MaxOrderRetries int `json:"max_order_retries" yaml:"max_order_retries"` // 被拒绝后的最大重试次数
}

// EffectiveCapital is the part of total capital the grid may commit to positions and resting orders.
func (c GridConfig) EffectiveCapital() decimal.Decimal {
	return c.TotalCapital.Mul(c.PositionRatio)
}

// ReserveCapital is the part of total capital held back from trading.
func (c GridConfig) ReserveCapital() decimal.Decimal {
	return c.TotalCapital.Mul(c.ReserveRatio)
}

// IsPriceInRange reports whether price lies within the optional [lower, upper] band.
func (c GridConfig) IsPriceInRange(price decimal.Decimal) bool {
	if c.UpperPrice != nil && price.GreaterThan(*c.UpperPrice) {
		return false
	}
	if c.LowerPrice != nil && price.LessThan(*c.LowerPrice) {
		return false
	}
	return true
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}
