package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LevelState is the lifecycle state of a single grid level.
type LevelState string

const (
	LevelPending         LevelState = "PENDING"          // 尚未下单
	LevelActive          LevelState = "ACTIVE"           // 挂单中
	LevelPartiallyFilled LevelState = "PARTIALLY_FILLED" // 部分成交
	LevelFilled          LevelState = "FILLED"           // 完全成交
	LevelClosed          LevelState = "CLOSED"           // 已撤销或被替换
)

// Live reports whether an order for the level may be resting on the exchange.
func (s LevelState) Live() bool {
	return s == LevelActive || s == LevelPartiallyFilled
}

// LevelOrigin records why a level exists.
type LevelOrigin string

const (
	OriginGrid     LevelOrigin = "GRID"     // 由网格生成器创建
	OriginFlip     LevelOrigin = "FLIP"     // 成交后反向补单
	OriginResubmit LevelOrigin = "RESUBMIT" // 部分成交后重新挂出的剩余数量
	OriginMarket   LevelOrigin = "MARKET"   // 风控或跟踪止损触发的市价平仓
	OriginOverfill LevelOrigin = "OVERFILL" // 超出档位剩余数量的成交, 单独记账
)

// GridLevel 代表网格中的一个价格档位，仅由引擎修改
type GridLevel struct {
	ID             int             `json:"id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	Side           Side            `json:"side"`
	IsActive       bool            `json:"is_active"` // 激活标志, 中心锚点档位为 false
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	State          LevelState      `json:"state"`

	Origin        LevelOrigin     `json:"origin"`
	FlipPrice     decimal.Decimal `json:"flip_price"`      // 成交后反向挂单的价格
	ClientOrderID string          `json:"client_order_id"` // 最近一次下单的客户端订单ID
	ExchangeID    string          `json:"exchange_id,omitempty"`
	PartialFills  int             `json:"partial_fills"`
	LastSeq       int64           `json:"last_seq"`
	Attempts      int             `json:"attempts"` // 下单次数
	Retries       int             `json:"retries"`  // 被拒绝次数
	Acked         bool            `json:"acked"`
	Flagged       bool            `json:"flagged"` // 需要人工介入
	Note          string          `json:"note,omitempty"`
	PlacedAt      time.Time       `json:"placed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at,omitempty"`
}

// Remaining is the quantity still to be filled.
func (l *GridLevel) Remaining() decimal.Decimal {
	r := l.Quantity.Sub(l.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// SignedFilled is the filled quantity signed by side (+BUY, -SELL).
func (l *GridLevel) SignedFilled() decimal.Decimal {
	return l.FilledQuantity.Mul(l.Side.Sign())
}
