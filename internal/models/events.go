package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is anything the engine consumes from its inbound queue.
type Event interface {
	EventTime() time.Time
}

// PriceTick 行情价格更新
type PriceTick struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e PriceTick) EventTime() time.Time { return e.Timestamp }

// FillEvent 成交回报. Seq is assigned per level by the execution side, starting at 1;
// zero means the source does not sequence fills.
type FillEvent struct {
	LevelID   int             `json:"level_id"`
	FillID    string          `json:"fill_id,omitempty"`
	Seq       int64           `json:"seq"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Timestamp time.Time       `json:"timestamp"`
	IsPartial bool            `json:"is_partial"`
}

func (e FillEvent) EventTime() time.Time { return e.Timestamp }

// CancelConfirmed 撤单确认
// ClientOrderID, when set, names the cancelled order so confirmations for
// an order the level has since replaced can be told apart.
type CancelConfirmed struct {
	LevelID       int       `json:"level_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e CancelConfirmed) EventTime() time.Time { return e.Timestamp }

// CancelFailed reports a cancel that never reached the venue. The order may
// still be resting.
type CancelFailed struct {
	LevelID       int       `json:"level_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e CancelFailed) EventTime() time.Time { return e.Timestamp }

// OrderRejected 下单被拒绝 (或投递失败)
type OrderRejected struct {
	LevelID   int       `json:"level_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e OrderRejected) EventTime() time.Time { return e.Timestamp }

// OrderAccepted 交易所已接受挂单
type OrderAccepted struct {
	LevelID         int       `json:"level_id"`
	ExchangeOrderID string    `json:"exchange_order_id"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e OrderAccepted) EventTime() time.Time { return e.Timestamp }

// ReconcileReport is the execution side's authoritative view of one level's order,
// sent in answer to a ReconcileRequest.
type ReconcileReport struct {
	LevelID          int             `json:"level_id"`
	CumulativeFilled decimal.Decimal `json:"cumulative_filled"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	Seq              int64           `json:"seq"`
	Open             bool            `json:"open"` // 订单是否仍在挂单
	Known            bool            `json:"known"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (e ReconcileReport) EventTime() time.Time { return e.Timestamp }
