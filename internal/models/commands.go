package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Command is an instruction the engine issues to the execution collaborator.
type Command interface {
	Level() int
	fmt.Stringer
}

// PlaceOrder 下限价单
type PlaceOrder struct {
	LevelID       int             `json:"level_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
}

func (c PlaceOrder) Level() int { return c.LevelID }
func (c PlaceOrder) String() string {
	return fmt.Sprintf("PlaceOrder{level=%d %s %s @ %s}", c.LevelID, c.Side, c.Quantity, c.Price)
}

// CancelOrder 撤单
type CancelOrder struct {
	LevelID       int    `json:"level_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (c CancelOrder) Level() int { return c.LevelID }
func (c CancelOrder) String() string {
	return fmt.Sprintf("CancelOrder{level=%d}", c.LevelID)
}

// MarketClose 市价平仓. LimitPrice is the worst acceptable price given the configured slippage.
type MarketClose struct {
	LevelID       int             `json:"level_id"`
	ClientOrderID string          `json:"client_order_id"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
}

func (c MarketClose) Level() int { return c.LevelID }
func (c MarketClose) String() string {
	return fmt.Sprintf("MarketClose{level=%d %s %s}", c.LevelID, c.Side, c.Quantity)
}

// ReconcileRequest asks the execution side to report the true state of a level's order.
type ReconcileRequest struct {
	LevelID       int    `json:"level_id"`
	ClientOrderID string `json:"client_order_id"`
	Reason        string `json:"reason"`
}

func (c ReconcileRequest) Level() int { return c.LevelID }
func (c ReconcileRequest) String() string {
	return fmt.Sprintf("ReconcileRequest{level=%d reason=%s}", c.LevelID, c.Reason)
}
