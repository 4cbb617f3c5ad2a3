package models

import (
	"fmt"
	"time"
)

// AlertKind classifies operator-visible alerts.
type AlertKind string

const (
	AlertRiskHalt       AlertKind = "RISK_HALT"
	AlertTrailingStop   AlertKind = "TRAILING_STOP"
	AlertReconciliation AlertKind = "RECONCILIATION"
	AlertOrderFlagged   AlertKind = "ORDER_FLAGGED" // 重试耗尽, 需要人工处理
	AlertTransport      AlertKind = "TRANSPORT"
)

// Alert is raised for conditions an operator must see.
type Alert struct {
	StrategyID string    `json:"strategy_id"`
	Kind       AlertKind `json:"kind"`
	LevelID    int       `json:"level_id,omitempty"`
	Message    string    `json:"message"`
	Time       time.Time `json:"time"`
}

func (a Alert) String() string {
	return fmt.Sprintf("[%s] %s level=%d: %s", a.Kind, a.StrategyID, a.LevelID, a.Message)
}
