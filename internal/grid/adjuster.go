package grid

import (
	"grid-engine-go/internal/models"
	"time"

	"github.com/shopspring/decimal"
)

// Adjuster decides when the ladder should be recentered on the current price.
type Adjuster struct {
	enabled    bool
	threshold  decimal.Decimal
	interval   time.Duration
	lastAdjust time.Time
}

// NewAdjuster returns an adjuster for cfg. A disabled adjuster never fires.
func NewAdjuster(cfg models.GridConfig) *Adjuster {
	return &Adjuster{
		enabled:   cfg.EnableDynamicAdjustment,
		threshold: cfg.AdjustmentThreshold,
		interval:  time.Duration(cfg.RebalanceInterval) * time.Second,
	}
}

// Deviation is |price - center| / center.
func Deviation(price, center decimal.Decimal) decimal.Decimal {
	if !center.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(center).Abs().Div(center)
}

// ShouldAdjust reports whether price has drifted past the threshold and the
// rebalance interval has elapsed since the last adjustment.
func (a *Adjuster) ShouldAdjust(price, center decimal.Decimal, now time.Time) bool {
	if !a.enabled {
		return false
	}
	if !Deviation(price, center).GreaterThan(a.threshold) {
		return false
	}
	return now.Sub(a.lastAdjust) >= a.interval
}

// MarkAdjusted starts a new rebalance interval at now. The engine also calls
// it when the grid is first generated.
func (a *Adjuster) MarkAdjusted(now time.Time) {
	a.lastAdjust = now
}

// LastAdjust returns the time of the last adjustment.
func (a *Adjuster) LastAdjust() time.Time {
	return a.lastAdjust
}
