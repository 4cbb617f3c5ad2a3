package risk

import (
	"grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// TrailingStop tracks the peak unrealized profit of the open position and
// fires when profit retraces by more than the configured fraction.
type TrailingStop struct {
	enabled  bool
	distance decimal.Decimal

	peak decimal.Decimal
	sign int
}

// NewTrailingStop returns a tracker; it never fires when the feature is disabled.
func NewTrailingStop(cfg models.GridConfig) *TrailingStop {
	return &TrailingStop{
		enabled:  cfg.EnableTrailingStop,
		distance: cfg.TrailingStopDistance,
	}
}

// Update feeds the current position and unrealized P&L and reports whether a
// forced close should be issued. The peak resets whenever the position goes
// flat or changes sign.
func (t *TrailingStop) Update(position, unrealized decimal.Decimal) bool {
	if !t.enabled {
		return false
	}
	if s := position.Sign(); s != t.sign {
		t.sign = s
		t.peak = decimal.Zero
	}
	if t.sign == 0 {
		return false
	}
	if unrealized.GreaterThan(t.peak) {
		t.peak = unrealized
		return false
	}
	if !t.peak.IsPositive() {
		return false
	}
	return unrealized.LessThan(t.peak.Mul(one.Sub(t.distance)))
}

// Peak returns the highest unrealized profit seen for the current position.
func (t *TrailingStop) Peak() decimal.Decimal {
	return t.peak
}

// Reset clears the tracked peak.
func (t *TrailingStop) Reset() {
	t.peak = decimal.Zero
	t.sign = 0
}
