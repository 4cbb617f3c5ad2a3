package config

import (
	"errors"
	"fmt"
	"grid-engine-go/internal/models"
	"strings"

	"github.com/shopspring/decimal"
)

// ConfigError names the offending field of a rejected GridConfig.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

var one = decimal.NewFromInt(1)

// Validate checks a GridConfig for internal consistency. Every violation is
// reported as a *ConfigError; several violations are joined.
func Validate(c models.GridConfig) error {
	v := &validator{}

	if strings.TrimSpace(c.Symbol) == "" {
		v.fail("symbol", "symbol is required")
	}
	v.positive("base_quantity", c.BaseQuantity)

	if !c.GridType.Valid() {
		v.fail("grid_type", fmt.Sprintf("unknown grid type %q", c.GridType))
	}
	if !c.GridDirection.Valid() {
		v.fail("grid_direction", fmt.Sprintf("unknown grid direction %q", c.GridDirection))
	}

	bounded := c.UpperPrice != nil && c.LowerPrice != nil
	switch {
	case c.GridType == models.GridCustom:
		v.customPrices(c)
	case c.GridCount < 0:
		v.fail("grid_count", "grid_count must not be negative")
	case c.GridCount == 0 && !bounded:
		v.fail("grid_count", "grid_count must be positive unless upper_price and lower_price are both set")
	}
	if c.GridType != models.GridCustom {
		if !c.GridSpacing.IsPositive() || c.GridSpacing.GreaterThan(one) {
			v.fail("grid_spacing", "grid_spacing must be in (0, 1]")
		}
		if c.GridType == models.GridGeometric && c.GridSpacing.Equal(one) && c.GridDirection != models.DirectionUpOnly {
			v.fail("grid_spacing", "geometric grid_spacing of 1 leaves no levels below the center")
		}
	}

	v.optionalPositive("center_price", c.CenterPrice)
	v.optionalPositive("upper_price", c.UpperPrice)
	v.optionalPositive("lower_price", c.LowerPrice)
	if bounded && !c.UpperPrice.GreaterThan(*c.LowerPrice) {
		v.fail("upper_price", "upper_price must be greater than lower_price")
	}
	if c.CenterPrice != nil && !c.IsPriceInRange(*c.CenterPrice) {
		v.fail("center_price", "center_price lies outside [lower_price, upper_price]")
	}

	v.positive("max_position", c.MaxPosition)
	v.optionalPositive("stop_loss_price", c.StopLossPrice)
	v.optionalPositive("take_profit_price", c.TakeProfitPrice)
	if c.StopLossPrice != nil && c.TakeProfitPrice != nil && !c.StopLossPrice.LessThan(*c.TakeProfitPrice) {
		v.fail("stop_loss_price", "stop_loss_price must be less than take_profit_price")
	}
	v.fraction("max_drawdown", c.MaxDrawdown)
	v.nonNegative("max_daily_loss", c.MaxDailyLoss)

	v.positive("total_capital", c.TotalCapital)
	if !c.PositionRatio.IsPositive() || c.PositionRatio.GreaterThan(one) {
		v.fail("position_ratio", "position_ratio must be in (0, 1]")
	}
	v.fraction("reserve_ratio", c.ReserveRatio)
	if c.PositionRatio.Add(c.ReserveRatio).GreaterThan(one) {
		v.fail("reserve_ratio", "reserve_ratio exceeds 1 - position_ratio")
	}

	v.fraction("commission_rate", c.CommissionRate)
	v.fraction("slippage", c.Slippage)
	v.nonNegative("min_trade_amount", c.MinTradeAmount)
	v.nonNegative("activation_distance", c.ActivationDistance)

	v.fraction("adjustment_threshold", c.AdjustmentThreshold)
	if c.RebalanceInterval < 0 {
		v.fail("rebalance_interval", "rebalance_interval must not be negative")
	}
	if c.EnableDynamicAdjustment && !c.AdjustmentThreshold.IsPositive() {
		v.fail("adjustment_threshold", "adjustment_threshold must be positive when dynamic adjustment is enabled")
	}

	v.fraction("trailing_stop_distance", c.TrailingStopDistance)
	if c.EnableTrailingStop && !c.TrailingStopDistance.IsPositive() {
		v.fail("trailing_stop_distance", "trailing_stop_distance must be positive when trailing stop is enabled")
	}
	if c.MaxPartialFills < 0 {
		v.fail("max_partial_fills", "max_partial_fills must not be negative")
	}
	if c.EnablePartialFill && c.MaxPartialFills == 0 {
		v.fail("max_partial_fills", "max_partial_fills must be at least 1 when partial fills are enabled")
	}
	if c.AckTimeoutSec < 0 {
		v.fail("ack_timeout_sec", "ack_timeout_sec must not be negative")
	}
	if c.MaxOrderRetries < 0 {
		v.fail("max_order_retries", "max_order_retries must not be negative")
	}

	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) fail(field, msg string) {
	v.errs = append(v.errs, &ConfigError{Field: field, Message: msg})
}

func (v *validator) positive(field string, d decimal.Decimal) {
	if !d.IsPositive() {
		v.fail(field, field+" must be positive")
	}
}

func (v *validator) nonNegative(field string, d decimal.Decimal) {
	if d.IsNegative() {
		v.fail(field, field+" must not be negative")
	}
}

func (v *validator) optionalPositive(field string, d *decimal.Decimal) {
	if d != nil && !d.IsPositive() {
		v.fail(field, field+" must be positive")
	}
}

// fraction requires 0 <= d <= 1.
func (v *validator) fraction(field string, d decimal.Decimal) {
	if d.IsNegative() || d.GreaterThan(one) {
		v.fail(field, field+" must be between 0 and 1")
	}
}

func (v *validator) customPrices(c models.GridConfig) {
	if len(c.CustomPrices) < 2 {
		v.fail("custom_prices", "custom grid needs at least 2 prices")
		return
	}
	for i, p := range c.CustomPrices {
		if !p.IsPositive() {
			v.fail("custom_prices", fmt.Sprintf("custom_prices[%d] must be positive", i))
			return
		}
		if i > 0 && !p.GreaterThan(c.CustomPrices[i-1]) {
			v.fail("custom_prices", "custom_prices must be strictly increasing")
			return
		}
	}
	if c.GridCount != 0 && c.GridCount != len(c.CustomPrices) {
		v.fail("grid_count", fmt.Sprintf("grid_count %d does not match %d custom prices", c.GridCount, len(c.CustomPrices)))
	}
}
