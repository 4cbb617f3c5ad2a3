package grid

import (
	"fmt"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/models"
	"sort"

	"github.com/shopspring/decimal"
)

// maxRungs caps bound-derived ladders.
const maxRungs = 1000

// cellUnits is the number of spacing units between adjacent rungs.
const cellUnits = 2

// pricePrecision is the number of decimal places kept on generated prices.
const pricePrecision = 8

var one = decimal.NewFromInt(1)

// ResolveCenter returns the configured center price, falling back to ref.
func ResolveCenter(cfg models.GridConfig, ref decimal.Decimal) (decimal.Decimal, error) {
	center := ref
	if cfg.CenterPrice != nil {
		center = *cfg.CenterPrice
	}
	if !center.IsPositive() {
		return decimal.Zero, &config.ConfigError{Field: "center_price", Message: "no center price and no positive reference price"}
	}
	return center, nil
}

// Generate builds the ordered PENDING ladder for cfg around the configured
// center, or around ref when no center is configured. Level ids start at firstID.
func Generate(cfg models.GridConfig, ref decimal.Decimal, firstID int) ([]*models.GridLevel, error) {
	center, err := ResolveCenter(cfg, ref)
	if err != nil {
		return nil, err
	}
	return GenerateAround(cfg, center, firstID)
}

// GenerateAround builds the ladder around an explicit center.
func GenerateAround(cfg models.GridConfig, center decimal.Decimal, firstID int) ([]*models.GridLevel, error) {
	if !center.IsPositive() {
		return nil, &config.ConfigError{Field: "center_price", Message: "center price must be positive"}
	}

	var rungs []rung
	if cfg.GridType == models.GridCustom {
		rungs = customRungs(cfg, center)
	} else {
		offsets, err := ladderOffsets(cfg, center)
		if err != nil {
			return nil, err
		}
		rungs = make([]rung, 0, len(offsets))
		for _, i := range offsets {
			r := rung{offset: i, price: Price(cfg, center, i)}
			if i < 0 {
				r.flip = Price(cfg, center, i+1)
			} else if i > 0 {
				r.flip = Price(cfg, center, i-1)
			}
			rungs = append(rungs, r)
		}
	}

	levels := make([]*models.GridLevel, 0, len(rungs))
	for _, r := range rungs {
		if !r.price.IsPositive() || !cfg.IsPriceInRange(r.price) {
			continue
		}
		level := &models.GridLevel{
			Price:     r.price,
			Quantity:  cfg.BaseQuantity,
			FlipPrice: r.flip,
			State:     models.LevelPending,
			Origin:    models.OriginGrid,
			IsActive:  r.offset != 0,
		}
		switch {
		case r.offset < 0:
			level.Side = models.Buy
		case r.offset > 0:
			level.Side = models.Sell
		default:
			// 中心锚点不挂单
			level.Side = models.Buy
		}
		levels = append(levels, level)
	}

	if len(levels) < 2 {
		return nil, &config.ConfigError{
			Field:   "grid_count",
			Message: fmt.Sprintf("only %d grid levels remain after applying direction and price bounds", len(levels)),
		}
	}

	sort.SliceStable(levels, func(a, b int) bool { return levels[a].Price.LessThan(levels[b].Price) })
	for i, l := range levels {
		l.ID = firstID + i
	}
	return levels, nil
}

// Price returns the price of the rung at signed offset i from center.
// grid_spacing is the half-width of a grid cell, so adjacent rungs sit two
// spacing units apart: arithmetic 100 with spacing 0.02 gives 96, 100, 104.
// This is deliberately not center ± i·spacing·center, which would put the
// rungs at 98, 100, 102.
func Price(cfg models.GridConfig, center decimal.Decimal, i int) decimal.Decimal {
	if i == 0 {
		return center
	}
	s := cfg.GridSpacing
	k := i
	if k < 0 {
		k = -k
	}
	var p decimal.Decimal
	switch cfg.GridType {
	case models.GridGeometric:
		factor := one.Add(s)
		if i < 0 {
			factor = one.Sub(s)
		}
		p = center
		for n := 0; n < k*cellUnits; n++ {
			p = p.Mul(factor)
		}
	case models.GridFibonacci:
		step := center.Mul(s).Mul(decimal.NewFromInt(fib(k) * cellUnits))
		if i < 0 {
			p = center.Sub(step)
		} else {
			p = center.Add(step)
		}
	default:
		p = center.Mul(one.Add(s.Mul(decimal.NewFromInt(int64(i * cellUnits)))))
	}
	return p.Round(pricePrecision)
}

// fib returns the k-th term of 1, 2, 3, 5, 8, ...
func fib(k int) int64 {
	a, b := int64(1), int64(2)
	for n := 1; n < k; n++ {
		a, b = b, a+b
	}
	return a
}

type rung struct {
	offset int
	price  decimal.Decimal
	flip   decimal.Decimal
}

// ladderOffsets returns the signed rung offsets to generate, in ascending order.
func ladderOffsets(cfg models.GridConfig, center decimal.Decimal) ([]int, error) {
	count := cfg.GridCount

	if cfg.UpperPrice != nil && cfg.LowerPrice != nil {
		banded := bandOffsets(cfg, center)
		derived := len(banded)
		if count == 0 {
			count = derived
		} else if diff := count - derived; diff > 1 || diff < -1 {
			return nil, &config.ConfigError{
				Field:   "grid_count",
				Message: fmt.Sprintf("grid_count %d disagrees with %d levels derived from upper_price/lower_price", count, derived),
			}
		}
		if count == derived {
			return banded, nil
		}
	}

	var offsets []int
	switch cfg.GridDirection {
	case models.DirectionUpOnly:
		for i := 1; i <= count; i++ {
			offsets = append(offsets, i)
		}
	case models.DirectionDownOnly:
		for i := count; i >= 1; i-- {
			offsets = append(offsets, -i)
		}
	default:
		k := count / 2
		for i := -k; i <= k; i++ {
			if i == 0 && count%2 == 0 {
				continue
			}
			offsets = append(offsets, i)
		}
	}
	return offsets, nil
}

// bandOffsets returns every offset allowed by the direction whose rung lies
// inside [lower_price, upper_price], in ascending order.
func bandOffsets(cfg models.GridConfig, center decimal.Decimal) []int {
	var below, above []int
	if cfg.GridDirection != models.DirectionUpOnly {
		for k := 1; k <= maxRungs; k++ {
			p := Price(cfg, center, -k)
			if !p.IsPositive() || p.LessThan(*cfg.LowerPrice) {
				break
			}
			if p.LessThanOrEqual(*cfg.UpperPrice) {
				below = append(below, -k)
			}
		}
	}
	if cfg.GridDirection != models.DirectionDownOnly {
		for k := 1; k <= maxRungs; k++ {
			p := Price(cfg, center, k)
			if p.GreaterThan(*cfg.UpperPrice) {
				break
			}
			if p.GreaterThanOrEqual(*cfg.LowerPrice) {
				above = append(above, k)
			}
		}
	}

	offsets := make([]int, 0, len(below)+len(above)+1)
	for i := len(below) - 1; i >= 0; i-- {
		offsets = append(offsets, below[i])
	}
	if cfg.GridDirection == models.DirectionBoth && cfg.IsPriceInRange(center) {
		offsets = append(offsets, 0)
	}
	return append(offsets, above...)
}

// customRungs maps the configured price list onto sides around center.
func customRungs(cfg models.GridConfig, center decimal.Decimal) []rung {
	prices := cfg.CustomPrices
	rungs := make([]rung, 0, len(prices))
	for idx, p := range prices {
		r := rung{price: p}
		switch p.Cmp(center) {
		case -1:
			r.offset = -1
			if idx+1 < len(prices) {
				r.flip = prices[idx+1]
			} else {
				r.flip = center
			}
		case 1:
			r.offset = 1
			if idx > 0 {
				r.flip = prices[idx-1]
			} else {
				r.flip = center
			}
		}
		if cfg.GridDirection == models.DirectionUpOnly && r.offset <= 0 {
			continue
		}
		if cfg.GridDirection == models.DirectionDownOnly && r.offset >= 0 {
			continue
		}
		rungs = append(rungs, r)
	}
	return rungs
}
