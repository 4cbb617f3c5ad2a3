package engine

import (
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/orderid"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// activate places orders for PENDING levels inside the activation window,
// closest to the current price first.
func (e *Engine) activate(cmds []models.Command) []models.Command {
	if e.status != models.StatusRunning || !e.price.IsPositive() {
		return cmds
	}

	var candidates []*models.GridLevel
	for _, level := range e.levels {
		if level.State == models.LevelPending && level.IsActive && e.cancels[level.ID] == 0 && e.inWindow(level) {
			candidates = append(candidates, level)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		di := candidates[i].Price.Sub(e.price).Abs()
		dj := candidates[j].Price.Sub(e.price).Abs()
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, level := range candidates {
		if e.risk.Blocks(level.Side) {
			continue
		}
		notional := level.Price.Mul(level.Remaining())
		if notional.LessThan(e.cfg.MinTradeAmount) {
			e.log.Info("level below minimum trade amount, closing",
				zap.Int("level", level.ID),
				zap.String("notional", notional.String()),
				zap.String("min", e.cfg.MinTradeAmount.String()))
			e.closeLevelAs(level, "below min trade amount")
			continue
		}
		if !e.capitalAllows(level.Side, notional) {
			e.log.Debug("insufficient capital for level", zap.Int("level", level.ID), zap.String("side", string(level.Side)))
			continue
		}
		cmds = append(cmds, e.place(level))
	}
	return cmds
}

// inWindow reports whether the level lies within activation_distance of price.
func (e *Engine) inWindow(level *models.GridLevel) bool {
	if e.cfg.ActivationDistance.IsZero() {
		return true
	}
	return level.Price.Sub(e.price).Abs().Div(e.price).LessThanOrEqual(e.cfg.ActivationDistance)
}

// capitalAllows checks that an order adding to exposure on side keeps the
// position value plus resting notional on that side within effective capital.
func (e *Engine) capitalAllows(side models.Side, notional decimal.Decimal) bool {
	pos := e.ledger.Position()
	if !pos.IsZero() && pos.Sign() != side.Sign().Sign() {
		return true
	}
	committed := pos.Abs().Mul(e.price)
	for _, level := range e.levels {
		if level.Side == side && level.State.Live() && level.Origin != models.OriginMarket {
			committed = committed.Add(level.Price.Mul(level.Remaining()))
		}
	}
	return committed.Add(notional).LessThanOrEqual(e.cfg.EffectiveCapital())
}

func (e *Engine) place(level *models.GridLevel) models.PlaceOrder {
	level.Attempts++
	level.State = models.LevelActive
	level.ClientOrderID = orderid.New(e.idPrefix, level.ID, level.Attempts)
	level.Acked = false
	level.ExchangeID = ""
	level.PlacedAt = e.now
	level.UpdatedAt = e.now
	e.log.Debug("placing order",
		zap.Int("level", level.ID),
		zap.String("side", string(level.Side)),
		zap.String("price", level.Price.String()),
		zap.String("qty", level.Remaining().String()))
	return models.PlaceOrder{
		LevelID:       level.ID,
		ClientOrderID: level.ClientOrderID,
		Side:          level.Side,
		Price:         level.Price,
		Quantity:      level.Remaining(),
	}
}

// requestCancel issues a cancel for a live level. A later intent overrides an
// earlier one without issuing a second cancel.
func (e *Engine) requestCancel(cmds []models.Command, level *models.GridLevel, intent cancelIntent) []models.Command {
	if _, pending := e.cancels[level.ID]; pending {
		e.cancels[level.ID] = intent
		return cmds
	}
	e.cancels[level.ID] = intent
	return append(cmds, models.CancelOrder{LevelID: level.ID, ClientOrderID: level.ClientOrderID})
}

func (e *Engine) closeLevelAs(level *models.GridLevel, note string) {
	level.State = models.LevelClosed
	level.Note = note
	level.UpdatedAt = e.now
	delete(e.cancels, level.ID)
	if level.ID == e.closeLevel {
		e.closeLevel = 0
	}
}

// confirmCancel applies the recorded intent once the exchange confirms that
// the order for level is gone.
func (e *Engine) confirmCancel(level *models.GridLevel, intent cancelIntent) {
	if intent == intentRepend && level.FilledQuantity.IsPositive() {
		intent = intentResubmit
	}
	switch intent {
	case intentRepend:
		level.State = models.LevelPending
		level.ClientOrderID = ""
		level.Acked = false
		level.UpdatedAt = e.now
		delete(e.cancels, level.ID)
	case intentResubmit:
		e.closeLevelAs(level, "resubmitted")
		if rest := level.Remaining(); rest.IsPositive() {
			replacement := e.newLevel(level.Side, level.Price, level.FlipPrice, rest, models.OriginResubmit)
			e.log.Info("remainder resubmitted",
				zap.Int("level", level.ID),
				zap.Int("replacement", replacement.ID),
				zap.String("qty", rest.String()))
		}
		if level.FilledQuantity.IsPositive() {
			e.spawnFlip(level, level.FilledQuantity)
		}
	default:
		note := "cancelled"
		if intent == 0 {
			note = "cancelled by exchange"
		}
		e.closeLevelAs(level, note)
	}
}

// spawnFlip creates the opposite-side PENDING level at the filled level's
// flip price. The new level flips back to the filled level's price.
func (e *Engine) spawnFlip(level *models.GridLevel, qty decimal.Decimal) {
	if level.Origin == models.OriginMarket || !level.FlipPrice.IsPositive() || !qty.IsPositive() {
		return
	}
	if e.status != models.StatusRunning {
		return
	}
	flip := e.newLevel(level.Side.Opposite(), level.FlipPrice, level.Price, qty, models.OriginFlip)
	e.log.Info("grid flip",
		zap.Int("filled_level", level.ID),
		zap.Int("new_level", flip.ID),
		zap.String("side", string(flip.Side)),
		zap.String("price", flip.Price.String()))
}

// recenter regenerates the ladder around the current price. PENDING and
// unfilled ACTIVE levels are closed; levels holding fills are left alone.
func (e *Engine) recenter(cmds []models.Command) []models.Command {
	levels, err := grid.GenerateAround(e.cfg, e.price, e.nextID)
	if err != nil {
		e.log.Warn("grid regeneration skipped", zap.Error(err), zap.String("price", e.price.String()))
		e.adjuster.MarkAdjusted(e.now)
		return cmds
	}

	closed, cancelled := 0, 0
	for _, level := range e.sortedLevels() {
		if level.Origin == models.OriginMarket {
			continue
		}
		switch level.State {
		case models.LevelPending:
			e.closeLevelAs(level, "regenerated")
			closed++
		case models.LevelActive:
			cmds = e.requestCancel(cmds, level, intentClose)
			cancelled++
		}
	}
	e.addLevels(levels)

	e.log.Info("grid recentered",
		zap.String("old_center", e.center.String()),
		zap.String("new_center", e.price.String()),
		zap.Int("closed", closed),
		zap.Int("cancelled", cancelled),
		zap.Int("new_levels", len(levels)))
	e.center = e.price
	e.adjuster.MarkAdjusted(e.now)
	return cmds
}
