package engine

import (
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/orderid"
	"grid-engine-go/internal/risk"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// onTick marks to market, resends undelivered cancels, then runs ack
// timeouts, risk, trailing stop, dynamic adjustment and activation, in that order.
func (e *Engine) onTick(t models.PriceTick) []models.Command {
	if !t.Price.IsPositive() {
		e.log.Warn("ignoring non-positive price tick", zap.String("price", t.Price.String()))
		return nil
	}
	e.price = t.Price
	e.ledger.MarkToMarket(t.Price)

	cmds := e.retryCancels(nil)
	if e.status != models.StatusRunning {
		return cmds
	}
	cmds = e.checkAckTimeouts(cmds)
	cmds = e.checkRisk(cmds)
	if e.status != models.StatusRunning {
		return cmds
	}
	cmds = e.checkTrailingStop(cmds)
	if e.adjuster.ShouldAdjust(e.price, e.center, e.now) {
		cmds = e.recenter(cmds)
	}
	return e.activate(cmds)
}

// checkRisk evaluates the guard. A halting breach flattens the position and
// cancels every live order; the position cap cancels same-side orders, which
// return to PENDING once the cancel is confirmed.
func (e *Engine) checkRisk(cmds []models.Command) []models.Command {
	ls := e.ledger.State()
	e.risk = e.guard.Evaluate(risk.Snapshot{
		Position: ls.Position,
		Price:    e.price,
		Equity:   ls.Equity,
		Drawdown: e.ledger.Drawdown(),
		Now:      e.now,
	})

	if e.risk.Halt != models.HaltNone {
		return e.haltWith(cmds, e.risk)
	}

	if e.risk.BlockBuy || e.risk.BlockSell {
		for _, level := range e.sortedLevels() {
			if level.State.Live() && level.Origin != models.OriginMarket && e.risk.Blocks(level.Side) {
				if _, pending := e.cancels[level.ID]; pending {
					continue
				}
				e.log.Info("position cap reached, pulling same-side order",
					zap.Int("level", level.ID), zap.String("side", string(level.Side)), zap.String("detail", e.risk.Detail))
				cmds = e.requestCancel(cmds, level, intentRepend)
			}
		}
	}
	return cmds
}

func (e *Engine) haltWith(cmds []models.Command, d risk.Decision) []models.Command {
	e.status = models.StatusHalted
	e.halt = d.Halt
	e.raise(models.AlertRiskHalt, 0, "%s: %s", d.Halt, d.Detail)

	for _, level := range e.sortedLevels() {
		if level.State.Live() && level.Origin != models.OriginMarket {
			cmds = e.requestCancel(cmds, level, intentClose)
		}
	}
	return e.flatten(cmds, "risk halt "+string(d.Halt))
}

func (e *Engine) checkTrailingStop(cmds []models.Command) []models.Command {
	pos := e.ledger.Position()
	if !e.trailing.Update(pos, e.ledger.UnrealizedPnL()) {
		return cmds
	}
	if e.closeLevel != 0 {
		return cmds
	}
	e.raise(models.AlertTrailingStop, 0, "unrealized %s retraced from peak %s", e.ledger.UnrealizedPnL(), e.trailing.Peak())
	e.trailing.Reset()
	return e.flatten(cmds, "trailing stop")
}

// flatten issues a MarketClose for the whole open position unless one is
// already outstanding.
func (e *Engine) flatten(cmds []models.Command, reason string) []models.Command {
	pos := e.ledger.Position()
	if pos.IsZero() || e.closeLevel != 0 {
		return cmds
	}
	side := models.Sell
	limit := e.price.Mul(one.Sub(e.cfg.Slippage))
	if pos.IsNegative() {
		side = models.Buy
		limit = e.price.Mul(one.Add(e.cfg.Slippage))
	}
	level := e.newLevel(side, e.price, decimal.Zero, pos.Abs(), models.OriginMarket)
	level.Attempts = 1
	level.State = models.LevelActive
	level.ClientOrderID = orderid.New(e.idPrefix, level.ID, level.Attempts)
	level.PlacedAt = e.now
	level.Note = reason
	e.closeLevel = level.ID

	e.log.Warn("flattening position",
		zap.String("reason", reason),
		zap.String("side", string(side)),
		zap.String("qty", pos.Abs().String()),
		zap.String("limit", limit.String()))
	return append(cmds, models.MarketClose{
		LevelID:       level.ID,
		ClientOrderID: level.ClientOrderID,
		Side:          side,
		Quantity:      pos.Abs(),
		LimitPrice:    limit,
	})
}

// retryCancels resends cancels that never reached the venue, in level order.
func (e *Engine) retryCancels(cmds []models.Command) []models.Command {
	if len(e.cancelRetry) == 0 {
		return cmds
	}
	ids := make([]int, 0, len(e.cancelRetry))
	for id := range e.cancelRetry {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		delete(e.cancelRetry, id)
		level := e.levels[id]
		if _, pending := e.cancels[id]; !pending || level == nil || !level.State.Live() {
			continue
		}
		cmds = append(cmds, models.CancelOrder{LevelID: id, ClientOrderID: level.ClientOrderID})
	}
	return cmds
}

// checkAckTimeouts gives up on orders without an acknowledgement inside the
// configured window. A cancel is sent in case the order did land, and the
// level is superseded by a fresh one so a late fill of the old order is
// still booked in full.
func (e *Engine) checkAckTimeouts(cmds []models.Command) []models.Command {
	if e.cfg.AckTimeoutSec <= 0 {
		return cmds
	}
	timeout := time.Duration(e.cfg.AckTimeoutSec) * time.Second
	for _, level := range e.sortedLevels() {
		if level.State != models.LevelActive || level.Acked || level.Origin == models.OriginMarket {
			continue
		}
		if _, pending := e.cancels[level.ID]; pending {
			continue
		}
		if e.now.Sub(level.PlacedAt) < timeout {
			continue
		}
		e.log.Warn("order not acknowledged in time", zap.Int("level", level.ID), zap.String("client_order_id", level.ClientOrderID))
		cmds = append(cmds, models.CancelOrder{LevelID: level.ID, ClientOrderID: level.ClientOrderID})
		e.supersede(level, "ack timeout")
	}
	return cmds
}

// supersede closes a level whose order is in doubt and re-creates its
// unfilled remainder as a new PENDING level carrying the retry count.
func (e *Engine) supersede(level *models.GridLevel, reason string) {
	level.Retries++
	retries := level.Retries
	if retries > e.cfg.MaxOrderRetries {
		level.Flagged = true
		e.closeLevelAs(level, reason)
		e.raise(models.AlertOrderFlagged, level.ID, "order rejected %d times, last reason: %s", retries, reason)
		return
	}
	e.closeLevelAs(level, reason)
	rest := level.Remaining()
	if !rest.IsPositive() {
		return
	}
	replacement := e.newLevel(level.Side, level.Price, level.FlipPrice, rest, models.OriginResubmit)
	replacement.Retries = retries
	e.log.Warn("order superseded",
		zap.Int("level", level.ID),
		zap.Int("replacement", replacement.ID),
		zap.String("reason", reason),
		zap.Int("retries", retries))
}
