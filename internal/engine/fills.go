package engine

import (
	"fmt"
	"grid-engine-go/internal/models"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (e *Engine) unknownLevel(cmds []models.Command, levelID int, what string) ([]models.Command, error) {
	err := &ReconciliationError{Kind: UnknownLevel, LevelID: levelID, Detail: what + " for unknown level"}
	e.log.Warn("event for unknown level", zap.Int("level", levelID), zap.String("event", what))
	if !e.reconciling[levelID] {
		e.reconciling[levelID] = true
		cmds = append(cmds, models.ReconcileRequest{LevelID: levelID, Reason: string(UnknownLevel)})
	}
	e.raise(models.AlertReconciliation, levelID, "%s", err.Error())
	return cmds, err
}

func (e *Engine) onFill(f models.FillEvent) ([]models.Command, error) {
	level, ok := e.levels[f.LevelID]
	if !ok {
		return e.unknownLevel(nil, f.LevelID, "fill")
	}
	if f.FillID == "" && f.Seq == 0 {
		f.FillID = contentKey(f)
	}
	if f.FillID != "" {
		if _, seen := e.fillIDs[f.FillID]; seen {
			e.log.Warn("duplicate fill ignored", zap.Int("level", f.LevelID), zap.String("fill_id", f.FillID))
			return nil, &ReconciliationError{Kind: Duplicate, LevelID: f.LevelID, Seq: f.Seq, Detail: "fill " + f.FillID + " already applied"}
		}
	}
	if f.Seq > 0 {
		switch {
		case f.Seq <= level.LastSeq:
			e.log.Warn("duplicate fill sequence ignored", zap.Int("level", f.LevelID), zap.Int64("seq", f.Seq), zap.Int64("last_seq", level.LastSeq))
			return nil, &ReconciliationError{Kind: Duplicate, LevelID: f.LevelID, Seq: f.Seq, Detail: fmt.Sprintf("already at seq %d", level.LastSeq)}
		case f.Seq > level.LastSeq+1:
			e.held[f.LevelID] = append(e.held[f.LevelID], f)
			var cmds []models.Command
			if !e.reconciling[f.LevelID] {
				e.reconciling[f.LevelID] = true
				cmds = append(cmds, models.ReconcileRequest{LevelID: f.LevelID, ClientOrderID: level.ClientOrderID, Reason: string(SequenceGap)})
			}
			e.log.Warn("fill sequence gap, holding fill", zap.Int("level", f.LevelID), zap.Int64("seq", f.Seq), zap.Int64("last_seq", level.LastSeq))
			return cmds, &ReconciliationError{Kind: SequenceGap, LevelID: f.LevelID, Seq: f.Seq, Detail: fmt.Sprintf("expected seq %d", level.LastSeq+1)}
		}
	}
	if !f.FilledQty.IsPositive() || !f.FillPrice.IsPositive() {
		e.log.Warn("ignoring empty fill", zap.Int("level", f.LevelID), zap.String("qty", f.FilledQty.String()))
		return nil, nil
	}

	cmds, err := e.applyFill(nil, level, f.FilledQty, f.FillPrice, f.Seq, f.FillID)
	cmds = e.drainHeld(cmds, level)
	return e.settle(cmds), err
}

// contentKey identifies a fill from a source that neither numbers nor names
// its fills. Two such fills on one level with equal quantity, price and
// timestamp are taken to be the same report.
func contentKey(f models.FillEvent) string {
	return fmt.Sprintf("%d/%s@%s/%d", f.LevelID, f.FilledQty, f.FillPrice, f.Timestamp.UnixNano())
}

// applyFill books a confirmed fill on level and runs the level transitions.
func (e *Engine) applyFill(cmds []models.Command, level *models.GridLevel, qty, price decimal.Decimal, seq int64, fillID string) ([]models.Command, error) {
	var err error
	if seq > 0 {
		level.LastSeq = seq
	}
	if fillID != "" {
		e.fillIDs[fillID] = struct{}{}
	}

	if rest := level.Remaining(); qty.GreaterThan(rest) {
		excess := qty.Sub(rest)
		err = &ReconciliationError{
			Kind:    Overfill,
			LevelID: level.ID,
			Seq:     seq,
			Detail:  fmt.Sprintf("fill %s exceeds remaining %s, excess %s booked separately", qty, rest, excess),
		}
		e.raise(models.AlertReconciliation, level.ID, "%s", err.Error())
		e.bookOverfill(level, excess, price)
		qty = rest
	}
	if !qty.IsPositive() {
		return cmds, err
	}

	filled := level.FilledQuantity.Add(qty)
	level.AvgFillPrice = level.FilledQuantity.Mul(level.AvgFillPrice).Add(qty.Mul(price)).Div(filled)
	level.FilledQuantity = filled
	level.UpdatedAt = e.now
	res := e.ledger.ApplyFill(level.Side, qty, price)

	e.log.Info("fill applied",
		zap.Int("level", level.ID),
		zap.String("side", string(level.Side)),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("realized", res.Realized.String()),
		zap.String("position", e.ledger.Position().String()))

	if level.State == models.LevelClosed {
		// 撤单与成交竞争: 只记账, 不反向补单
		e.log.Warn("fill on closed level booked without flip", zap.Int("level", level.ID))
		return cmds, err
	}

	if level.Remaining().IsZero() {
		level.State = models.LevelFilled
		delete(e.cancels, level.ID)
		if level.ID == e.closeLevel {
			e.closeLevel = 0
			e.log.Info("position flattened by market close", zap.String("position", e.ledger.Position().String()))
		}
		e.spawnFlip(level, level.Quantity)
		return cmds, err
	}

	level.State = models.LevelPartiallyFilled
	level.PartialFills++
	if level.Origin == models.OriginMarket {
		return cmds, err
	}
	switch {
	case !e.cfg.EnablePartialFill:
		e.log.Warn("partial fill while partial fills are disabled, resubmitting remainder", zap.Int("level", level.ID))
		cmds = e.requestCancel(cmds, level, intentResubmit)
	case level.PartialFills > e.cfg.MaxPartialFills:
		e.log.Warn("too many partial fills, resubmitting remainder",
			zap.Int("level", level.ID), zap.Int("partial_fills", level.PartialFills))
		cmds = e.requestCancel(cmds, level, intentResubmit)
	}
	return cmds, err
}

// bookOverfill records quantity the exchange executed beyond a level's size
// on a closed, flagged level of its own so the ledger still matches the venue.
func (e *Engine) bookOverfill(level *models.GridLevel, qty, price decimal.Decimal) {
	over := e.newLevel(level.Side, level.Price, decimal.Zero, qty, models.OriginOverfill)
	over.FilledQuantity = qty
	over.AvgFillPrice = price
	over.State = models.LevelClosed
	over.Flagged = true
	over.Note = fmt.Sprintf("overfill of level %d", level.ID)
	res := e.ledger.ApplyFill(level.Side, qty, price)
	e.log.Warn("overfill booked",
		zap.Int("level", level.ID),
		zap.Int("overfill_level", over.ID),
		zap.String("qty", qty.String()),
		zap.String("price", price.String()),
		zap.String("realized", res.Realized.String()),
		zap.String("position", e.ledger.Position().String()))
}

// drainHeld applies held fills that have become next in sequence.
func (e *Engine) drainHeld(cmds []models.Command, level *models.GridLevel) []models.Command {
	held := e.held[level.ID]
	if len(held) == 0 {
		return cmds
	}
	sort.Slice(held, func(i, j int) bool { return held[i].Seq < held[j].Seq })
	rest := held[:0]
	for _, f := range held {
		switch {
		case f.Seq <= level.LastSeq:
			continue
		case f.Seq == level.LastSeq+1:
			if _, seen := e.fillIDs[f.FillID]; f.FillID != "" && seen {
				continue
			}
			cmds, _ = e.applyFill(cmds, level, f.FilledQty, f.FillPrice, f.Seq, f.FillID)
		default:
			rest = append(rest, f)
		}
	}
	if len(rest) == 0 {
		delete(e.held, level.ID)
	} else {
		e.held[level.ID] = rest
	}
	return cmds
}

func (e *Engine) onCancelConfirmed(c models.CancelConfirmed) ([]models.Command, error) {
	level, ok := e.levels[c.LevelID]
	if !ok {
		return e.unknownLevel(nil, c.LevelID, "cancel confirmation")
	}
	if c.ClientOrderID != "" && c.ClientOrderID != level.ClientOrderID {
		e.log.Debug("cancel confirmation for a replaced order ignored", zap.Int("level", c.LevelID), zap.String("client_order_id", c.ClientOrderID))
		return nil, nil
	}
	intent := e.cancels[c.LevelID]
	if !level.State.Live() {
		delete(e.cancels, c.LevelID)
		e.log.Debug("cancel confirmation for inactive level ignored", zap.Int("level", c.LevelID), zap.String("state", string(level.State)))
		return nil, nil
	}
	if level.Origin == models.OriginMarket {
		e.closeLevelAs(level, "market close cancelled")
		e.raise(models.AlertOrderFlagged, level.ID, "market close cancelled with %s unfilled", level.Remaining())
		return nil, nil
	}
	e.confirmCancel(level, intent)
	return e.evaluate(nil), nil
}

func (e *Engine) onRejected(r models.OrderRejected) ([]models.Command, error) {
	level, ok := e.levels[r.LevelID]
	if !ok {
		return e.unknownLevel(nil, r.LevelID, "rejection")
	}
	if level.State != models.LevelActive {
		e.log.Debug("rejection for level not awaiting placement ignored", zap.Int("level", r.LevelID), zap.String("state", string(level.State)))
		return nil, nil
	}
	e.reject(level, r.Reason)
	return e.evaluate(nil), nil
}

// reject returns a level whose placement failed to PENDING, or closes and
// flags it once the retry budget is spent.
func (e *Engine) reject(level *models.GridLevel, reason string) {
	delete(e.cancels, level.ID)
	level.Retries++
	level.Note = reason

	if level.Origin == models.OriginMarket {
		level.Flagged = true
		e.closeLevelAs(level, reason)
		e.raise(models.AlertOrderFlagged, level.ID, "market close rejected: %s; position %s still open", reason, e.ledger.Position())
		return
	}
	if level.Retries > e.cfg.MaxOrderRetries {
		level.Flagged = true
		e.closeLevelAs(level, reason)
		e.raise(models.AlertOrderFlagged, level.ID, "order rejected %d times, last reason: %s", level.Retries, reason)
		return
	}
	e.log.Warn("order rejected, will retry",
		zap.Int("level", level.ID), zap.Int("retries", level.Retries), zap.String("reason", reason))
	level.State = models.LevelPending
	level.ClientOrderID = ""
	level.Acked = false
	level.UpdatedAt = e.now
}

func (e *Engine) onAccepted(a models.OrderAccepted) ([]models.Command, error) {
	level, ok := e.levels[a.LevelID]
	if !ok {
		return e.unknownLevel(nil, a.LevelID, "acknowledgement")
	}
	if level.State.Live() {
		level.Acked = true
		level.ExchangeID = a.ExchangeOrderID
		level.UpdatedAt = e.now
	}
	return nil, nil
}

// onReconcileReport applies the execution side's authoritative view of a
// level: the cumulative filled quantity replaces whatever fills went missing.
func (e *Engine) onReconcileReport(r models.ReconcileReport) ([]models.Command, error) {
	level, ok := e.levels[r.LevelID]
	if !ok {
		delete(e.reconciling, r.LevelID)
		err := &ReconciliationError{Kind: Unresolvable, LevelID: r.LevelID, Detail: "report for a level the engine does not own"}
		e.raise(models.AlertReconciliation, r.LevelID, "%s (exchange filled %s)", err.Detail, r.CumulativeFilled)
		return nil, err
	}
	delete(e.reconciling, r.LevelID)

	if !r.Known {
		delete(e.held, level.ID)
		if level.State == models.LevelActive && level.FilledQuantity.IsZero() {
			e.reject(level, "order unknown to exchange")
		}
		return e.evaluate(nil), nil
	}

	delta := r.CumulativeFilled.Sub(level.FilledQuantity)
	if delta.IsNegative() {
		level.Flagged = true
		err := &ReconciliationError{
			Kind:    Unresolvable,
			LevelID: level.ID,
			Seq:     r.Seq,
			Detail:  fmt.Sprintf("exchange reports %s filled, engine booked %s", r.CumulativeFilled, level.FilledQuantity),
		}
		e.raise(models.AlertReconciliation, level.ID, "%s", err.Error())
		return nil, err
	}

	var cmds []models.Command
	var err error
	if delta.IsPositive() {
		price := r.AvgPrice
		if r.AvgPrice.IsPositive() {
			// 由累计均价反推缺失部分的成交价
			missing := r.CumulativeFilled.Mul(r.AvgPrice).Sub(level.FilledQuantity.Mul(level.AvgFillPrice)).Div(delta)
			if missing.IsPositive() {
				price = missing
			}
		}
		if !price.IsPositive() {
			price = level.Price
		}
		e.log.Info("reconciliation applied missing fills",
			zap.Int("level", level.ID), zap.String("qty", delta.String()), zap.String("price", price.String()))
		cmds, err = e.applyFill(cmds, level, delta, price, 0, "")
	}
	if r.Seq > level.LastSeq {
		level.LastSeq = r.Seq
	}
	cmds = e.drainHeld(cmds, level)

	if level.State.Live() {
		if r.Open {
			level.Acked = true
		} else {
			e.confirmCancel(level, e.cancels[level.ID])
		}
	}
	return e.settle(cmds), err
}

// onCancelFailed keeps the cancel intent and marks the level so the cancel is
// sent again on the next price tick.
func (e *Engine) onCancelFailed(c models.CancelFailed) ([]models.Command, error) {
	level, ok := e.levels[c.LevelID]
	if !ok {
		return e.unknownLevel(nil, c.LevelID, "cancel failure")
	}
	if c.ClientOrderID != "" && c.ClientOrderID != level.ClientOrderID {
		return nil, nil
	}
	if _, pending := e.cancels[level.ID]; !pending || !level.State.Live() {
		return nil, nil
	}
	e.log.Warn("cancel not delivered, will retry", zap.Int("level", level.ID), zap.String("reason", c.Reason))
	e.cancelRetry[level.ID] = true
	return nil, nil
}
