package engine

import (
	"fmt"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/grid"
	"grid-engine-go/internal/ledger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/orderid"
	"grid-engine-go/internal/risk"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// cancelIntent records what a level becomes once its cancel is confirmed.
type cancelIntent int

const (
	intentClose    cancelIntent = iota + 1 // CLOSED
	intentResubmit                         // CLOSED, remainder re-created at the same price
	intentRepend                           // back to PENDING
)

// Option configures an Engine.
type Option func(*Engine)

// WithAlertSink sets the function that receives operator alerts.
func WithAlertSink(fn func(models.Alert)) Option {
	return func(e *Engine) { e.alertSink = fn }
}

// Engine is the grid state machine for one strategy. It owns every level and
// the ledger; callers feed events one at a time and forward the returned
// commands. It is not safe for concurrent use.
type Engine struct {
	cfg       models.GridConfig
	log       *zap.Logger
	alertSink func(models.Alert)
	idPrefix  string

	status  models.EngineStatus
	halt    models.HaltReason
	version uint64

	levels map[int]*models.GridLevel
	nextID int
	center decimal.Decimal
	price  decimal.Decimal
	now    time.Time

	ledger   *ledger.Ledger
	guard    *risk.Guard
	trailing *risk.TrailingStop
	adjuster *grid.Adjuster
	risk     risk.Decision

	cancels     map[int]cancelIntent
	fillIDs     map[string]struct{}
	held        map[int][]models.FillEvent // 乱序到达、等待对账的成交
	reconciling map[int]bool
	cancelRetry map[int]bool // 撤单未送达, 下一个行情重发
	closeLevel  int // 未完成的市价平仓档位, 0 表示没有
}

// New validates cfg and returns an idle engine.
func New(cfg models.GridConfig, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:         cfg,
		log:         logger.With(zap.String("strategy", cfg.StrategyID), zap.String("symbol", cfg.Symbol)),
		idPrefix:    orderid.Prefix(cfg.StrategyID),
		status:      models.StatusIdle,
		levels:      make(map[int]*models.GridLevel),
		nextID:      1,
		ledger:      ledger.New(cfg.TotalCapital, cfg.CommissionRate),
		guard:       risk.NewGuard(cfg),
		trailing:    risk.NewTrailingStop(cfg),
		adjuster:    grid.NewAdjuster(cfg),
		cancels:     make(map[int]cancelIntent),
		fillIDs:     make(map[string]struct{}),
		held:        make(map[int][]models.FillEvent),
		reconciling: make(map[int]bool),
		cancelRetry: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() models.GridConfig { return e.cfg }

// Status returns the current operating mode.
func (e *Engine) Status() models.EngineStatus { return e.status }

// HaltReason returns why the engine is halted, if it is.
func (e *Engine) HaltReason() models.HaltReason { return e.halt }

// Start generates the initial ladder around price and activates the levels
// inside the activation window.
func (e *Engine) Start(price decimal.Decimal, ts time.Time) ([]models.Command, error) {
	if e.status != models.StatusIdle {
		return nil, ErrAlreadyStarted
	}
	center, err := grid.ResolveCenter(e.cfg, price)
	if err != nil {
		return nil, err
	}
	levels, err := grid.GenerateAround(e.cfg, center, e.nextID)
	if err != nil {
		return nil, err
	}
	e.addLevels(levels)
	e.center = center
	e.now = ts
	e.price = price
	if !e.price.IsPositive() {
		e.price = center
	}
	e.ledger.MarkToMarket(e.price)
	e.adjuster.MarkAdjusted(ts)
	e.status = models.StatusRunning
	e.version++

	e.log.Info("grid started",
		zap.String("center", center.String()),
		zap.Int("levels", len(levels)),
		zap.String("type", string(e.cfg.GridType)),
		zap.String("direction", string(e.cfg.GridDirection)))

	return e.evaluate(nil), nil
}

// Resume rebuilds the engine from a persisted snapshot. Every level that may
// still be resting on the exchange gets a ReconcileRequest.
func (e *Engine) Resume(state *models.GridTradingState, ts time.Time) ([]models.Command, error) {
	if e.status != models.StatusIdle {
		return nil, ErrAlreadyStarted
	}
	if state == nil || len(state.GridLevels) == 0 {
		return nil, fmt.Errorf("resume %s: empty snapshot", e.cfg.StrategyID)
	}

	var cmds []models.Command
	for i := range state.GridLevels {
		level := state.GridLevels[i]
		e.levels[level.ID] = &level
		if level.ID >= e.nextID {
			e.nextID = level.ID + 1
		}
		if level.State.Live() {
			e.reconciling[level.ID] = true
			cmds = append(cmds, models.ReconcileRequest{LevelID: level.ID, ClientOrderID: level.ClientOrderID, Reason: "resume"})
		}
		if level.Origin == models.OriginMarket && level.State.Live() {
			e.closeLevel = level.ID
		}
	}
	e.ledger.Restore(state.Ledger)
	e.center = state.GridCenter
	e.price = state.CurrentPrice
	e.now = ts
	e.version = state.Version
	e.halt = state.HaltReason
	e.adjuster.MarkAdjusted(ts)

	switch state.Status {
	case models.StatusHalted:
		e.status = models.StatusHalted
	case models.StatusStopped:
		e.status = models.StatusStopped
	default:
		e.status = models.StatusRunning
	}
	e.version++
	e.log.Info("grid resumed from snapshot",
		zap.Uint64("version", state.Version),
		zap.String("status", string(e.status)),
		zap.Int("levels", len(e.levels)),
		zap.String("position", e.ledger.Position().String()))
	return cmds, nil
}

// Handle applies one inbound event and returns the commands it produced. A
// non-nil error is always a *ReconciliationError (or ErrNotStarted); the engine
// state stays consistent and any returned commands must still be dispatched.
func (e *Engine) Handle(ev models.Event) ([]models.Command, error) {
	if e.status == models.StatusIdle {
		return nil, ErrNotStarted
	}
	if ts := ev.EventTime(); ts.After(e.now) {
		e.now = ts
	}
	e.version++

	var cmds []models.Command
	var err error
	switch ev := ev.(type) {
	case models.PriceTick:
		cmds = e.onTick(ev)
	case models.FillEvent:
		cmds, err = e.onFill(ev)
	case models.CancelConfirmed:
		cmds, err = e.onCancelConfirmed(ev)
	case models.CancelFailed:
		cmds, err = e.onCancelFailed(ev)
	case models.OrderRejected:
		cmds, err = e.onRejected(ev)
	case models.OrderAccepted:
		cmds, err = e.onAccepted(ev)
	case models.ReconcileReport:
		cmds, err = e.onReconcileReport(ev)
	default:
		e.log.Warn("ignoring unsupported event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
	return cmds, err
}

// Stop cancels every live order and closes the pending levels. The open
// position is left to the caller.
func (e *Engine) Stop(ts time.Time) []models.Command {
	if e.status == models.StatusStopped || e.status == models.StatusIdle {
		return nil
	}
	if ts.After(e.now) {
		e.now = ts
	}
	e.status = models.StatusStopped
	e.version++

	var cmds []models.Command
	for _, level := range e.sortedLevels() {
		switch {
		case level.State.Live() && level.Origin != models.OriginMarket:
			cmds = e.requestCancel(cmds, level, intentClose)
		case level.State == models.LevelPending:
			e.closeLevelAs(level, "strategy stopped")
		}
	}
	e.log.Info("grid stopped",
		zap.Int("cancels", len(cmds)),
		zap.String("position", e.ledger.Position().String()),
		zap.String("realized_pnl", e.ledger.State().RealizedPnL.String()))
	return cmds
}

// Reset clears a risk halt, restarts drawdown and trailing tracking, and
// regenerates the ladder around the last price.
func (e *Engine) Reset(ts time.Time) ([]models.Command, error) {
	if e.status != models.StatusHalted {
		return nil, ErrNotHalted
	}
	if ts.After(e.now) {
		e.now = ts
	}
	levels, err := grid.GenerateAround(e.cfg, e.price, e.nextID)
	if err != nil {
		return nil, err
	}

	var cmds []models.Command
	for _, level := range e.sortedLevels() {
		switch {
		case level.State == models.LevelPending:
			e.closeLevelAs(level, "reset")
		case level.State.Live() && level.Origin != models.OriginMarket && e.cancels[level.ID] == 0:
			cmds = e.requestCancel(cmds, level, intentClose)
		}
	}
	e.addLevels(levels)
	e.center = e.price

	e.log.Warn("risk halt cleared", zap.String("reason", string(e.halt)), zap.String("center", e.center.String()))
	e.status = models.StatusRunning
	e.halt = models.HaltNone
	e.ledger.ResetPeak()
	e.trailing.Reset()
	e.guard.ResetDay()
	e.adjuster.MarkAdjusted(e.now)
	e.version++

	return e.evaluate(cmds), nil
}

// Snapshot returns an independent copy of the engine state, levels ordered by price.
func (e *Engine) Snapshot() *models.GridTradingState {
	ls := e.ledger.State()
	state := &models.GridTradingState{
		StrategyID:      e.cfg.StrategyID,
		Symbol:          e.cfg.Symbol,
		Version:         e.version,
		Status:          e.status,
		HaltReason:      e.halt,
		CurrentPrice:    e.price,
		GridCenter:      e.center,
		TotalPosition:   ls.Position,
		TotalPnL:        ls.TotalPnL(),
		RealizedPnL:     ls.RealizedPnL,
		UnrealizedPnL:   ls.UnrealizedPnL,
		TotalCommission: ls.TotalCommission,
		Ledger:          ls,
		LastUpdateTime:  e.now,
		LastAdjustment:  e.adjuster.LastAdjust(),
		GridLevels:      make([]models.GridLevel, 0, len(e.levels)),
	}
	for _, level := range e.sortedLevels() {
		if level.State.Live() {
			state.ActiveOrders++
		}
		if level.State == models.LevelFilled {
			state.FilledOrders++
		}
		state.GridLevels = append(state.GridLevels, *level)
	}
	return state
}

// evaluate runs the per-event checks that follow a state change: risk limits,
// trailing stop, then activation.
func (e *Engine) evaluate(cmds []models.Command) []models.Command {
	if e.status != models.StatusRunning {
		return cmds
	}
	cmds = e.checkRisk(cmds)
	if e.status != models.StatusRunning {
		return cmds
	}
	cmds = e.checkTrailingStop(cmds)
	return e.activate(cmds)
}

// settle follows a booked fill. While halted, whatever position is left once
// the outstanding close completes is flattened again.
func (e *Engine) settle(cmds []models.Command) []models.Command {
	if e.status == models.StatusHalted {
		return e.flatten(cmds, "risk halt "+string(e.halt))
	}
	return e.evaluate(cmds)
}

func (e *Engine) addLevels(levels []*models.GridLevel) {
	for _, level := range levels {
		level.UpdatedAt = e.now
		e.levels[level.ID] = level
		if level.ID >= e.nextID {
			e.nextID = level.ID + 1
		}
	}
}

func (e *Engine) newLevel(side models.Side, price, flip, qty decimal.Decimal, origin models.LevelOrigin) *models.GridLevel {
	level := &models.GridLevel{
		ID:        e.nextID,
		Price:     price,
		Quantity:  qty,
		Side:      side,
		IsActive:  true,
		State:     models.LevelPending,
		Origin:    origin,
		FlipPrice: flip,
		UpdatedAt: e.now,
	}
	e.nextID++
	e.levels[level.ID] = level
	return level
}

// sortedLevels returns the levels ordered by price, then id.
func (e *Engine) sortedLevels() []*models.GridLevel {
	out := make([]*models.GridLevel, 0, len(e.levels))
	for _, l := range e.levels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) raise(kind models.AlertKind, levelID int, format string, args ...interface{}) {
	alert := models.Alert{
		StrategyID: e.cfg.StrategyID,
		Kind:       kind,
		LevelID:    levelID,
		Message:    fmt.Sprintf(format, args...),
		Time:       e.now,
	}
	e.log.Error("alert", zap.String("kind", string(kind)), zap.Int("level", levelID), zap.String("message", alert.Message))
	if e.alertSink != nil {
		e.alertSink(alert)
	}
}
