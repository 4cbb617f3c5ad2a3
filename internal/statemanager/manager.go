package statemanager

import (
	"errors"
	"fmt"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/metrics"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("state manager stopped")

// CommandSink receives the engine's order commands. Submit must not block
// on the exchange; results come back later through DispatchEvent.
type CommandSink interface {
	Submit(cmds ...models.Command)
}

// controlKind names an operator request handled on the event loop.
type controlKind int

const (
	controlActivate controlKind = iota
	controlStop
	controlReset
)

type controlRequest struct {
	kind  controlKind
	price decimal.Decimal
	reply chan error
}

// StateManager runs one strategy's engine. All engine mutations happen on
// its event loop; readers get immutable snapshots.
type StateManager struct {
	engine          *engine.Engine
	strategyID      string
	repo            persistence.StateRepository
	sink            CommandSink
	onAlert         func(models.Alert)
	eventChannel    chan models.Event
	controlChan     chan controlRequest
	persistenceChan chan struct{}
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger

	snapshot atomic.Pointer[models.GridTradingState]

	subsMu sync.Mutex
	subs   map[int]chan *models.GridTradingState
	nextID int
}

// Option configures a StateManager.
type Option func(*StateManager)

// WithAlertHandler sets the function that receives operator alerts. It is
// called from the event loop and must not block.
func WithAlertHandler(fn func(models.Alert)) Option {
	return func(sm *StateManager) { sm.onAlert = fn }
}

// NewStateManager validates cfg and builds the engine. repo may be nil, in
// which case nothing is persisted.
func NewStateManager(cfg models.GridConfig, repo persistence.StateRepository, sink CommandSink, logger *zap.Logger, opts ...Option) (*StateManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := &StateManager{
		strategyID:      cfg.StrategyID,
		repo:            repo,
		sink:            sink,
		eventChannel:    make(chan models.Event, 1024),
		controlChan:     make(chan controlRequest),
		persistenceChan: make(chan struct{}, 1),
		stopChan:        make(chan struct{}),
		logger:          logger.Named("statemanager").With(zap.String("strategy", cfg.StrategyID)),
		subs:            make(map[int]chan *models.GridTradingState),
	}
	for _, opt := range opts {
		opt(sm)
	}
	eng, err := engine.New(cfg, logger.Named("engine"), engine.WithAlertSink(sm.raise))
	if err != nil {
		return nil, err
	}
	sm.engine = eng
	sm.snapshot.Store(eng.Snapshot())
	return sm, nil
}

// StrategyID returns the id of the managed strategy.
func (sm *StateManager) StrategyID() string { return sm.strategyID }

// Start begins the event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop shuts the loops down and writes the final snapshot. Open orders are
// left alone; call StopStrategy first to cancel them.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.save(sm.snapshot.Load())
		sm.subsMu.Lock()
		for id, ch := range sm.subs {
			close(ch)
			delete(sm.subs, id)
		}
		sm.subsMu.Unlock()
		sm.logger.Info("StateManager stopped.")
	})
}

// DispatchEvent queues an event for the engine. It blocks while the queue
// is full and returns false once the manager is stopped.
func (sm *StateManager) DispatchEvent(event models.Event) bool {
	select {
	case <-sm.stopChan:
		return false
	default:
	}
	select {
	case sm.eventChannel <- event:
		return true
	case <-sm.stopChan:
		return false
	}
}

// Activate starts the strategy at price. A persisted snapshot that was not
// stopped is resumed instead, and its live orders are reconciled.
func (sm *StateManager) Activate(price decimal.Decimal) error {
	return sm.control(controlActivate, price)
}

// StopStrategy cancels all resting orders and stops placing new ones.
func (sm *StateManager) StopStrategy() error {
	return sm.control(controlStop, decimal.Zero)
}

// ResetHalt clears a risk halt and rebuilds the ladder at the last price.
func (sm *StateManager) ResetHalt() error {
	return sm.control(controlReset, decimal.Zero)
}

func (sm *StateManager) control(kind controlKind, price decimal.Decimal) error {
	req := controlRequest{kind: kind, price: price, reply: make(chan error, 1)}
	select {
	case sm.controlChan <- req:
	case <-sm.stopChan:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-sm.stopChan:
		return ErrStopped
	}
}

// GetStateSnapshot returns the last published snapshot. Callers must treat
// it as read-only.
func (sm *StateManager) GetStateSnapshot() *models.GridTradingState {
	return sm.snapshot.Load()
}

// Snapshot implements metrics.SnapshotSource.
func (sm *StateManager) Snapshot() *models.GridTradingState {
	return sm.snapshot.Load()
}

// Metrics derives performance metrics from the last snapshot.
func (sm *StateManager) Metrics() models.PerformanceMetrics {
	return metrics.FromState(sm.snapshot.Load())
}

// Subscribe returns a channel that receives every published snapshot. A slow
// subscriber only misses intermediate snapshots, never the latest one. The
// returned function unsubscribes.
func (sm *StateManager) Subscribe() (<-chan *models.GridTradingState, func()) {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()
	id := sm.nextID
	sm.nextID++
	ch := make(chan *models.GridTradingState, 1)
	sm.subs[id] = ch
	return ch, func() {
		sm.subsMu.Lock()
		defer sm.subsMu.Unlock()
		if c, ok := sm.subs[id]; ok {
			close(c)
			delete(sm.subs, id)
		}
	}
}

// eventLoop is the only goroutine that touches the engine.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case req := <-sm.controlChan:
			req.reply <- sm.processControl(req)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop saves the latest snapshot whenever one is published.
// Intermediate snapshots are skipped when the store is slower than the engine.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case <-sm.persistenceChan:
			sm.save(sm.snapshot.Load())
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) save(state *models.GridTradingState) {
	if sm.repo == nil || state == nil || state.Status == models.StatusIdle {
		return
	}
	if err := sm.repo.SaveState(state); err != nil {
		sm.logger.Error("CRITICAL: Failed to save state", zap.Error(err), zap.Uint64("version", state.Version))
	}
}

func (sm *StateManager) processEvent(event models.Event) {
	cmds, err := sm.engine.Handle(event)
	if err != nil {
		var rerr *engine.ReconciliationError
		switch {
		case errors.As(err, &rerr):
			sm.logger.Warn("event needs reconciliation", zap.Error(err))
		case errors.Is(err, engine.ErrNotStarted):
			sm.logger.Debug("event before activation dropped", zap.String("type", fmt.Sprintf("%T", event)))
			return
		default:
			sm.logger.Error("event handling failed", zap.Error(err))
		}
	}
	sm.forward(cmds)
	sm.publish()
}

func (sm *StateManager) processControl(req controlRequest) error {
	now := time.Now()
	var cmds []models.Command
	var err error

	switch req.kind {
	case controlActivate:
		cmds, err = sm.activate(req.price, now)
	case controlStop:
		cmds = sm.engine.Stop(now)
	case controlReset:
		cmds, err = sm.engine.Reset(now)
	}
	if err != nil {
		return err
	}
	sm.forward(cmds)
	sm.publish()
	return nil
}

func (sm *StateManager) activate(price decimal.Decimal, now time.Time) ([]models.Command, error) {
	if sm.repo != nil {
		saved, err := sm.repo.LoadState(sm.strategyID)
		if err != nil {
			return nil, fmt.Errorf("load saved state: %w", err)
		}
		if saved != nil && saved.Status != models.StatusStopped && len(saved.GridLevels) > 0 {
			sm.logger.Info("resuming from saved state", zap.Uint64("version", saved.Version))
			return sm.engine.Resume(saved, now)
		}
	}
	return sm.engine.Start(price, now)
}

func (sm *StateManager) forward(cmds []models.Command) {
	if len(cmds) == 0 || sm.sink == nil {
		return
	}
	sm.sink.Submit(cmds...)
}

func (sm *StateManager) publish() {
	snap := sm.engine.Snapshot()
	sm.snapshot.Store(snap)

	select {
	case sm.persistenceChan <- struct{}{}:
	default:
	}

	sm.subsMu.Lock()
	for _, ch := range sm.subs {
		select {
		case ch <- snap:
		default:
			// 丢弃旧快照, 保证订阅者拿到最新的
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
	sm.subsMu.Unlock()
}

func (sm *StateManager) raise(alert models.Alert) {
	if sm.onAlert != nil {
		sm.onAlert(alert)
	}
}
