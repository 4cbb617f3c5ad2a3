package statemanager

import (
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedState   *models.GridTradingState
	saveCalled   bool
	loadState    *models.GridTradingState
	loadError    error
	saveError    error
	saveDoneChan chan bool     // signalled after every SaveState
	gate         chan struct{} // when set, SaveState waits for it to close
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		saveDoneChan: make(chan bool, 1),
	}
}

func (m *mockStateRepository) SaveState(state *models.GridTradingState) error {
	if m.gate != nil {
		<-m.gate
	}
	m.Lock()
	defer m.Unlock()

	copied := *state
	copied.GridLevels = append([]models.GridLevel(nil), state.GridLevels...)
	m.saveCalled = true
	m.savedState = &copied

	select {
	case m.saveDoneChan <- true:
	default:
	}
	return m.saveError
}

func (m *mockStateRepository) LoadState(strategyID string) (*models.GridTradingState, error) {
	m.Lock()
	defer m.Unlock()
	if m.loadState != nil && m.loadState.StrategyID != strategyID {
		return nil, nil
	}
	return m.loadState, m.loadError
}

func (m *mockStateRepository) ListStrategies() ([]string, error) { return nil, nil }
func (m *mockStateRepository) DeleteState(string) error          { return nil }
func (m *mockStateRepository) Close() error                      { return nil }

func (m *mockStateRepository) getSavedState() *models.GridTradingState {
	m.Lock()
	defer m.Unlock()
	return m.savedState
}

func (m *mockStateRepository) wasSaveCalled() bool {
	m.Lock()
	defer m.Unlock()
	return m.saveCalled
}

// mockSink records the commands forwarded by the manager.
type mockSink struct {
	sync.Mutex
	cmds []models.Command
}

func (s *mockSink) Submit(cmds ...models.Command) {
	s.Lock()
	defer s.Unlock()
	s.cmds = append(s.cmds, cmds...)
}

func (s *mockSink) take() []models.Command {
	s.Lock()
	defer s.Unlock()
	out := s.cmds
	s.cmds = nil
	return out
}

func count[T models.Command](cmds []models.Command) int {
	n := 0
	for _, c := range cmds {
		if _, ok := c.(T); ok {
			n++
		}
	}
	return n
}

func testConfig() models.GridConfig {
	cfg := config.DefaultGridConfig("BTCUSDT", decimal.NewFromInt(100000))
	cfg.StrategyID = "sm-test"
	cfg.BaseQuantity = decimal.NewFromInt(1)
	cfg.GridCount = 5
	cfg.GridSpacing = decimal.RequireFromString("0.02")
	cfg.MaxPosition = decimal.NewFromInt(10)
	cfg.EnableDynamicAdjustment = false
	cfg.AckTimeoutSec = 0
	return cfg
}

func waitSave(t *testing.T, repo *mockStateRepository) {
	t.Helper()
	select {
	case <-repo.saveDoneChan:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state to be saved")
	}
}

func newStarted(t *testing.T, cfg models.GridConfig, repo persistence.StateRepository, opts ...Option) (*StateManager, *mockSink) {
	t.Helper()
	sink := &mockSink{}
	sm, err := NewStateManager(cfg, repo, sink, zap.NewNop(), opts...)
	require.NoError(t, err)
	sm.Start()
	t.Cleanup(sm.Stop)
	return sm, sink
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm, err := NewStateManager(testConfig(), newMockStateRepository(), &mockSink{}, zap.NewNop())
	require.NoError(t, err)

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot)
	assert.Equal(t, "sm-test", snapshot.StrategyID)
	assert.Equal(t, models.StatusIdle, snapshot.Status)

	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")

	bad := testConfig()
	bad.GridSpacing = decimal.Zero
	_, err = NewStateManager(bad, nil, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestActivatePlacesOrdersAndPersists(t *testing.T) {
	repo := newMockStateRepository()
	sm, sink := newStarted(t, testConfig(), repo)

	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))
	cmds := sink.take()
	assert.Equal(t, 4, count[models.PlaceOrder](cmds))

	waitSave(t, repo)
	saved := repo.getSavedState()
	require.NotNil(t, saved)
	assert.Equal(t, models.StatusRunning, saved.Status)
	assert.Len(t, saved.GridLevels, 5)

	assert.ErrorIs(t, sm.Activate(decimal.NewFromInt(100)), engine.ErrAlreadyStarted)
}

func TestEventsAreProcessedInOrder(t *testing.T) {
	sm, sink := newStarted(t, testConfig(), nil)
	updates, unsubscribe := sm.Subscribe()
	defer unsubscribe()

	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))
	sink.take()

	now := time.Now()
	require.True(t, sm.DispatchEvent(models.FillEvent{LevelID: 2, Seq: 1, FilledQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(96), Timestamp: now}))
	require.True(t, sm.DispatchEvent(models.PriceTick{Price: decimal.RequireFromString("97"), Timestamp: now.Add(time.Second)}))

	assert.Eventually(t, func() bool {
		s := sm.GetStateSnapshot()
		return s.TotalPosition.Equal(decimal.NewFromInt(1)) && s.CurrentPrice.Equal(decimal.RequireFromString("97"))
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case s := <-updates:
		assert.NotNil(t, s)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	cmds := sink.take()
	assert.Equal(t, 1, count[models.PlaceOrder](cmds), "flip order for the filled level")

	m := sm.Metrics()
	assert.True(t, m.CurrentPosition.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 4, m.ActiveGrids)
}

func TestActivateResumesSavedState(t *testing.T) {
	cfg := testConfig()
	eng, err := engine.New(cfg, nil)
	require.NoError(t, err)
	_, err = eng.Start(decimal.NewFromInt(100), time.Now())
	require.NoError(t, err)

	repo := newMockStateRepository()
	repo.loadState = eng.Snapshot()

	sm, sink := newStarted(t, cfg, repo)
	require.NoError(t, sm.Activate(decimal.NewFromInt(120)))

	cmds := sink.take()
	assert.Equal(t, 4, count[models.ReconcileRequest](cmds))
	assert.Zero(t, count[models.PlaceOrder](cmds))
	assert.True(t, sm.GetStateSnapshot().GridCenter.Equal(decimal.NewFromInt(100)))
}

func TestHaltAlertAndReset(t *testing.T) {
	cfg := testConfig()
	sl := decimal.NewFromInt(90)
	cfg.StopLossPrice = &sl

	alerts := make(chan models.Alert, 8)
	sm, sink := newStarted(t, cfg, nil, WithAlertHandler(func(a models.Alert) { alerts <- a }))
	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))

	now := time.Now()
	sm.DispatchEvent(models.FillEvent{LevelID: 2, Seq: 1, FilledQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(96), Timestamp: now})
	sm.DispatchEvent(models.PriceTick{Price: decimal.NewFromInt(89), Timestamp: now.Add(time.Second)})

	select {
	case a := <-alerts:
		assert.Equal(t, models.AlertRiskHalt, a.Kind)
		assert.Equal(t, "sm-test", a.StrategyID)
	case <-time.After(2 * time.Second):
		t.Fatal("no halt alert")
	}
	assert.Eventually(t, func() bool { return sm.GetStateSnapshot().Status == models.StatusHalted }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, count[models.MarketClose](sink.take()))

	// the market close (level 7) fills before the operator resets
	sm.DispatchEvent(models.FillEvent{LevelID: 7, Seq: 1, FilledQty: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(89), Timestamp: now.Add(2 * time.Second)})
	assert.Eventually(t, func() bool { return sm.GetStateSnapshot().TotalPosition.IsZero() }, time.Second, 10*time.Millisecond)

	require.NoError(t, sm.ResetHalt())
	assert.Equal(t, models.StatusRunning, sm.GetStateSnapshot().Status)
	assert.Positive(t, count[models.PlaceOrder](sink.take()))

	require.NoError(t, sm.StopStrategy())
	assert.Equal(t, models.StatusStopped, sm.GetStateSnapshot().Status)
	assert.Positive(t, count[models.CancelOrder](sink.take()))
}

// TestAsyncPersistence verifies that state persistence happens asynchronously.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockStateRepository()
	repo.gate = make(chan struct{})
	sm, _ := newStarted(t, testConfig(), repo)

	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))
	assert.False(t, repo.wasSaveCalled(), "SaveState should not be called synchronously with Activate")
	close(repo.gate)

	waitSave(t, repo)
	assert.True(t, repo.wasSaveCalled(), "SaveState should have been called asynchronously")
	require.NotNil(t, repo.getSavedState())
}

func TestStoppedManagerRejectsWork(t *testing.T) {
	repo := newMockStateRepository()
	sm, err := NewStateManager(testConfig(), repo, &mockSink{}, zap.NewNop())
	require.NoError(t, err)
	sm.Start()
	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))
	updates, _ := sm.Subscribe()

	sm.Stop()
	sm.Stop()

	assert.False(t, sm.DispatchEvent(models.PriceTick{Price: decimal.NewFromInt(100), Timestamp: time.Now()}))
	assert.ErrorIs(t, sm.StopStrategy(), ErrStopped)
	_, open := <-updates
	assert.False(t, open, "subscriptions are closed on stop")
	assert.True(t, repo.wasSaveCalled(), "final snapshot is written on stop")
}
