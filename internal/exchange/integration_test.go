package exchange_test

import (
	"context"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/exchange"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/statemanager"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestGridRoundTripOnPaperExchange runs a strategy against the simulator:
// a buy rung fills on the way down, its sell flip fills on the way back.
func TestGridRoundTripOnPaperExchange(t *testing.T) {
	cfg := config.DefaultGridConfig("BTCUSDT", decimal.NewFromInt(100000))
	cfg.StrategyID = "paper-rt"
	cfg.BaseQuantity = decimal.NewFromInt(1)
	cfg.GridCount = 5
	cfg.GridSpacing = decimal.RequireFromString("0.02")
	cfg.MaxPosition = decimal.NewFromInt(10)
	cfg.EnableDynamicAdjustment = false
	cfg.AckTimeoutSec = 0

	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	var sm *statemanager.StateManager
	paper := exchange.NewPaperExchange(exchange.SinkFunc(func(ev models.Event) bool {
		return sm.DispatchEvent(ev)
	}), decimal.RequireFromString("0.0005"), zap.NewNop())
	disp := exchange.NewDispatcher(cfg.StrategyID, cfg.Symbol, paper, exchange.SinkFunc(func(ev models.Event) bool {
		return sm.DispatchEvent(ev)
	}), config.DispatchConfig{QueueSize: 64, RetryAttempts: 1, RetryInitialDelayMs: 1, RetryMaxDelayMs: 2}, zap.NewNop())
	sm, err = statemanager.NewStateManager(cfg, repo, disp, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)
	sm.Start()
	defer sm.Stop()

	tick := func(p string) {
		price := decimal.RequireFromString(p)
		paper.Tick(price, time.Now())
		sm.DispatchEvent(models.PriceTick{Price: price, Timestamp: time.Now()})
	}
	position := func() decimal.Decimal { return sm.Snapshot().TotalPosition }

	tick("100")
	require.NoError(t, sm.Activate(decimal.NewFromInt(100)))
	require.Eventually(t, func() bool { return paper.OpenOrders() == 4 }, 2*time.Second, 5*time.Millisecond)

	tick("95")
	require.Eventually(t, func() bool { return position().Equal(decimal.NewFromInt(1)) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return paper.OpenOrders() == 4 }, 2*time.Second, 5*time.Millisecond, "flip order rests")

	tick("100")
	require.Eventually(t, func() bool { return position().IsZero() && paper.Fills() == 2 }, 2*time.Second, 5*time.Millisecond)

	state := sm.Snapshot()
	assert.Equal(t, models.StatusRunning, state.Status)
	assert.True(t, state.RealizedPnL.IsPositive(), "realized %s", state.RealizedPnL)
	assert.Equal(t, 1, state.Ledger.WinningTrades)
}
