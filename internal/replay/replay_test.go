package replay

import (
	"context"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/downloader"
	"grid-engine-go/internal/models"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func replayConfig() models.GridConfig {
	cfg := config.DefaultGridConfig("BTCUSDT", d("100000"))
	cfg.StrategyID = "replay"
	cfg.BaseQuantity = d("1")
	cfg.GridCount = 5
	cfg.GridSpacing = d("0.02")
	cfg.MaxPosition = d("10")
	cfg.MaxDrawdown = d("0.5")
	cfg.EnableDynamicAdjustment = false
	cfg.AckTimeoutSec = 0
	return cfg
}

func bar(min int, o, h, l, c string) downloader.Kline {
	return downloader.Kline{
		OpenTime: time.Date(2024, 1, 1, 0, min, 0, 0, time.UTC),
		Open:     d(o), High: d(h), Low: d(l), Close: d(c),
	}
}

func TestReplayRoundTrip(t *testing.T) {
	drv, err := New(replayConfig(), decimal.Zero, zap.NewNop())
	require.NoError(t, err)

	res, err := drv.Run(context.Background(), []downloader.Kline{
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "100", "95", "95"),
		bar(2, "95", "100.5", "95", "100"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Bars)
	assert.Equal(t, 2, res.Fills)
	assert.True(t, res.State.TotalPosition.IsZero())
	assert.True(t, res.State.RealizedPnL.IsPositive(), "realized %s", res.State.RealizedPnL)
	assert.Equal(t, models.StatusStopped, res.State.Status)
	for _, l := range res.State.GridLevels {
		assert.False(t, l.State.Live(), "level %d still %s after stop", l.ID, l.State)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	klines := []downloader.Kline{
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "101", "91", "93"),
		bar(2, "93", "105", "92", "104"),
		bar(3, "104", "109", "99", "100"),
	}
	run := func() *Result {
		drv, err := New(replayConfig(), d("0.5"), zap.NewNop())
		require.NoError(t, err)
		res, err := drv.Run(context.Background(), klines)
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.Fills, b.Fills)
	assert.True(t, a.State.RealizedPnL.Equal(b.State.RealizedPnL))
	assert.True(t, a.State.TotalPosition.Equal(b.State.TotalPosition))
	assert.Positive(t, a.Fills)
}

func TestReplayStopsOnHalt(t *testing.T) {
	cfg := replayConfig()
	sl := d("93")
	cfg.StopLossPrice = &sl
	drv, err := New(cfg, decimal.Zero, zap.NewNop())
	require.NoError(t, err)

	res, err := drv.Run(context.Background(), []downloader.Kline{
		bar(0, "100", "100", "100", "100"),
		bar(1, "100", "100", "92", "92"),
		bar(2, "92", "100", "92", "99"),
		bar(3, "99", "100", "98", "99"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Bars)
	require.NotEmpty(t, res.Alerts)
	assert.Equal(t, models.AlertRiskHalt, res.Alerts[0].Kind)
}

func TestReplayNeedsData(t *testing.T) {
	drv, err := New(replayConfig(), decimal.Zero, zap.NewNop())
	require.NoError(t, err)
	_, err = drv.Run(context.Background(), nil)
	assert.Error(t, err)
}
