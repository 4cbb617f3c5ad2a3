package grid

import (
	"errors"
	"grid-engine-go/internal/config"
	"grid-engine-go/internal/models"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func baseConfig() models.GridConfig {
	cfg := config.DefaultGridConfig("BTCUSDT", decimal.NewFromInt(10000))
	cfg.GridCount = 5
	cfg.GridSpacing = d("0.02")
	cfg.CenterPrice = dp("100")
	return cfg
}

func prices(levels []*models.GridLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func assertLadder(t *testing.T, cfg models.GridConfig, levels []*models.GridLevel) {
	t.Helper()
	for i, l := range levels {
		assert.True(t, l.Quantity.Equal(cfg.BaseQuantity), "level %d quantity", l.ID)
		assert.Equal(t, models.LevelPending, l.State)
		if i > 0 {
			assert.True(t, l.Price.GreaterThan(levels[i-1].Price), "prices must be strictly increasing")
			assert.Equal(t, levels[i-1].ID+1, l.ID)
		}
	}
}

func TestGenerateArithmeticRoundTrip(t *testing.T) {
	cfg := baseConfig()
	levels, err := Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err)
	require.Len(t, levels, 5)
	assert.Equal(t, []string{"92", "96", "100", "104", "108"}, prices(levels))
	assertLadder(t, cfg, levels)

	assert.Equal(t, models.Buy, levels[0].Side)
	assert.Equal(t, models.Buy, levels[1].Side)
	assert.False(t, levels[2].IsActive, "center rung is an inactive anchor")
	assert.Equal(t, models.Sell, levels[3].Side)
	assert.Equal(t, models.Sell, levels[4].Side)

	// BUY at 96 flips to 100, SELL at 104 flips to 100
	assert.Equal(t, "100", levels[1].FlipPrice.String())
	assert.Equal(t, "100", levels[3].FlipPrice.String())
	assert.Equal(t, "96", levels[0].FlipPrice.String())
}

func TestGenerateUsesReferencePriceWithoutCenter(t *testing.T) {
	cfg := baseConfig()
	cfg.CenterPrice = nil
	levels, err := Generate(cfg, d("200"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"184", "192", "200", "208", "216"}, prices(levels))
	assert.Equal(t, 10, levels[0].ID)

	_, err = Generate(cfg, decimal.Zero, 1)
	var ce *config.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "center_price", ce.Field)
}

func TestGenerateSpacingLaws(t *testing.T) {
	testCases := []struct {
		name     string
		gridType models.GridType
		count    int
		spacing  string
		want     []string
	}{
		{"geometric even count", models.GridGeometric, 4, "0.01", []string{"96.059601", "98.01", "102.01", "104.060401"}},
		{"fibonacci", models.GridFibonacci, 9, "0.01", []string{"90", "94", "96", "98", "100", "102", "104", "106", "110"}},
		{"arithmetic even count", models.GridArithmetic, 4, "0.01", []string{"96", "98", "102", "104"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.GridType = tc.gridType
			cfg.GridCount = tc.count
			cfg.GridSpacing = d(tc.spacing)
			levels, err := Generate(cfg, decimal.Zero, 1)
			require.NoError(t, err)
			assert.Len(t, levels, tc.count)
			assert.Equal(t, tc.want, prices(levels))
			assertLadder(t, cfg, levels)
		})
	}
}

func TestGenerateDirections(t *testing.T) {
	cfg := baseConfig()
	cfg.GridCount = 3

	cfg.GridDirection = models.DirectionUpOnly
	up, err := Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"104", "108", "112"}, prices(up))
	for _, l := range up {
		assert.Equal(t, models.Sell, l.Side)
		assert.True(t, l.IsActive)
	}
	assert.Equal(t, "100", up[0].FlipPrice.String())

	cfg.GridDirection = models.DirectionDownOnly
	down, err := Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"88", "92", "96"}, prices(down))
	for _, l := range down {
		assert.Equal(t, models.Buy, l.Side)
	}
}

func TestGenerateBounds(t *testing.T) {
	cfg := baseConfig()
	cfg.GridCount = 0
	cfg.UpperPrice = dp("110")
	cfg.LowerPrice = dp("90")

	levels, err := Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"92", "96", "100", "104", "108"}, prices(levels), "count derived from bounds")

	cfg.GridCount = 6
	levels, err = Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err, "one unit of disagreement is tolerated")
	for _, l := range levels {
		assert.True(t, cfg.IsPriceInRange(l.Price))
	}

	cfg.GridCount = 9
	_, err = Generate(cfg, decimal.Zero, 1)
	var ce *config.ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "grid_count", ce.Field)
}

func TestGenerateTooFewLevels(t *testing.T) {
	cfg := baseConfig()
	cfg.GridCount = 5
	cfg.UpperPrice = dp("101")
	cfg.LowerPrice = dp("99")
	cfg.GridCount = 1
	_, err := Generate(cfg, decimal.Zero, 1)
	var ce *config.ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestGenerateCustom(t *testing.T) {
	cfg := baseConfig()
	cfg.GridType = models.GridCustom
	cfg.GridCount = 0
	cfg.CustomPrices = []decimal.Decimal{d("90"), d("97"), d("100"), d("105")}

	levels, err := Generate(cfg, decimal.Zero, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"90", "97", "100", "105"}, prices(levels))
	assert.Equal(t, models.Buy, levels[0].Side)
	assert.Equal(t, "97", levels[0].FlipPrice.String())
	assert.Equal(t, "100", levels[1].FlipPrice.String())
	assert.False(t, levels[2].IsActive)
	assert.Equal(t, models.Sell, levels[3].Side)
	assert.Equal(t, "100", levels[3].FlipPrice.String())
}

func TestAdjuster(t *testing.T) {
	cfg := baseConfig()
	cfg.EnableDynamicAdjustment = true
	cfg.AdjustmentThreshold = d("0.05")
	cfg.RebalanceInterval = 60

	a := NewAdjuster(cfg)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.MarkAdjusted(start)

	center := d("100")
	assert.False(t, a.ShouldAdjust(d("104"), center, start.Add(2*time.Minute)), "within threshold")
	assert.False(t, a.ShouldAdjust(d("110"), center, start.Add(30*time.Second)), "interval not elapsed")
	assert.True(t, a.ShouldAdjust(d("110"), center, start.Add(time.Minute)))
	assert.True(t, a.ShouldAdjust(d("90"), center, start.Add(time.Minute)))

	a.MarkAdjusted(start.Add(time.Minute))
	assert.False(t, a.ShouldAdjust(d("90"), center, start.Add(90*time.Second)))

	cfg.EnableDynamicAdjustment = false
	assert.False(t, NewAdjuster(cfg).ShouldAdjust(d("200"), center, start.Add(time.Hour)))
	assert.Equal(t, "0.1", Deviation(d("110"), center).String())
}
