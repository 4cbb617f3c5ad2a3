package logger

import (
	"grid-engine-go/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.log")
	l := InitLogger(models.LogConfig{Level: "debug", Output: "file", File: path, MaxSize: 1})
	require.NotNil(t, l)

	ForStrategy(l, "engine", "s-1", "BTCUSDT").Info("level activated")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "level activated")
	assert.Contains(t, string(data), "s-1")
	assert.Same(t, l, L())
}

func TestInitLoggerBadLevelFallsBackToInfo(t *testing.T) {
	l := InitLogger(models.LogConfig{Level: "chatty", Output: "console"})
	assert.False(t, l.Core().Enabled(-1), "debug should be disabled")
	assert.True(t, l.Core().Enabled(0))
	assert.NotNil(t, S())
}
