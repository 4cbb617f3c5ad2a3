package orderid

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Binance accepts ^[\.A-Z\:/a-z0-9_-]{1,36}$ for client order ids.
var exchangeSafe = regexp.MustCompile(`^[\.A-Z\:/a-z0-9_-]{1,36}$`)

func TestPrefix(t *testing.T) {
	assert.Equal(t, "gbtcgrid_", Prefix("btc-grid-01"))
	assert.Equal(t, "g_", Prefix("---"))
	assert.LessOrEqual(t, len(Prefix("550e8400-e29b-41d4-a716-446655440000")), maxPrefixChars+1)
}

func TestNewAndParse(t *testing.T) {
	prefix := Prefix("550e8400-e29b-41d4-a716-446655440000")
	for _, tc := range []struct{ level, attempt int }{{1, 1}, {42, 3}, {1 << 20, 7}, {0, 0}} {
		id := New(prefix, tc.level, tc.attempt)
		require.Regexp(t, exchangeSafe, id)

		level, attempt, ok := Parse(prefix, id)
		require.True(t, ok, id)
		assert.Equal(t, tc.level, level)
		assert.Equal(t, tc.attempt, attempt)
	}

	assert.NotEqual(t, New(prefix, 5, 1), New(prefix, 5, 2), "each attempt gets its own id")

	_, _, ok := Parse(prefix, "web_manual_order")
	assert.False(t, ok)
	_, _, ok = Parse("gother_", New(prefix, 1, 1))
	assert.False(t, ok)
}
