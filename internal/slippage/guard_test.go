package slippage

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

func TestMinimumAcceptable(t *testing.T) {
	tests := []struct {
		name     string
		expected uint64
		bps      uint32
		want     uint64
	}{
		{name: "zero tolerance keeps expected", expected: 1_000, bps: 0, want: 1_000},
		{name: "half percent", expected: 1_000_000, bps: 50, want: 995_000},
		{name: "rounds down", expected: 999, bps: 1, want: 998},
		{name: "max tolerance", expected: 10_000, bps: 9_999, want: 1},
		{name: "zero expected", expected: 0, bps: 300, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MinimumAcceptable(uint256.NewInt(tt.expected), Tolerance(tt.bps))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestMinimumAcceptable_NeverExceedsExpected(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	for _, bps := range []uint32{0, 1, 50, 5_000, 9_999} {
		got, err := MinimumAcceptable(max, Tolerance(bps))
		require.NoError(t, err, "bps=%d", bps)
		assert.True(t, got.Cmp(max) <= 0, "bps=%d", bps)
	}

	got, err := MinimumAcceptable(max, 0)
	require.NoError(t, err)
	assert.True(t, got.Eq(max))
}

func TestMinimumAcceptable_InvalidTolerance(t *testing.T) {
	for _, bps := range []uint32{Denominator, Denominator + 1, 1 << 31} {
		_, err := MinimumAcceptable(uint256.NewInt(100), Tolerance(bps))
		assert.ErrorIs(t, err, domain.ErrInvalidTolerance, "bps=%d", bps)
	}
}

func TestNewTolerance(t *testing.T) {
	tol, err := NewTolerance(9_999)
	require.NoError(t, err)
	assert.Equal(t, uint32(9_999), tol.Bps())

	_, err = NewTolerance(10_000)
	assert.ErrorIs(t, err, domain.ErrInvalidTolerance)

	assert.Equal(t, "0.50%", Tolerance(50).String())
}
