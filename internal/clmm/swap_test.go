package clmm

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

func flatPool(liquidity int64) PoolState {
	return PoolState{
		SqrtPriceX64: sdkmath.NewIntFromBigInt(q64),
		TickCurrent:  0,
		TickSpacing:  64,
		Liquidity:    sdkmath.NewInt(liquidity),
		FeeRate:      3000,
		DecimalsA:    6,
		DecimalsB:    6,
	}
}

// Three arrays of 88*64 ticks around tick 0.
var aroundZero = TickWindow{Lower: -11264, Upper: 11264}

func TestQuoteSwapSingleRangeAToB(t *testing.T) {
	q, err := QuoteSwap(flatPool(1_000_000_000_000), aroundZero, sdkmath.NewInt(100), true, 100)
	require.NoError(t, err)

	assert.Equal(t, "100", q.AmountIn.String())
	assert.Equal(t, "98", q.AmountOut.String())
	assert.Equal(t, "1", q.Fee.String())
	assert.Equal(t, "97", q.MinimumOut.String())
	assert.Equal(t, "18446744071883323953", q.EndSqrtPriceX64.String())
	assert.Equal(t, int32(-1), q.EndTick)
	assert.True(t, q.EndPrice.LT(sdkmath.LegacyOneDec()))
}

func TestQuoteSwapSingleRangeBToA(t *testing.T) {
	q, err := QuoteSwap(flatPool(1_000_000_000_000), aroundZero, sdkmath.NewInt(100), false, 100)
	require.NoError(t, err)

	assert.Equal(t, "100", q.AmountIn.String())
	assert.Equal(t, "98", q.AmountOut.String())
	assert.Equal(t, "1", q.Fee.String())
	assert.Equal(t, "18446744075535779279", q.EndSqrtPriceX64.String())
	assert.Equal(t, int32(0), q.EndTick)
}

func TestQuoteSwapCrossesInitializedTick(t *testing.T) {
	window := aroundZero
	window.Ticks = []Tick{
		{Index: 64, LiquidityNet: sdkmath.NewInt(-1_000_000)},
		{Index: -64, LiquidityNet: sdkmath.NewInt(1_000_000)},
	}

	q, err := QuoteSwap(flatPool(2_000_000), window, sdkmath.NewInt(20_000), true, 100)
	require.NoError(t, err)

	assert.Equal(t, "20000", q.AmountIn.String())
	assert.Equal(t, "19652", q.AmountOut.String())
	assert.Equal(t, "61", q.Fee.String())
	assert.Equal(t, "19455", q.MinimumOut.String())
	assert.Equal(t, "18143137447336103818", q.EndSqrtPriceX64.String())
	assert.Equal(t, int32(-332), q.EndTick)
	assert.True(t, q.Fee.LT(q.AmountIn))
}

func TestQuoteSwapRunsOutOfLiquidity(t *testing.T) {
	window := aroundZero
	window.Ticks = []Tick{{Index: -64, LiquidityNet: sdkmath.NewInt(1_000_000)}}

	_, err := QuoteSwap(flatPool(1_000_000), window, sdkmath.NewInt(1_000_000), true, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dexerr.ErrStaleState))
}

func TestQuoteSwapZeroLiquidity(t *testing.T) {
	_, err := QuoteSwap(flatPool(0), aroundZero, sdkmath.NewInt(100), true, 100)
	assert.True(t, errors.Is(err, dexerr.ErrStaleState))
}

func TestQuoteSwapRejectsBadInput(t *testing.T) {
	_, err := QuoteSwap(flatPool(1), aroundZero, sdkmath.ZeroInt(), true, 100)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
	_, err = QuoteSwap(flatPool(1), aroundZero, sdkmath.NewInt(1), true, 10_001)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
}

func TestQuoteLiquidityFromA(t *testing.T) {
	sqrt, err := SqrtPriceX64FromTick(20000)
	require.NoError(t, err)
	pool := PoolState{SqrtPriceX64: sqrt, TickCurrent: 20000, TickSpacing: 64, Liquidity: sdkmath.ZeroInt(), FeeRate: 3000}

	q, err := QuoteLiquidity(pool, true, sdkmath.NewInt(1_000_000), 18688, 22080, 100)
	require.NoError(t, err)
	assert.Equal(t, "27519950", q.Liquidity.String())
	assert.Equal(t, "1000000", q.EstimateA.String())
	assert.Equal(t, "4749373", q.EstimateB.String())
	assert.Equal(t, "1010000", q.TokenMaxA.String())
	assert.Equal(t, "4796867", q.TokenMaxB.String())
}

func TestQuoteLiquidityFromB(t *testing.T) {
	sqrt, err := SqrtPriceX64FromTick(20000)
	require.NoError(t, err)
	pool := PoolState{SqrtPriceX64: sqrt, TickCurrent: 20000, TickSpacing: 64, Liquidity: sdkmath.ZeroInt()}

	q, err := QuoteLiquidity(pool, false, sdkmath.NewInt(1_000_000), 18688, 22080, 0)
	require.NoError(t, err)
	assert.Equal(t, "5794438", q.Liquidity.String())
	assert.Equal(t, "210555", q.EstimateA.String())
	assert.Equal(t, "1000000", q.EstimateB.String())
	assert.Equal(t, q.EstimateB, q.TokenMaxB)
}

func TestQuoteLiquidityRejectsRanges(t *testing.T) {
	pool := flatPool(0)
	for name, r := range map[string][2]int32{
		"inverted":   {128, 64},
		"empty":      {64, 64},
		"out of min": {MinTick - 64, 0},
		"unaligned":  {-10, 64},
	} {
		_, err := QuoteLiquidity(pool, true, sdkmath.NewInt(100), r[0], r[1], 100)
		assert.True(t, errors.Is(err, dexerr.ErrStaleState), name)
	}

	// Price above the range cannot take token A.
	_, err := QuoteLiquidity(pool, true, sdkmath.NewInt(100), -128, -64, 100)
	assert.True(t, errors.Is(err, dexerr.ErrStaleState))
}

func TestTokenAmountsForLiquidity(t *testing.T) {
	lower, _ := SqrtPriceX64FromTick(-64)
	upper, _ := SqrtPriceX64FromTick(64)
	cur := sdkmath.NewIntFromBigInt(q64)

	a, b, err := TokenAmountsForLiquidity(cur, lower, upper, sdkmath.NewInt(1_000_000), true)
	require.NoError(t, err)
	assert.True(t, a.IsPositive())
	assert.True(t, b.IsPositive())

	_, _, err = TokenAmountsForLiquidity(cur, upper, lower, sdkmath.NewInt(1), true)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
}
