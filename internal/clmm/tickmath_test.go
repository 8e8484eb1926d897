package clmm

import (
	"errors"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

func TestSqrtPriceX64FromTickKnownValues(t *testing.T) {
	cases := map[int32]string{
		0:       "18446744073709551616",
		1:       "18447666387855957090",
		-1:      "18445821805675395072",
		100:     "18539204128674375874",
		-100:    "18354745142194513203",
		18703:   "46992646290309617804",
		MinTick: "4295048016",
		MaxTick: "79226673521066979257578248091",
	}
	for tick, want := range cases {
		got, err := SqrtPriceX64FromTick(tick)
		require.NoError(t, err)
		assert.Equal(t, want, got.String(), "tick %d", tick)
	}
}

func TestSqrtPriceTickRoundTrip(t *testing.T) {
	for _, tick := range []int32{MinTick, -300000, -22080, -64, -1, 0, 1, 64, 18703, 300000, MaxTick} {
		sqrt, err := SqrtPriceX64FromTick(tick)
		require.NoError(t, err)
		back, err := TickFromSqrtPriceX64(sqrt)
		require.NoError(t, err)
		assert.Equal(t, tick, back)

		if tick < MaxTick {
			// One unit below the next tick's price still maps to this tick.
			next, err := SqrtPriceX64FromTick(tick + 1)
			require.NoError(t, err)
			below, err := TickFromSqrtPriceX64(next.SubRaw(1))
			require.NoError(t, err)
			assert.Equal(t, tick, below)
		}
	}
}

func TestTickBoundsRejected(t *testing.T) {
	_, err := SqrtPriceX64FromTick(MaxTick + 1)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
	_, err = SqrtPriceX64FromTick(MinTick - 1)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
	_, err = TickFromSqrtPriceX64(MinSqrtPriceX64.SubRaw(1))
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
	_, err = PriceToTick(sdkmath.LegacyZeroDec(), 6, 6)
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
}

func TestPriceTickRoundTrip(t *testing.T) {
	const step = 1.0001
	for exp := -6; exp <= 6; exp++ {
		for _, mantissa := range []string{"1", "2.5", "7.77"} {
			price := sdkmath.LegacyMustNewDecFromStr(mantissa)
			if exp >= 0 {
				price = price.Mul(pow10Dec(uint8(exp)))
			} else {
				price = price.Quo(pow10Dec(uint8(-exp)))
			}
			t.Run(price.String(), func(t *testing.T) {
				tick, err := PriceToTick(price, 6, 6)
				require.NoError(t, err)
				back, err := TickToPrice(tick, 6, 6)
				require.NoError(t, err)

				want := price.MustFloat64()
				got := back.MustFloat64()
				ratio := want / got
				assert.GreaterOrEqual(t, ratio, 1-1e-9, "tick price must not exceed input")
				assert.Less(t, ratio, step+1e-9, "within one tick")
			})
		}
	}
}

func TestPriceToTickWithDecimals(t *testing.T) {
	// 1 A (9 decimals) = 150 B (6 decimals): raw price 150e-3.
	tick, err := PriceToTick(sdkmath.LegacyMustNewDecFromStr("150"), 9, 6)
	require.NoError(t, err)
	back, err := TickToPrice(tick, 9, 6)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, back.MustFloat64(), 150*0.0001)
}

func TestScenarioTicks(t *testing.T) {
	lower, err := PriceToTick(sdkmath.LegacyMustNewDecFromStr("6.49"), 6, 6)
	require.NoError(t, err)
	upper, err := PriceToTick(sdkmath.LegacyMustNewDecFromStr("9.11"), 6, 6)
	require.NoError(t, err)

	assert.Equal(t, int32(18688), RoundToInitializable(lower, 64))
	assert.Equal(t, int32(22080), RoundToInitializable(upper, 64))
	assert.Equal(t, int32(16896), TickArrayStartIndex(18688, 64))
	assert.Equal(t, int32(16896), TickArrayStartIndex(22080, 64))
}

func TestRoundToInitializableFloors(t *testing.T) {
	assert.Equal(t, int32(-64), RoundToInitializable(-1, 64))
	assert.Equal(t, int32(-64), RoundToInitializable(-64, 64))
	assert.Equal(t, int32(-128), RoundToInitializable(-65, 64))
	assert.Equal(t, int32(0), RoundToInitializable(63, 64))
	assert.Equal(t, int32(-6976), RoundToInitializable(-6932, 64))

	for _, spacing := range []uint16{1, 8, 64, 128} {
		for tick := int32(-1000); tick <= 1000; tick += 7 {
			r := RoundToInitializable(tick, spacing)
			assert.Zero(t, r%int32(spacing))
			assert.LessOrEqual(t, r, tick)
			assert.Greater(t, r+int32(spacing), tick)
		}
	}
}

func TestTickArrayStartIndex(t *testing.T) {
	assert.Equal(t, int32(0), TickArrayStartIndex(0, 64))
	assert.Equal(t, int32(-5632), TickArrayStartIndex(-1, 64))
	assert.Equal(t, int32(-11264), TickArrayStartIndex(-6976, 64))
	assert.Equal(t, int32(5632), TickArrayStartIndex(5632, 64))
}

func TestTickBounds(t *testing.T) {
	lo, hi := TickBounds(64)
	assert.Equal(t, int32(-443584), lo)
	assert.Equal(t, int32(443584), hi)
}
