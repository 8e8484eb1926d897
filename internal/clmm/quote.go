package clmm

import (
	"math/big"

	sdkmath "cosmossdk.io/math"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

type LiquidityQuote struct {
	Liquidity   sdkmath.Int
	EstimateA   sdkmath.Int
	EstimateB   sdkmath.Int
	TokenMaxA   sdkmath.Int
	TokenMaxB   sdkmath.Int
	TickLower   int32
	TickUpper   int32
	SlippageBps uint16
}

// QuoteLiquidity computes the liquidity a single-sided input amount buys in
// [tickLower, tickUpper] at the pool's current price, plus both token
// estimates and their slippage-adjusted maxima.
func QuoteLiquidity(pool PoolState, inputIsA bool, amount sdkmath.Int, tickLower, tickUpper int32, slippageBps uint16) (LiquidityQuote, error) {
	const op = "quote liquidity"
	if amount.IsNil() || !amount.IsPositive() {
		return LiquidityQuote{}, dexerr.InvalidInput(op, "amount must be positive")
	}
	if !fitsU64(amount.BigInt()) {
		return LiquidityQuote{}, dexerr.InvalidInput(op, "amount %s exceeds u64", amount)
	}
	if slippageBps > BpsDenom {
		return LiquidityQuote{}, dexerr.InvalidInput(op, "slippage %d bps above %d", slippageBps, BpsDenom)
	}
	if tickLower >= tickUpper {
		return LiquidityQuote{}, dexerr.StaleState(op, "inverted tick range [%d, %d]", tickLower, tickUpper)
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return LiquidityQuote{}, dexerr.StaleState(op, "tick range [%d, %d] out of bounds", tickLower, tickUpper)
	}
	if pool.TickSpacing != 0 && (tickLower%int32(pool.TickSpacing) != 0 || tickUpper%int32(pool.TickSpacing) != 0) {
		return LiquidityQuote{}, dexerr.StaleState(op, "ticks [%d, %d] not aligned to spacing %d", tickLower, tickUpper, pool.TickSpacing)
	}
	if pool.SqrtPriceX64.IsNil() {
		return LiquidityQuote{}, dexerr.StaleState(op, "pool state incomplete")
	}

	cur := pool.SqrtPriceX64.BigInt()
	lower := sqrtPriceFromTick(tickLower)
	upper := sqrtPriceFromTick(tickUpper)
	in := amount.BigInt()

	var liquidity *big.Int
	if inputIsA {
		if cur.Cmp(upper) >= 0 {
			return LiquidityQuote{}, dexerr.StaleState(op, "price above range, position takes token B only")
		}
		from := lower
		if cur.Cmp(lower) > 0 {
			from = cur
		}
		liquidity = liquidityFromA(from, upper, in)
	} else {
		if cur.Cmp(lower) <= 0 {
			return LiquidityQuote{}, dexerr.StaleState(op, "price below range, position takes token A only")
		}
		to := upper
		if cur.Cmp(upper) < 0 {
			to = cur
		}
		liquidity = liquidityFromB(lower, to, in)
	}
	if liquidity.Sign() == 0 {
		return LiquidityQuote{}, dexerr.StaleState(op, "amount too small for any liquidity in range")
	}
	if !fitsU128(liquidity) {
		return LiquidityQuote{}, dexerr.StaleState(op, "liquidity %s exceeds u128", liquidity)
	}

	estA, estB := tokenAmounts(cur, lower, upper, liquidity, true)
	maxA := applyBps(estA, slippageBps, true)
	maxB := applyBps(estB, slippageBps, true)
	if !fitsU64(maxA) || !fitsU64(maxB) {
		return LiquidityQuote{}, dexerr.InvalidInput(op, "token maxima exceed u64")
	}

	return LiquidityQuote{
		Liquidity:   sdkmath.NewIntFromBigInt(liquidity),
		EstimateA:   sdkmath.NewIntFromBigInt(estA),
		EstimateB:   sdkmath.NewIntFromBigInt(estB),
		TokenMaxA:   sdkmath.NewIntFromBigInt(maxA),
		TokenMaxB:   sdkmath.NewIntFromBigInt(maxB),
		TickLower:   tickLower,
		TickUpper:   tickUpper,
		SlippageBps: slippageBps,
	}, nil
}
