package clmm

import (
	"math/big"
	"sort"

	sdkmath "cosmossdk.io/math"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

// PoolState is the subset of a Whirlpool account the quote math reads.
type PoolState struct {
	SqrtPriceX64 sdkmath.Int
	TickCurrent  int32
	TickSpacing  uint16
	Liquidity    sdkmath.Int
	FeeRate      uint16
	DecimalsA    uint8
	DecimalsB    uint8
}

// Tick is an initialized tick and its signed net liquidity.
type Tick struct {
	Index        int32
	LiquidityNet sdkmath.Int
}

// TickWindow is the contiguous tick range covered by the fetched tick arrays,
// together with the initialized ticks inside it. Upper is exclusive.
type TickWindow struct {
	Lower int32
	Upper int32
	Ticks []Tick
}

type SwapQuote struct {
	AmountIn        sdkmath.Int
	AmountOut       sdkmath.Int
	Fee             sdkmath.Int
	MinimumOut      sdkmath.Int
	EndSqrtPriceX64 sdkmath.Int
	EndTick         int32
	EndPrice        sdkmath.LegacyDec
	AToB            bool
	SlippageBps     uint16
}

const maxSwapSteps = 3*int(TickArraySize) + 2

// QuoteSwap simulates an exact-input swap over the ticks in window. The fee
// is charged before the price moves, amount-in rounds up and amount-out
// rounds down, matching the program.
func QuoteSwap(pool PoolState, window TickWindow, amount sdkmath.Int, aToB bool, slippageBps uint16) (SwapQuote, error) {
	const op = "quote swap"
	if amount.IsNil() || !amount.IsPositive() {
		return SwapQuote{}, dexerr.InvalidInput(op, "amount must be positive")
	}
	if !fitsU64(amount.BigInt()) {
		return SwapQuote{}, dexerr.InvalidInput(op, "amount %s exceeds u64", amount)
	}
	if slippageBps > BpsDenom {
		return SwapQuote{}, dexerr.InvalidInput(op, "slippage %d bps above %d", slippageBps, BpsDenom)
	}
	if uint32(pool.FeeRate) >= FeeRateDenom {
		return SwapQuote{}, dexerr.StaleState(op, "fee rate %d out of range", pool.FeeRate)
	}
	if pool.SqrtPriceX64.IsNil() || pool.Liquidity.IsNil() {
		return SwapQuote{}, dexerr.StaleState(op, "pool state incomplete")
	}
	if window.Lower >= window.Upper {
		return SwapQuote{}, dexerr.StaleState(op, "empty tick window")
	}

	ticks := append([]Tick(nil), window.Ticks...)
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Index < ticks[j].Index })

	boundTick := window.Upper
	if aToB {
		boundTick = window.Lower
	}
	boundTick = clampTick(boundTick)
	boundSqrt := sqrtPriceFromTick(boundTick)

	var (
		remaining = new(big.Int).Set(amount.BigInt())
		sqrtPrice = new(big.Int).Set(pool.SqrtPriceX64.BigInt())
		liquidity = new(big.Int).Set(pool.Liquidity.BigInt())
		tick      = pool.TickCurrent
		totalIn   = new(big.Int)
		totalOut  = new(big.Int)
		totalFee  = new(big.Int)
		feeRate   = big.NewInt(int64(pool.FeeRate))
	)

	for step := 0; remaining.Sign() > 0 && sqrtPrice.Cmp(boundSqrt) != 0; step++ {
		if step >= maxSwapSteps {
			return SwapQuote{}, dexerr.StaleState(op, "swap did not converge within %d steps", maxSwapSteps)
		}

		next, initialized := nextInitializedTick(ticks, tick, aToB)
		targetSqrt := boundSqrt
		if initialized && withinBound(next.Index, boundTick, aToB) {
			targetSqrt = sqrtPriceFromTick(next.Index)
		} else {
			initialized = false
		}

		res := computeSwapStep(sqrtPrice, targetSqrt, liquidity, remaining, feeRate, aToB)
		remaining.Sub(remaining, res.amountIn)
		remaining.Sub(remaining, res.fee)
		totalIn.Add(totalIn, res.amountIn)
		totalOut.Add(totalOut, res.amountOut)
		totalFee.Add(totalFee, res.fee)
		sqrtPrice = res.nextSqrtPrice

		switch {
		case sqrtPrice.Cmp(targetSqrt) == 0 && initialized:
			net := next.LiquidityNet.BigInt()
			if aToB {
				liquidity.Sub(liquidity, net)
				tick = next.Index - 1
			} else {
				liquidity.Add(liquidity, net)
				tick = next.Index
			}
			if liquidity.Sign() < 0 {
				return SwapQuote{}, dexerr.StaleState(op, "negative liquidity after crossing tick %d", next.Index)
			}
		case sqrtPrice.Cmp(targetSqrt) == 0:
			tick = boundTick
			if aToB {
				tick = boundTick - 1
			}
		default:
			tick = tickFromSqrtPrice(sqrtPrice)
		}
	}

	if remaining.Sign() > 0 {
		return SwapQuote{}, dexerr.StaleState(op, "insufficient liquidity in fetched tick arrays, %s unfilled", remaining)
	}
	if totalOut.Sign() == 0 {
		return SwapQuote{}, dexerr.StaleState(op, "zero liquidity in traversed range")
	}

	// AmountIn is what the user spends, fee included.
	totalIn.Add(totalIn, totalFee)
	endSqrt := sdkmath.NewIntFromBigInt(sqrtPrice)
	return SwapQuote{
		AmountIn:        sdkmath.NewIntFromBigInt(totalIn),
		AmountOut:       sdkmath.NewIntFromBigInt(totalOut),
		Fee:             sdkmath.NewIntFromBigInt(totalFee),
		MinimumOut:      sdkmath.NewIntFromBigInt(applyBps(totalOut, slippageBps, false)),
		EndSqrtPriceX64: endSqrt,
		EndTick:         tick,
		EndPrice:        SqrtPriceX64ToPrice(endSqrt, pool.DecimalsA, pool.DecimalsB),
		AToB:            aToB,
		SlippageBps:     slippageBps,
	}, nil
}

// nextInitializedTick returns the next initialized tick in the swap
// direction: the greatest index <= current for a→b, the least index >
// current for b→a.
func nextInitializedTick(ticks []Tick, current int32, aToB bool) (Tick, bool) {
	if aToB {
		i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Index > current })
		if i == 0 {
			return Tick{}, false
		}
		return ticks[i-1], true
	}
	i := sort.Search(len(ticks), func(i int) bool { return ticks[i].Index > current })
	if i == len(ticks) {
		return Tick{}, false
	}
	return ticks[i], true
}

func withinBound(index, bound int32, aToB bool) bool {
	if aToB {
		return index >= bound
	}
	return index <= bound
}

func clampTick(t int32) int32 {
	if t < MinTick {
		return MinTick
	}
	if t > MaxTick {
		return MaxTick
	}
	return t
}

type stepResult struct {
	nextSqrtPrice *big.Int
	amountIn      *big.Int
	amountOut     *big.Int
	fee           *big.Int
}

func computeSwapStep(current, target, liquidity, remaining, feeRate *big.Int, aToB bool) stepResult {
	feeDenom := big.NewInt(FeeRateDenom)
	feeComplement := new(big.Int).Sub(feeDenom, feeRate)
	lessFee := mulDivFloor(remaining, feeComplement, feeDenom)

	var maxIn *big.Int
	if aToB {
		maxIn = amountADelta(target, current, liquidity, true)
	} else {
		maxIn = amountBDelta(current, target, liquidity, true)
	}

	next := target
	if lessFee.Cmp(maxIn) < 0 {
		next = nextSqrtPriceFromInput(current, liquidity, lessFee, aToB)
	}
	reached := next.Cmp(target) == 0

	var in, out *big.Int
	if aToB {
		in = maxIn
		if !reached {
			in = amountADelta(next, current, liquidity, true)
		}
		out = amountBDelta(next, current, liquidity, false)
	} else {
		in = maxIn
		if !reached {
			in = amountBDelta(current, next, liquidity, true)
		}
		out = amountADelta(current, next, liquidity, false)
	}

	var fee *big.Int
	if reached {
		fee = mulDivCeil(in, feeRate, feeComplement)
	} else {
		fee = new(big.Int).Sub(remaining, in)
	}
	if fee.Sign() < 0 {
		fee = new(big.Int)
	}
	return stepResult{nextSqrtPrice: next, amountIn: in, amountOut: out, fee: fee}
}
