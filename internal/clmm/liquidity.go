package clmm

import (
	"math/big"

	sdkmath "cosmossdk.io/math"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

var bigOne = big.NewInt(1)

func mulDivFloor(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, denom)
}

func mulDivCeil(a, b, denom *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	out.Add(out, denom)
	out.Sub(out, bigOne)
	return out.Quo(out, denom)
}

func sortSqrt(a, b *big.Int) (*big.Int, *big.Int) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// amountADelta is L * (sqrtB - sqrtA) / (sqrtA * sqrtB) with prices in Q64.64.
func amountADelta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	lo, hi := sortSqrt(sqrtA, sqrtB)
	if lo.Sign() == 0 {
		return new(big.Int)
	}
	num1 := new(big.Int).Lsh(liquidity, 64)
	num2 := new(big.Int).Sub(hi, lo)
	if roundUp {
		return mulDivCeil(mulDivCeil(num1, num2, hi), bigOne, lo)
	}
	out := mulDivFloor(num1, num2, hi)
	return out.Quo(out, lo)
}

// amountBDelta is L * (sqrtB - sqrtA) with prices in Q64.64.
func amountBDelta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	lo, hi := sortSqrt(sqrtA, sqrtB)
	diff := new(big.Int).Sub(hi, lo)
	if roundUp {
		return mulDivCeil(liquidity, diff, q64)
	}
	return mulDivFloor(liquidity, diff, q64)
}

// nextSqrtPriceFromInput moves the price by an input amount of A (price
// falls) or B (price rises). Rounding always keeps the pool whole.
func nextSqrtPriceFromInput(sqrtPrice, liquidity, amount *big.Int, aToB bool) *big.Int {
	if amount.Sign() == 0 {
		return new(big.Int).Set(sqrtPrice)
	}
	if aToB {
		num := new(big.Int).Lsh(liquidity, 64)
		den := new(big.Int).Mul(amount, sqrtPrice)
		den.Add(den, num)
		return mulDivCeil(num, sqrtPrice, den)
	}
	delta := new(big.Int).Lsh(amount, 64)
	delta.Quo(delta, liquidity)
	return delta.Add(delta, sqrtPrice)
}

// liquidityFromA returns the liquidity a given A amount buys between two
// sqrt prices.
func liquidityFromA(sqrtA, sqrtB, amountA *big.Int) *big.Int {
	lo, hi := sortSqrt(sqrtA, sqrtB)
	diff := new(big.Int).Sub(hi, lo)
	if diff.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Mul(amountA, lo)
	num.Mul(num, hi)
	den := new(big.Int).Lsh(diff, 64)
	return num.Quo(num, den)
}

// liquidityFromB returns the liquidity a given B amount buys between two
// sqrt prices.
func liquidityFromB(sqrtA, sqrtB, amountB *big.Int) *big.Int {
	lo, hi := sortSqrt(sqrtA, sqrtB)
	diff := new(big.Int).Sub(hi, lo)
	if diff.Sign() == 0 {
		return new(big.Int)
	}
	num := new(big.Int).Lsh(amountB, 64)
	return num.Quo(num, diff)
}

// TokenAmountsForLiquidity returns the A and B amounts backing liquidity over
// [sqrtLower, sqrtUpper] at the current sqrt price.
func TokenAmountsForLiquidity(sqrtCurrent, sqrtLower, sqrtUpper, liquidity sdkmath.Int, roundUp bool) (sdkmath.Int, sdkmath.Int, error) {
	if sqrtLower.GTE(sqrtUpper) {
		return sdkmath.Int{}, sdkmath.Int{}, dexerr.InvalidInput("token amounts", "lower sqrt price must be below upper")
	}
	a, b := tokenAmounts(sqrtCurrent.BigInt(), sqrtLower.BigInt(), sqrtUpper.BigInt(), liquidity.BigInt(), roundUp)
	return sdkmath.NewIntFromBigInt(a), sdkmath.NewIntFromBigInt(b), nil
}

func tokenAmounts(cur, lower, upper, liquidity *big.Int, roundUp bool) (*big.Int, *big.Int) {
	switch {
	case cur.Cmp(lower) < 0:
		return amountADelta(lower, upper, liquidity, roundUp), new(big.Int)
	case cur.Cmp(upper) >= 0:
		return new(big.Int), amountBDelta(lower, upper, liquidity, roundUp)
	default:
		return amountADelta(cur, upper, liquidity, roundUp), amountBDelta(lower, cur, liquidity, roundUp)
	}
}

func applyBps(amount *big.Int, bps uint16, up bool) *big.Int {
	if up {
		return mulDivCeil(amount, big.NewInt(int64(BpsDenom)+int64(bps)), big.NewInt(BpsDenom))
	}
	return mulDivFloor(amount, big.NewInt(int64(BpsDenom)-int64(bps)), big.NewInt(BpsDenom))
}

func fitsU64(v *big.Int) bool {
	return v.Sign() >= 0 && v.BitLen() <= 64
}

func fitsU128(v *big.Int) bool {
	return v.Sign() >= 0 && v.BitLen() <= 128
}
