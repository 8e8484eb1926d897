// Package clmm holds the pure concentrated-liquidity arithmetic used to
// predict what the Whirlpool program will do: tick and price conversion,
// liquidity/amount relations, and swap simulation over initialized ticks.
package clmm

import (
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

const (
	MinTick        int32 = -443636
	MaxTick        int32 = 443636
	TickArraySize  int32 = 88
	FeeRateDenom         = 1_000_000
	BpsDenom             = 10_000
	priceDecimals        = 18
	tickBitPrecise       = 14
)

var (
	MinSqrtPriceX64 = mustInt("4295048016")
	MaxSqrtPriceX64 = mustInt("79226673521066979257578248091")

	q64        = new(big.Int).Lsh(big.NewInt(1), 64)
	q128       = new(big.Int).Lsh(big.NewInt(1), 128)
	maxUint128 = new(big.Int).Sub(q128, big.NewInt(1))

	logB2X32          = big.NewInt(59543866431248)
	logBErrMarginLow  = mustBig("184467440737095516")
	logBErrMarginHigh = mustBig("15793534762490258745")

	// sqrt(1.0001^-(2^i)) in Q64.64, applied for each set bit of |tick|.
	tickRatios = []*big.Int{
		mustBig("18445821805675395072"),
		mustBig("18444899583751176192"),
		mustBig("18443055278223355904"),
		mustBig("18439367220385607680"),
		mustBig("18431993317065453568"),
		mustBig("18417254355718170624"),
		mustBig("18387811781193609216"),
		mustBig("18329067761203558400"),
		mustBig("18212142134806163456"),
		mustBig("17980523815641700352"),
		mustBig("17526086738831433728"),
		mustBig("16651378430235570176"),
		mustBig("15030750278694412288"),
		mustBig("12247334978884435968"),
		mustBig("8131365268886854656"),
		mustBig("3584323654725218816"),
		mustBig("696457651848324352"),
		mustBig("26294789957507116"),
		mustBig("37481735321082"),
	}
)

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("clmm: invalid constant %q", s))
	}
	return v
}

func mustInt(s string) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(mustBig(s))
}

// SqrtPriceX64FromTick returns sqrt(1.0001^tick) as a Q64.64 integer.
func SqrtPriceX64FromTick(tick int32) (sdkmath.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return sdkmath.Int{}, dexerr.InvalidInput("sqrt price from tick", "tick %d outside [%d, %d]", tick, MinTick, MaxTick)
	}
	return sdkmath.NewIntFromBigInt(sqrtPriceFromTick(tick)), nil
}

func sqrtPriceFromTick(tick int32) *big.Int {
	abs := int64(tick)
	if abs < 0 {
		abs = -abs
	}

	ratio := new(big.Int).Set(q64)
	for i, mul := range tickRatios {
		if abs&(1<<uint(i)) == 0 {
			continue
		}
		if i == 0 {
			ratio.Set(mul)
			continue
		}
		ratio.Mul(ratio, mul)
		ratio.Rsh(ratio, 64)
	}

	if tick > 0 {
		ratio = new(big.Int).Quo(maxUint128, ratio)
	}
	return ratio
}

// TickFromSqrtPriceX64 returns the greatest tick whose sqrt price is <= the
// given value.
func TickFromSqrtPriceX64(sqrtPriceX64 sdkmath.Int) (int32, error) {
	if sqrtPriceX64.IsNil() || sqrtPriceX64.GT(MaxSqrtPriceX64) || sqrtPriceX64.LT(MinSqrtPriceX64) {
		return 0, dexerr.InvalidInput("tick from sqrt price", "sqrt price outside supported range")
	}
	return tickFromSqrtPrice(sqrtPriceX64.BigInt()), nil
}

func tickFromSqrtPrice(sqrtPrice *big.Int) int32 {
	msb := sqrtPrice.BitLen() - 1
	log2IntegerX32 := new(big.Int).Lsh(big.NewInt(int64(msb-64)), 32)

	var r *big.Int
	if msb >= 64 {
		r = new(big.Int).Rsh(sqrtPrice, uint(msb-63))
	} else {
		r = new(big.Int).Lsh(sqrtPrice, uint(63-msb))
	}

	bit := new(big.Int).Lsh(big.NewInt(1), 63)
	fractionX64 := new(big.Int)
	for precision := 0; bit.Sign() > 0 && precision < tickBitPrecise; precision++ {
		r.Mul(r, r)
		more := new(big.Int).Rsh(r, 127)
		r.Rsh(r, uint(63+more.Int64()))
		fractionX64.Add(fractionX64, new(big.Int).Mul(bit, more))
		bit.Rsh(bit, 1)
	}

	log2X32 := new(big.Int).Add(log2IntegerX32, new(big.Int).Rsh(fractionX64, 32))
	logBX64 := new(big.Int).Mul(log2X32, logB2X32)

	// Rsh on a negative big.Int floors, matching the program's arithmetic shift.
	tickLow := new(big.Int).Rsh(new(big.Int).Sub(logBX64, logBErrMarginLow), 64).Int64()
	tickHigh := new(big.Int).Rsh(new(big.Int).Add(logBX64, logBErrMarginHigh), 64).Int64()
	if tickLow == tickHigh {
		return int32(tickLow)
	}
	if sqrtPriceFromTick(int32(tickHigh)).Cmp(sqrtPrice) <= 0 {
		return int32(tickHigh)
	}
	return int32(tickLow)
}

// PriceToSqrtPriceX64 converts a human price of token A denominated in token
// B into the program's Q64.64 sqrt price.
func PriceToSqrtPriceX64(price sdkmath.LegacyDec, decimalsA, decimalsB uint8) (sdkmath.Int, error) {
	if price.IsNil() || !price.IsPositive() {
		return sdkmath.Int{}, dexerr.InvalidInput("price to sqrt price", "price must be positive")
	}
	raw := price.Mul(pow10Dec(decimalsB)).Quo(pow10Dec(decimalsA))
	if !raw.IsPositive() {
		return sdkmath.Int{}, dexerr.InvalidInput("price to sqrt price", "price %s underflows at decimals %d/%d", price, decimalsA, decimalsB)
	}
	root, err := raw.ApproxSqrt()
	if err != nil {
		return sdkmath.Int{}, dexerr.InvalidInput("price to sqrt price", "sqrt: %v", err)
	}
	sqrtX64 := root.MulInt(sdkmath.NewIntFromBigInt(q64)).TruncateInt()
	if sqrtX64.LT(MinSqrtPriceX64) || sqrtX64.GT(MaxSqrtPriceX64) {
		return sdkmath.Int{}, dexerr.InvalidInput("price to sqrt price", "price %s outside supported range", price)
	}
	return sqrtX64, nil
}

// SqrtPriceX64ToPrice converts a Q64.64 sqrt price back into a human price
// with 18 decimal places.
func SqrtPriceX64ToPrice(sqrtPriceX64 sdkmath.Int, decimalsA, decimalsB uint8) sdkmath.LegacyDec {
	num := new(big.Int).Mul(sqrtPriceX64.BigInt(), sqrtPriceX64.BigInt())
	num.Mul(num, pow10Big(priceDecimals+int(decimalsA)))
	den := new(big.Int).Mul(q128, pow10Big(int(decimalsB)))
	num.Quo(num, den)
	return sdkmath.LegacyNewDecFromBigIntWithPrec(num, priceDecimals)
}

func PriceToTick(price sdkmath.LegacyDec, decimalsA, decimalsB uint8) (int32, error) {
	sqrtX64, err := PriceToSqrtPriceX64(price, decimalsA, decimalsB)
	if err != nil {
		return 0, err
	}
	return TickFromSqrtPriceX64(sqrtX64)
}

func TickToPrice(tick int32, decimalsA, decimalsB uint8) (sdkmath.LegacyDec, error) {
	sqrtX64, err := SqrtPriceX64FromTick(tick)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return SqrtPriceX64ToPrice(sqrtX64, decimalsA, decimalsB), nil
}

// RoundToInitializable floors tick onto the spacing grid. Negative ticks
// floor toward negative infinity, as the program does.
func RoundToInitializable(tick int32, spacing uint16) int32 {
	if spacing == 0 {
		return tick
	}
	s := int32(spacing)
	return floorDiv(tick, s) * s
}

// TickArrayStartIndex returns the first tick of the array containing tick.
func TickArrayStartIndex(tick int32, spacing uint16) int32 {
	if spacing == 0 {
		return 0
	}
	span := int32(spacing) * TickArraySize
	return floorDiv(tick, span) * span
}

// TickBounds returns the lowest and highest initializable ticks for spacing.
func TickBounds(spacing uint16) (int32, int32) {
	s := int32(spacing)
	if s == 0 {
		return MinTick, MaxTick
	}
	return -(-MinTick / s * s), MaxTick / s * s
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func pow10Big(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func pow10Dec(n uint8) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecFromBigInt(pow10Big(int(n)))
}
