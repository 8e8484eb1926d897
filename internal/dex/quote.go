package dex

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/clmm/backend/internal/clmm"
)

// Quoter prices swaps and deposits against freshly fetched pool state.
type Quoter struct {
	fetcher *Fetcher
}

func NewQuoter(fetcher *Fetcher) *Quoter {
	return &Quoter{fetcher: fetcher}
}

type PoolSnapshot struct {
	Pool      *Whirlpool
	DecimalsA uint8
	DecimalsB uint8
}

func (s *PoolSnapshot) State() clmm.PoolState {
	return s.Pool.State(s.DecimalsA, s.DecimalsB)
}

func (s *PoolSnapshot) Price() sdkmath.LegacyDec {
	return clmm.SqrtPriceX64ToPrice(s.State().SqrtPriceX64, s.DecimalsA, s.DecimalsB)
}

type SwapQuote struct {
	PoolSnapshot
	Quote      clmm.SwapQuote
	TickArrays [3]solana.PublicKey
}

type LiquidityQuote struct {
	PoolSnapshot
	Quote    clmm.LiquidityQuote
	InputIsA bool
}

// Snapshot fetches the pool and both mints' decimals.
func (q *Quoter) Snapshot(ctx context.Context, pool solana.PublicKey) (*PoolSnapshot, error) {
	whirlpool, err := q.fetcher.GetPool(ctx, pool)
	if err != nil {
		return nil, err
	}
	decimalsA, err := q.fetcher.MintDecimals(ctx, whirlpool.TokenMintA)
	if err != nil {
		return nil, err
	}
	decimalsB, err := q.fetcher.MintDecimals(ctx, whirlpool.TokenMintB)
	if err != nil {
		return nil, err
	}
	return &PoolSnapshot{Pool: whirlpool, DecimalsA: decimalsA, DecimalsB: decimalsB}, nil
}

func (q *Quoter) QuoteSwap(ctx context.Context, pool solana.PublicKey, amount sdkmath.Int, aToB bool, slippageBps uint16) (*SwapQuote, error) {
	snap, err := q.Snapshot(ctx, pool)
	if err != nil {
		return nil, err
	}
	arrays, window, err := q.fetcher.SwapTickArrays(ctx, snap.Pool, aToB)
	if err != nil {
		return nil, err
	}
	quote, err := clmm.QuoteSwap(snap.State(), window, amount, aToB, slippageBps)
	if err != nil {
		return nil, err
	}
	return &SwapQuote{PoolSnapshot: *snap, Quote: quote, TickArrays: arrays}, nil
}

func (q *Quoter) QuoteLiquidity(ctx context.Context, pool, inputMint solana.PublicKey, amount sdkmath.Int, tickLower, tickUpper int32, slippageBps uint16) (*LiquidityQuote, error) {
	snap, err := q.Snapshot(ctx, pool)
	if err != nil {
		return nil, err
	}
	return quoteLiquidityOn(snap, inputMint, amount, tickLower, tickUpper, slippageBps)
}

// QuoteLiquidityByPrice converts a human price range to initializable ticks
// before quoting.
func (q *Quoter) QuoteLiquidityByPrice(ctx context.Context, pool, inputMint solana.PublicKey, amount sdkmath.Int, priceLower, priceUpper sdkmath.LegacyDec, slippageBps uint16) (*LiquidityQuote, error) {
	snap, err := q.Snapshot(ctx, pool)
	if err != nil {
		return nil, err
	}
	lower, upper, err := TickRange(priceLower, priceUpper, snap.DecimalsA, snap.DecimalsB, snap.Pool.TickSpacing)
	if err != nil {
		return nil, err
	}
	return quoteLiquidityOn(snap, inputMint, amount, lower, upper, slippageBps)
}

func quoteLiquidityOn(snap *PoolSnapshot, inputMint solana.PublicKey, amount sdkmath.Int, tickLower, tickUpper int32, slippageBps uint16) (*LiquidityQuote, error) {
	inputIsA, err := snap.Pool.Direction(inputMint)
	if err != nil {
		return nil, err
	}
	quote, err := clmm.QuoteLiquidity(snap.State(), inputIsA, amount, tickLower, tickUpper, slippageBps)
	if err != nil {
		return nil, err
	}
	return &LiquidityQuote{PoolSnapshot: *snap, Quote: quote, InputIsA: inputIsA}, nil
}

// TickRange maps a price range onto initializable ticks, flooring both ends.
func TickRange(priceLower, priceUpper sdkmath.LegacyDec, decimalsA, decimalsB uint8, spacing uint16) (int32, int32, error) {
	lower, err := clmm.PriceToTick(priceLower, decimalsA, decimalsB)
	if err != nil {
		return 0, 0, err
	}
	upper, err := clmm.PriceToTick(priceUpper, decimalsA, decimalsB)
	if err != nil {
		return 0, 0, err
	}
	return clmm.RoundToInitializable(lower, spacing), clmm.RoundToInitializable(upper, spacing), nil
}
