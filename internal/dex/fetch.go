package dex

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/clmm"
	"github.com/coldbell/clmm/backend/internal/dexerr"
)

// Fetcher reads and decodes program accounts. It never caches: every call
// goes to the chain client.
type Fetcher struct {
	client   chain.Client
	programs Programs
}

func NewFetcher(client chain.Client, programs Programs) *Fetcher {
	return &Fetcher{client: client, programs: programs}
}

func (f *Fetcher) Programs() Programs { return f.programs }

func (f *Fetcher) Client() chain.Client { return f.client }

func (f *Fetcher) GetPool(ctx context.Context, address solana.PublicKey) (*Whirlpool, error) {
	acc, err := f.client.GetAccount(ctx, address)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, dexerr.StaleState("get pool", "pool %s not found", address)
		}
		return nil, dexerr.Classify("get pool", err)
	}
	if !acc.Owner.Equals(f.programs.Whirlpool) {
		return nil, dexerr.StaleState("get pool", "account %s is not owned by the whirlpool program", address)
	}
	pool, err := DecodeWhirlpool(address, acc.Data)
	if err != nil {
		return nil, dexerr.StaleState("get pool", "%v", err)
	}
	return pool, nil
}

func (f *Fetcher) GetTickArray(ctx context.Context, address solana.PublicKey) (*TickArray, error) {
	acc, err := f.client.GetAccount(ctx, address)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, dexerr.StaleState("get tick array", "tick array %s not found", address)
		}
		return nil, dexerr.Classify("get tick array", err)
	}
	arr, err := DecodeTickArray(address, acc.Data)
	if err != nil {
		return nil, dexerr.StaleState("get tick array", "%v", err)
	}
	return arr, nil
}

func (f *Fetcher) GetConfig(ctx context.Context) (*WhirlpoolsConfig, error) {
	acc, err := f.client.GetAccount(ctx, f.programs.WhirlpoolsConfig)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, dexerr.Derivation("get config", "whirlpools config %s not found", f.programs.WhirlpoolsConfig)
		}
		return nil, dexerr.Classify("get config", err)
	}
	cfg, err := DecodeWhirlpoolsConfig(acc.Data)
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, "get config", err)
	}
	return cfg, nil
}

func (f *Fetcher) GetFeeTier(ctx context.Context, tickSpacing uint16) (solana.PublicKey, *FeeTier, error) {
	address, _, err := DeriveFeeTierPDA(f.programs.Whirlpool, f.programs.WhirlpoolsConfig, tickSpacing)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	acc, err := f.client.GetAccount(ctx, address)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return address, nil, dexerr.InvalidInput("get fee tier", "no fee tier for tick spacing %d", tickSpacing)
		}
		return address, nil, dexerr.Classify("get fee tier", err)
	}
	ft, err := DecodeFeeTier(acc.Data)
	if err != nil {
		return address, nil, dexerr.StaleState("get fee tier", "%v", err)
	}
	return address, ft, nil
}

// MintDecimals reads decimals from the SPL mint account.
func (f *Fetcher) MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	acc, err := f.client.GetAccount(ctx, mint)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return 0, dexerr.InvalidInput("mint decimals", "mint %s not found", mint)
		}
		return 0, dexerr.Classify("mint decimals", err)
	}
	decimals, err := MintDecimals(acc.Data)
	if err != nil {
		return 0, dexerr.InvalidInput("mint decimals", "%s: %v", mint, err)
	}
	return decimals, nil
}

// Exists reports, per address, whether an account is present.
func (f *Fetcher) Exists(ctx context.Context, addresses ...solana.PublicKey) ([]bool, error) {
	accs, err := f.client.GetMultipleAccounts(ctx, addresses...)
	if err != nil {
		return nil, dexerr.Classify("check accounts", err)
	}
	out := make([]bool, len(addresses))
	for i := range addresses {
		out[i] = i < len(accs) && accs[i] != nil
	}
	return out, nil
}

func (f *Fetcher) GetPresale(ctx context.Context, address solana.PublicKey) (*PresaleAccount, error) {
	acc, err := f.client.GetAccount(ctx, address)
	if err != nil {
		if errors.Is(err, chain.ErrAccountNotFound) {
			return nil, dexerr.StaleState("get presale", "presale %s not found", address)
		}
		return nil, dexerr.Classify("get presale", err)
	}
	p, err := DecodePresaleAccount(acc.Data)
	if err != nil {
		return nil, dexerr.StaleState("get presale", "%v", err)
	}
	return p, nil
}

// SwapTickArrays returns the three tick array addresses a swap from the
// pool's current tick passes to the program, and the quote window formed by
// the consecutive arrays that exist. Missing trailing arrays repeat the last
// existing address.
func (f *Fetcher) SwapTickArrays(ctx context.Context, pool *Whirlpool, aToB bool) ([3]solana.PublicKey, clmm.TickWindow, error) {
	var addrs [3]solana.PublicKey
	spacing := pool.TickSpacing
	span := int32(spacing) * clmm.TickArraySize

	shift := int32(0)
	if !aToB {
		shift = int32(spacing)
	}
	first := clmm.TickArrayStartIndex(pool.TickCurrentIndex+shift, spacing)

	lowest, highest := clmm.TickBounds(spacing)
	starts := make([]int32, 0, 3)
	for i := int32(0); i < 3; i++ {
		start := first + i*span
		if aToB {
			start = first - i*span
		}
		if start+span <= lowest || start > highest {
			break
		}
		starts = append(starts, start)
	}
	if len(starts) == 0 {
		return addrs, clmm.TickWindow{}, dexerr.StaleState("swap tick arrays", "pool tick %d has no tick array", pool.TickCurrentIndex)
	}

	derived := make([]solana.PublicKey, len(starts))
	for i, start := range starts {
		addr, _, err := DeriveTickArrayPDA(f.programs.Whirlpool, pool.Address, start)
		if err != nil {
			return addrs, clmm.TickWindow{}, err
		}
		derived[i] = addr
	}

	accs, err := f.client.GetMultipleAccounts(ctx, derived...)
	if err != nil {
		return addrs, clmm.TickWindow{}, dexerr.Classify("swap tick arrays", err)
	}

	window := clmm.TickWindow{}
	loaded := 0
	for i, acc := range accs {
		if acc == nil {
			break
		}
		arr, err := DecodeTickArray(derived[i], acc.Data)
		if err != nil {
			return addrs, clmm.TickWindow{}, dexerr.StaleState("swap tick arrays", "%v", err)
		}
		window.Ticks = append(window.Ticks, arr.InitializedTicks(spacing)...)
		loaded++
	}
	if loaded == 0 {
		return addrs, clmm.TickWindow{}, dexerr.StaleState("swap tick arrays", "tick array at %d is not initialized", starts[0])
	}

	if aToB {
		window.Upper = starts[0] + span
		window.Lower = starts[loaded-1]
	} else {
		window.Lower = starts[0]
		window.Upper = starts[loaded-1] + span
	}
	if window.Lower < clmm.MinTick {
		window.Lower = clmm.MinTick
	}
	if window.Upper > clmm.MaxTick {
		window.Upper = clmm.MaxTick
	}

	for i := range addrs {
		if i < loaded {
			addrs[i] = derived[i]
		} else {
			addrs[i] = derived[loaded-1]
		}
	}
	return addrs, window, nil
}

// Direction reports whether input is token A of pool.
func (w *Whirlpool) Direction(inputMint solana.PublicKey) (bool, error) {
	switch {
	case inputMint.Equals(w.TokenMintA):
		return true, nil
	case inputMint.Equals(w.TokenMintB):
		return false, nil
	default:
		return false, dexerr.InvalidInput("swap direction", "%s is not a mint of pool %s", inputMint, w.Address)
	}
}

func (w *Whirlpool) String() string {
	return fmt.Sprintf("whirlpool %s (%s/%s, spacing %d)", w.Address, w.TokenMintA, w.TokenMintB, w.TickSpacing)
}
