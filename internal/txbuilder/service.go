package txbuilder

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"go.uber.org/zap"
	"lukechampine.com/uint128"

	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/clmm"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dexerr"
)

type Config struct {
	ComputeBudget ComputeBudget
	// Simulate runs every main transaction through the cluster before it is
	// returned.
	Simulate bool
}

type Service struct {
	client  chain.Client
	fetcher *dex.Fetcher
	quoter  *dex.Quoter
	cfg     Config
	logger  *zap.Logger
}

func NewService(client chain.Client, programs dex.Programs, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher := dex.NewFetcher(client, programs)
	return &Service{
		client:  client,
		fetcher: fetcher,
		quoter:  dex.NewQuoter(fetcher),
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Service) Quoter() *dex.Quoter { return s.quoter }

func (s *Service) programs() dex.Programs { return s.fetcher.Programs() }

type CreatePoolResult struct {
	Transaction      string
	Pool             solana.PublicKey
	MintA            solana.PublicKey
	MintB            solana.PublicKey
	TokenVaultA      solana.PublicKey
	TokenVaultB      solana.PublicKey
	FeeTier          solana.PublicKey
	InitialSqrtPrice sdkmath.Int
	InitialTick      int32
}

// CreatePool builds initialize_pool for the canonical ordering of the two
// mints. initialPrice is quoted as mintA in mintB as passed; it is inverted
// when the mints are reordered.
func (s *Service) CreatePool(ctx context.Context, user, mintA, mintB solana.PublicKey, tickSpacing uint16, initialPrice sdkmath.LegacyDec) (*CreatePoolResult, error) {
	const op = "create pool"
	if mintA.Equals(mintB) {
		return nil, dexerr.InvalidInput(op, "mints must differ")
	}
	if initialPrice.IsNil() || !initialPrice.IsPositive() {
		return nil, dexerr.InvalidInput(op, "initial price must be positive")
	}
	a, b, swapped := dex.CanonicalMints(mintA, mintB)
	price := initialPrice
	if swapped {
		price = sdkmath.LegacyOneDec().Quo(initialPrice)
	}

	feeTier, _, err := s.fetcher.GetFeeTier(ctx, tickSpacing)
	if err != nil {
		return nil, err
	}
	decimalsA, err := s.fetcher.MintDecimals(ctx, a)
	if err != nil {
		return nil, err
	}
	decimalsB, err := s.fetcher.MintDecimals(ctx, b)
	if err != nil {
		return nil, err
	}
	sqrtPrice, err := clmm.PriceToSqrtPriceX64(price, decimalsA, decimalsB)
	if err != nil {
		return nil, err
	}
	if sqrtPrice.BigInt().Cmp(dex.SwapMaxSqrtPrice.Big()) > 0 {
		return nil, dexerr.InvalidInput(op, "initial price %s above program bound", price)
	}
	tick, err := clmm.TickFromSqrtPriceX64(sqrtPrice)
	if err != nil {
		return nil, err
	}

	programs := s.programs()
	pool, bump, err := dex.DeriveWhirlpoolPDA(programs.Whirlpool, programs.WhirlpoolsConfig, a, b, tickSpacing)
	if err != nil {
		return nil, err
	}
	exists, err := s.fetcher.Exists(ctx, pool)
	if err != nil {
		return nil, err
	}
	if exists[0] {
		return nil, dexerr.StaleState(op, "pool %s already exists", pool)
	}

	vaultA := solana.NewWallet().PrivateKey
	vaultB := solana.NewWallet().PrivateKey
	ix, err := dex.NewInitializePoolInstruction(programs.Whirlpool, dex.InitializePoolAccounts{
		WhirlpoolsConfig: programs.WhirlpoolsConfig,
		TokenMintA:       a,
		TokenMintB:       b,
		Funder:           user,
		Whirlpool:        pool,
		TokenVaultA:      vaultA.PublicKey(),
		TokenVaultB:      vaultB.PublicKey(),
		FeeTier:          feeTier,
	}, bump, tickSpacing, uint128.FromBig(sqrtPrice.BigInt()))
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, op, err)
	}

	builder := NewBuilder(user, s.cfg.ComputeBudget)
	if err := builder.Add(StageInitialization, ix); err != nil {
		return nil, err
	}
	for _, key := range []solana.PrivateKey{vaultA, vaultB} {
		if err := builder.AddSigner(key); err != nil {
			return nil, err
		}
	}
	encoded, err := s.finish(ctx, op, builder)
	if err != nil {
		return nil, err
	}

	s.logger.Info("create pool transaction built",
		zap.Stringer("pool", pool),
		zap.Stringer("user", user),
		zap.Uint16("tick_spacing", tickSpacing),
		zap.Int32("initial_tick", tick),
	)
	return &CreatePoolResult{
		Transaction:      encoded,
		Pool:             pool,
		MintA:            a,
		MintB:            b,
		TokenVaultA:      vaultA.PublicKey(),
		TokenVaultB:      vaultB.PublicKey(),
		FeeTier:          feeTier,
		InitialSqrtPrice: sqrtPrice,
		InitialTick:      tick,
	}, nil
}

type OpenPositionResult struct {
	SetupTransactions    []string
	Transaction          string
	Position             solana.PublicKey
	PositionMint         solana.PublicKey
	PositionTokenAccount solana.PublicKey
	TickArrayLower       solana.PublicKey
	TickArrayUpper       solana.PublicKey
	Quote                *dex.LiquidityQuote
}

// OpenPosition quotes a single-sided deposit over [priceLower, priceUpper],
// returns a setup transaction when a bounding tick array is not yet
// initialized, and a main transaction opening the position and adding
// liquidity.
func (s *Service) OpenPosition(ctx context.Context, user, pool solana.PublicKey, priceLower, priceUpper sdkmath.LegacyDec, inputMint solana.PublicKey, amount sdkmath.Int, slippageBps uint16) (*OpenPositionResult, error) {
	const op = "open position"
	quote, err := s.quoter.QuoteLiquidityByPrice(ctx, pool, inputMint, amount, priceLower, priceUpper, slippageBps)
	if err != nil {
		return nil, err
	}
	whirlpool := quote.Pool
	programs := s.programs()
	spacing := whirlpool.TickSpacing

	lowerStart := clmm.TickArrayStartIndex(quote.Quote.TickLower, spacing)
	upperStart := clmm.TickArrayStartIndex(quote.Quote.TickUpper, spacing)
	lowerArray, _, err := dex.DeriveTickArrayPDA(programs.Whirlpool, pool, lowerStart)
	if err != nil {
		return nil, err
	}
	upperArray, _, err := dex.DeriveTickArrayPDA(programs.Whirlpool, pool, upperStart)
	if err != nil {
		return nil, err
	}

	result := &OpenPositionResult{TickArrayLower: lowerArray, TickArrayUpper: upperArray, Quote: quote}

	setup, err := s.tickArraySetup(ctx, user, pool, []int32{lowerStart, upperStart}, []solana.PublicKey{lowerArray, upperArray})
	if err != nil {
		return nil, err
	}
	if setup != "" {
		result.SetupTransactions = append(result.SetupTransactions, setup)
	}

	positionMint := solana.NewWallet().PrivateKey
	position, positionBump, err := dex.DerivePositionPDA(programs.Whirlpool, positionMint.PublicKey())
	if err != nil {
		return nil, err
	}
	positionATA, _, err := solana.FindAssociatedTokenAddress(user, positionMint.PublicKey())
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, op, err)
	}

	builder := NewBuilder(user, s.cfg.ComputeBudget)
	ownerA, ownerB, err := s.ensureTokenAccounts(ctx, builder, user, whirlpool.TokenMintA, whirlpool.TokenMintB)
	if err != nil {
		return nil, err
	}

	openIx, err := dex.NewOpenPositionInstruction(programs.Whirlpool, dex.OpenPositionAccounts{
		Funder:               user,
		Owner:                user,
		Position:             position,
		PositionMint:         positionMint.PublicKey(),
		PositionTokenAccount: positionATA,
		Whirlpool:            pool,
	}, positionBump, quote.Quote.TickLower, quote.Quote.TickUpper)
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, op, err)
	}

	maxA, err := toU64(op, "token max a", quote.Quote.TokenMaxA)
	if err != nil {
		return nil, err
	}
	maxB, err := toU64(op, "token max b", quote.Quote.TokenMaxB)
	if err != nil {
		return nil, err
	}
	increaseIx, err := dex.NewIncreaseLiquidityInstruction(programs.Whirlpool, dex.IncreaseLiquidityAccounts{
		Whirlpool:            pool,
		PositionAuthority:    user,
		Position:             position,
		PositionTokenAccount: positionATA,
		TokenOwnerAccountA:   ownerA,
		TokenOwnerAccountB:   ownerB,
		TokenVaultA:          whirlpool.TokenVaultA,
		TokenVaultB:          whirlpool.TokenVaultB,
		TickArrayLower:       lowerArray,
		TickArrayUpper:       upperArray,
	}, uint128.FromBig(quote.Quote.Liquidity.BigInt()), maxA, maxB)
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, op, err)
	}

	if err := builder.Add(StageMain, increaseIx); err != nil {
		return nil, err
	}
	if err := builder.Add(StageInitialization, openIx); err != nil {
		return nil, err
	}
	if err := builder.AddSigner(positionMint); err != nil {
		return nil, err
	}
	// The main transaction depends on the setup one having landed, so it is
	// not simulated when setup is pending.
	encoded, err := s.finishWith(ctx, op, builder, len(result.SetupTransactions) == 0)
	if err != nil {
		return nil, err
	}

	result.Transaction = encoded
	result.Position = position
	result.PositionMint = positionMint.PublicKey()
	result.PositionTokenAccount = positionATA

	s.logger.Info("open position transaction built",
		zap.Stringer("pool", pool),
		zap.Stringer("user", user),
		zap.Stringer("position", position),
		zap.Int32("tick_lower", quote.Quote.TickLower),
		zap.Int32("tick_upper", quote.Quote.TickUpper),
		zap.Int("setup_transactions", len(result.SetupTransactions)),
	)
	return result, nil
}

type SwapResult struct {
	Transaction string
	Pool        solana.PublicKey
	TokenIn     solana.PublicKey
	TokenOut    solana.PublicKey
	TickArrays  [3]solana.PublicKey
	Oracle      solana.PublicKey
	Quote       *dex.SwapQuote
}

// Swap builds an exact-input swap. Missing user token accounts are created
// in the same transaction.
func (s *Service) Swap(ctx context.Context, user, pool solana.PublicKey, amount sdkmath.Int, aToB bool, slippageBps uint16) (*SwapResult, error) {
	const op = "swap"
	quote, err := s.quoter.QuoteSwap(ctx, pool, amount, aToB, slippageBps)
	if err != nil {
		return nil, err
	}
	whirlpool := quote.Pool
	programs := s.programs()

	oracle, _, err := dex.DeriveOraclePDA(programs.Whirlpool, pool)
	if err != nil {
		return nil, err
	}

	builder := NewBuilder(user, s.cfg.ComputeBudget)
	ownerA, ownerB, err := s.ensureTokenAccounts(ctx, builder, user, whirlpool.TokenMintA, whirlpool.TokenMintB)
	if err != nil {
		return nil, err
	}

	amountIn, err := toU64(op, "amount", amount)
	if err != nil {
		return nil, err
	}
	minOut, err := toU64(op, "minimum out", quote.Quote.MinimumOut)
	if err != nil {
		return nil, err
	}
	limit := dex.SwapMaxSqrtPrice
	if aToB {
		limit = dex.SwapMinSqrtPrice
	}
	ix, err := dex.NewSwapInstruction(programs.Whirlpool, dex.SwapAccounts{
		TokenAuthority:     user,
		Whirlpool:          pool,
		TokenOwnerAccountA: ownerA,
		TokenVaultA:        whirlpool.TokenVaultA,
		TokenOwnerAccountB: ownerB,
		TokenVaultB:        whirlpool.TokenVaultB,
		TickArrays:         quote.TickArrays,
		Oracle:             oracle,
	}, dex.SwapArgs{
		Amount:                 amountIn,
		OtherAmountThreshold:   minOut,
		SqrtPriceLimit:         limit,
		AmountSpecifiedIsInput: true,
		AToB:                   aToB,
	})
	if err != nil {
		return nil, dexerr.New(dexerr.ErrDerivation, op, err)
	}
	if err := builder.Add(StageMain, ix); err != nil {
		return nil, err
	}
	encoded, err := s.finish(ctx, op, builder)
	if err != nil {
		return nil, err
	}

	tokenIn, tokenOut := whirlpool.TokenMintA, whirlpool.TokenMintB
	if !aToB {
		tokenIn, tokenOut = tokenOut, tokenIn
	}
	s.logger.Info("swap transaction built",
		zap.Stringer("pool", pool),
		zap.Stringer("user", user),
		zap.Bool("a_to_b", aToB),
		zap.String("amount_in", amount.String()),
		zap.String("minimum_out", quote.Quote.MinimumOut.String()),
	)
	return &SwapResult{
		Transaction: encoded,
		Pool:        pool,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		TickArrays:  quote.TickArrays,
		Oracle:      oracle,
		Quote:       quote,
	}, nil
}

// tickArraySetup returns a serialized initialize_tick_array transaction for
// the given arrays that do not exist yet, or "" when all exist.
func (s *Service) tickArraySetup(ctx context.Context, user, pool solana.PublicKey, starts []int32, addrs []solana.PublicKey) (string, error) {
	exists, err := s.fetcher.Exists(ctx, addrs...)
	if err != nil {
		return "", err
	}
	builder := NewBuilder(user, s.cfg.ComputeBudget)
	seen := make(map[solana.PublicKey]bool, len(addrs))
	added := 0
	for i, addr := range addrs {
		if exists[i] || seen[addr] {
			continue
		}
		seen[addr] = true
		ix, err := dex.NewInitializeTickArrayInstruction(s.programs().Whirlpool, pool, user, addr, starts[i])
		if err != nil {
			return "", dexerr.New(dexerr.ErrDerivation, "initialize tick array", err)
		}
		if err := builder.Add(StageInitialization, ix); err != nil {
			return "", err
		}
		added++
	}
	if added == 0 {
		return "", nil
	}
	return s.finish(ctx, "tick array setup", builder)
}

// ensureTokenAccounts returns the user's associated token accounts for both
// mints, adding creation instructions for any that are missing.
func (s *Service) ensureTokenAccounts(ctx context.Context, builder *Builder, user solana.PublicKey, mints ...solana.PublicKey) (solana.PublicKey, solana.PublicKey, error) {
	atas := make([]solana.PublicKey, len(mints))
	for i, mint := range mints {
		ata, _, err := solana.FindAssociatedTokenAddress(user, mint)
		if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, dexerr.New(dexerr.ErrDerivation, "token account", err)
		}
		atas[i] = ata
	}
	exists, err := s.fetcher.Exists(ctx, atas...)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	for i, ok := range exists {
		if ok {
			continue
		}
		ix, err := associatedtokenaccount.NewCreateInstruction(user, user, mints[i]).ValidateAndBuild()
		if err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, dexerr.New(dexerr.ErrDerivation, "create token account", err)
		}
		if err := builder.Add(StageAccountCreation, ix); err != nil {
			return solana.PublicKey{}, solana.PublicKey{}, err
		}
	}
	return atas[0], atas[1], nil
}

func (s *Service) finish(ctx context.Context, op string, builder *Builder) (string, error) {
	return s.finishWith(ctx, op, builder, true)
}

func (s *Service) finishWith(ctx context.Context, op string, builder *Builder, simulate bool) (string, error) {
	if err := builder.Assemble(); err != nil {
		return "", err
	}
	if err := builder.PartialSign(ctx, s.client); err != nil {
		return "", err
	}
	if s.cfg.Simulate && simulate {
		tx, err := builder.Transaction()
		if err != nil {
			return "", err
		}
		sim, err := s.client.SimulateTransaction(ctx, tx)
		if err != nil {
			return "", err
		}
		if sim.Err != nil {
			return "", dexerr.Simulation(op, fmt.Errorf("simulation failed: %v", sim.Err), sim.Logs)
		}
	}
	return builder.Serialize()
}

func toU64(op, field string, v sdkmath.Int) (uint64, error) {
	if v.IsNil() || v.IsNegative() || !v.IsUint64() {
		return 0, dexerr.InvalidInput(op, "%s %s does not fit in u64", field, v)
	}
	return v.Uint64(), nil
}
