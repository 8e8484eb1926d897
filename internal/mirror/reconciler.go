package mirror

import (
	"context"
	"errors"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/events"
)

// MintReader reads SPL mint decimals from the chain.
type MintReader interface {
	MintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error)
}

type Reconciler struct {
	store     Store
	mints     MintReader
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewReconciler(store Store, mints MintReader, publisher events.Publisher, logger *zap.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		mints:     mints,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Store() Store { return r.store }

// TokenMeta is optional caller-supplied token metadata. Decimals default to
// the on-chain mint.
type TokenMeta struct {
	Symbol   string
	Name     string
	Decimals *uint8
}

type PoolCreation struct {
	MintA       solana.PublicKey
	MintB       solana.PublicKey
	TokenA      TokenMeta
	TokenB      TokenMeta
	Pool        solana.PublicKey
	LpMint      string
	TickSpacing uint16
}

// RecordPoolCreation mirrors a created pool. A pool already recorded by
// address or by (mint pair, spacing) is a conflict.
func (r *Reconciler) RecordPoolCreation(ctx context.Context, in PoolCreation) (Pool, error) {
	const op = "record pool creation"
	if in.MintA.Equals(in.MintB) {
		return Pool{}, dexerr.InvalidInput(op, "mints must differ")
	}
	if in.TickSpacing == 0 {
		return Pool{}, dexerr.InvalidInput(op, "tick spacing must be positive")
	}
	mintA, mintB, swapped := dex.CanonicalMints(in.MintA, in.MintB)
	metaA, metaB := in.TokenA, in.TokenB
	if swapped {
		metaA, metaB = metaB, metaA
	}
	if _, err := r.ensureToken(ctx, mintA, metaA); err != nil {
		return Pool{}, err
	}
	if _, err := r.ensureToken(ctx, mintB, metaB); err != nil {
		return Pool{}, err
	}

	pool := Pool{
		Address:     in.Pool.String(),
		MintA:       mintA.String(),
		MintB:       mintB.String(),
		TickSpacing: in.TickSpacing,
		LpMint:      in.LpMint,
		TVLA:        sdkmath.ZeroInt(),
		TVLB:        sdkmath.ZeroInt(),
		VolumeA:     sdkmath.ZeroInt(),
		VolumeB:     sdkmath.ZeroInt(),
		CreatedAt:   r.now(),
	}
	if err := r.store.InsertPool(ctx, pool); err != nil {
		return Pool{}, err
	}
	r.publish(ctx, events.TypePoolCreated, pool.Address, pool)
	return pool, nil
}

func (r *Reconciler) ensureToken(ctx context.Context, mint solana.PublicKey, meta TokenMeta) (Token, error) {
	existing, err := r.store.GetToken(ctx, mint.String())
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Token{}, err
	}
	var decimals uint8
	if meta.Decimals != nil {
		decimals = *meta.Decimals
	} else {
		if r.mints == nil {
			return Token{}, dexerr.Derivation("ensure token", "no mint reader configured for %s", mint)
		}
		decimals, err = r.mints.MintDecimals(ctx, mint)
		if err != nil {
			return Token{}, err
		}
	}
	return r.store.EnsureToken(ctx, Token{Mint: mint.String(), Symbol: meta.Symbol, Name: meta.Name, Decimals: decimals})
}

type SwapRecord struct {
	Pool      solana.PublicKey
	User      solana.PublicKey
	TokenIn   solana.PublicKey
	TokenOut  solana.PublicKey
	AmountIn  sdkmath.Int
	AmountOut sdkmath.Int
	TxHash    string
}

// RecordSwap stores a landed swap once per transaction hash and accrues pool
// volume. A replay returns a conflict.
func (r *Reconciler) RecordSwap(ctx context.Context, in SwapRecord) (Swap, error) {
	const op = "record swap"
	if in.TxHash == "" {
		return Swap{}, dexerr.InvalidInput(op, "tx hash is required")
	}
	if !isNonNegative(in.AmountIn) || !isNonNegative(in.AmountOut) {
		return Swap{}, dexerr.InvalidInput(op, "amounts must be non-negative")
	}
	pool, err := r.store.GetPool(ctx, in.Pool.String())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Swap{}, dexerr.StaleState(op, "pool %s is not mirrored", in.Pool)
		}
		return Swap{}, err
	}
	var volumeA, volumeB sdkmath.Int
	switch {
	case in.TokenIn.String() == pool.MintA && in.TokenOut.String() == pool.MintB:
		volumeA, volumeB = in.AmountIn, in.AmountOut
	case in.TokenIn.String() == pool.MintB && in.TokenOut.String() == pool.MintA:
		volumeA, volumeB = in.AmountOut, in.AmountIn
	default:
		return Swap{}, dexerr.InvalidInput(op, "tokens do not match pool %s", pool.Address)
	}

	swap := Swap{
		TxHash:     in.TxHash,
		Pool:       pool.Address,
		UserWallet: in.User.String(),
		TokenIn:    in.TokenIn.String(),
		TokenOut:   in.TokenOut.String(),
		AmountIn:   in.AmountIn,
		AmountOut:  in.AmountOut,
		CreatedAt:  r.now(),
	}
	if err := r.store.InsertSwap(ctx, swap); err != nil {
		return Swap{}, err
	}
	if err := r.store.AddPoolVolume(ctx, pool.Address, volumeA, volumeB); err != nil {
		// The swap row is the idempotency key; volume is a derived metric.
		r.logger.Warn("accrue pool volume failed",
			zap.String("pool", pool.Address),
			zap.String("tx_hash", in.TxHash),
			zap.Error(err),
		)
	}
	r.publish(ctx, events.TypeSwapRecorded, pool.Address, swap)
	return swap, nil
}

// UpsertLiquidityPosition merges the deltas into the single (user, pool) row.
func (r *Reconciler) UpsertLiquidityPosition(ctx context.Context, user, pool solana.PublicKey, deltaA, deltaB, deltaLp sdkmath.Int) (Position, error) {
	delta := PositionDelta{
		ID:         uuid.NewString(),
		UserWallet: user.String(),
		Pool:       pool.String(),
		DeltaA:     zeroIfNil(deltaA),
		DeltaB:     zeroIfNil(deltaB),
		DeltaLp:    zeroIfNil(deltaLp),
	}
	pos, err := r.store.UpsertPosition(ctx, delta)
	if err != nil {
		return Position{}, err
	}
	if err := r.store.AddPoolTVL(ctx, delta.Pool, delta.DeltaA, delta.DeltaB); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("accrue pool tvl failed", zap.String("pool", delta.Pool), zap.Error(err))
	}
	r.publish(ctx, events.TypePositionUpserted, pos.Pool, pos)
	return pos, nil
}

type NewPresale struct {
	Address   solana.PublicKey
	TokenMint solana.PublicKey
	Price     sdkmath.LegacyDec
	HardCap   sdkmath.Int
	StartTime time.Time
	EndTime   time.Time
}

func (r *Reconciler) CreatePresale(ctx context.Context, in NewPresale) (Presale, error) {
	const op = "create presale"
	if !in.EndTime.After(in.StartTime) {
		return Presale{}, dexerr.InvalidInput(op, "end time must be after start time")
	}
	if in.Price.IsNil() || !in.Price.IsPositive() {
		return Presale{}, dexerr.InvalidInput(op, "price must be positive")
	}
	if in.HardCap.IsNil() || !in.HardCap.IsPositive() {
		return Presale{}, dexerr.InvalidInput(op, "hard cap must be positive")
	}
	presale := Presale{
		ID:          uuid.NewString(),
		Address:     in.Address.String(),
		TokenMint:   in.TokenMint.String(),
		Price:       in.Price,
		HardCap:     in.HardCap,
		TotalRaised: sdkmath.ZeroInt(),
		StartTime:   in.StartTime.UTC(),
		EndTime:     in.EndTime.UTC(),
		Status:      PresaleActive,
		CreatedAt:   r.now(),
	}
	if err := r.store.InsertPresale(ctx, presale); err != nil {
		return Presale{}, err
	}
	r.publish(ctx, events.TypePresaleCreated, presale.ID, presale)
	return presale, nil
}

func (r *Reconciler) RecordContribution(ctx context.Context, presaleID string, wallet solana.PublicKey, amount sdkmath.Int, txHash string) (Presale, error) {
	const op = "record contribution"
	if txHash == "" {
		return Presale{}, dexerr.InvalidInput(op, "tx hash is required")
	}
	if amount.IsNil() || !amount.IsPositive() {
		return Presale{}, dexerr.InvalidInput(op, "amount must be positive")
	}
	c := Contribution{
		PresaleID: presaleID,
		Wallet:    wallet.String(),
		Amount:    amount,
		TxHash:    txHash,
		CreatedAt: r.now(),
	}
	presale, err := r.store.AddContribution(ctx, c)
	if err != nil {
		return Presale{}, err
	}
	r.publish(ctx, events.TypeContribution, presale.ID, c)
	return presale, nil
}

// FinalizePresale marks the row finalized and completed.
func (r *Reconciler) FinalizePresale(ctx context.Context, id string, result FinalizeResult) (Presale, error) {
	presale, err := r.store.MarkFinalized(ctx, id, result)
	if err != nil {
		return presale, err
	}
	r.publish(ctx, events.TypePresaleFinalized, presale.ID, presale)
	return presale, nil
}

func (r *Reconciler) publish(ctx context.Context, typ, key string, data any) {
	err := r.publisher.Publish(ctx, events.Event{Type: typ, Key: key, At: r.now(), Data: data})
	if err != nil {
		r.logger.Warn("publish event failed",
			zap.String("type", typ),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func isNonNegative(v sdkmath.Int) bool {
	return !v.IsNil() && !v.IsNegative()
}
