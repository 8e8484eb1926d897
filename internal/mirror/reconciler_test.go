package mirror_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/events"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

type fakeMints struct {
	mu       sync.Mutex
	decimals map[solana.PublicKey]uint8
	calls    int
}

func (f *fakeMints) MintDecimals(_ context.Context, mint solana.PublicKey) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	d, ok := f.decimals[mint]
	if !ok {
		return 0, dexerr.StaleState("mint decimals", "mint %s not found", mint)
	}
	return d, nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error { return errors.New("broker down") }
func (failingPublisher) Close() error                                { return nil }

type fixture struct {
	store *mirror.MemoryStore
	mints *fakeMints
	out   *bytes.Buffer
	rec   *mirror.Reconciler
	mintA solana.PublicKey
	mintB solana.PublicKey
	pool  solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mintA, mintB, _ := dex.CanonicalMints(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
	out := &bytes.Buffer{}
	pub, err := events.New(events.Config{Driver: events.DriverStdio, Writer: out})
	require.NoError(t, err)
	f := &fixture{
		store: mirror.NewMemoryStore(),
		mints: &fakeMints{decimals: map[solana.PublicKey]uint8{mintA: 9, mintB: 6}},
		out:   out,
		mintA: mintA,
		mintB: mintB,
		pool:  solana.NewWallet().PublicKey(),
	}
	f.rec = mirror.NewReconciler(f.store, f.mints, pub, nil)
	return f
}

func (f *fixture) createPool(t *testing.T) mirror.Pool {
	t.Helper()
	pool, err := f.rec.RecordPoolCreation(context.Background(), mirror.PoolCreation{
		MintA: f.mintA, MintB: f.mintB, Pool: f.pool, TickSpacing: 64,
	})
	require.NoError(t, err)
	return pool
}

func TestRecordPoolCreationCanonicalizes(t *testing.T) {
	f := newFixture(t)
	six := uint8(6)
	pool, err := f.rec.RecordPoolCreation(context.Background(), mirror.PoolCreation{
		MintA:       f.mintB,
		MintB:       f.mintA,
		TokenA:      mirror.TokenMeta{Symbol: "USDC", Decimals: &six},
		Pool:        f.pool,
		TickSpacing: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, f.mintA.String(), pool.MintA)
	assert.Equal(t, f.mintB.String(), pool.MintB)

	tokenB, err := f.store.GetToken(context.Background(), f.mintB.String())
	require.NoError(t, err)
	assert.Equal(t, "USDC", tokenB.Symbol)
	tokenA, err := f.store.GetToken(context.Background(), f.mintA.String())
	require.NoError(t, err)
	assert.Equal(t, uint8(9), tokenA.Decimals)
	assert.Equal(t, 1, f.mints.calls)
	assert.Contains(t, f.out.String(), events.TypePoolCreated)
}

func TestRecordPoolCreationConflicts(t *testing.T) {
	f := newFixture(t)
	f.createPool(t)

	_, err := f.rec.RecordPoolCreation(context.Background(), mirror.PoolCreation{
		MintA: f.mintA, MintB: f.mintB, Pool: f.pool, TickSpacing: 64,
	})
	assert.True(t, errors.Is(err, dexerr.ErrConflict))

	// Same ordered pair and spacing under another address.
	_, err = f.rec.RecordPoolCreation(context.Background(), mirror.PoolCreation{
		MintA: f.mintB, MintB: f.mintA, Pool: solana.NewWallet().PublicKey(), TickSpacing: 64,
	})
	assert.True(t, errors.Is(err, dexerr.ErrConflict))

	_, err = f.rec.RecordPoolCreation(context.Background(), mirror.PoolCreation{
		MintA: f.mintA, MintB: f.mintB, Pool: solana.NewWallet().PublicKey(), TickSpacing: 128,
	})
	assert.NoError(t, err)
}

func TestRecordSwapIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createPool(t)
	rec := mirror.SwapRecord{
		Pool:      f.pool,
		User:      solana.NewWallet().PublicKey(),
		TokenIn:   f.mintB,
		TokenOut:  f.mintA,
		AmountIn:  sdkmath.NewInt(100),
		AmountOut: sdkmath.NewInt(98),
		TxHash:    "5xTx",
	}
	_, err := f.rec.RecordSwap(context.Background(), rec)
	require.NoError(t, err)
	_, err = f.rec.RecordSwap(context.Background(), rec)
	assert.True(t, errors.Is(err, dexerr.ErrConflict))
	assert.Equal(t, 1, f.store.SwapCount())

	pool, err := f.store.GetPool(context.Background(), f.pool.String())
	require.NoError(t, err)
	assert.Equal(t, "98", pool.VolumeA.String())
	assert.Equal(t, "100", pool.VolumeB.String())
}

func TestRecordSwapRejectsForeignTokens(t *testing.T) {
	f := newFixture(t)
	f.createPool(t)
	_, err := f.rec.RecordSwap(context.Background(), mirror.SwapRecord{
		Pool: f.pool, TokenIn: f.mintA, TokenOut: solana.NewWallet().PublicKey(),
		AmountIn: sdkmath.NewInt(1), AmountOut: sdkmath.NewInt(1), TxHash: "x",
	})
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))

	_, err = f.rec.RecordSwap(context.Background(), mirror.SwapRecord{
		Pool: solana.NewWallet().PublicKey(), TokenIn: f.mintA, TokenOut: f.mintB,
		AmountIn: sdkmath.NewInt(1), AmountOut: sdkmath.NewInt(1), TxHash: "y",
	})
	assert.True(t, errors.Is(err, dexerr.ErrStaleState))
}

func TestUpsertLiquidityPositionMerges(t *testing.T) {
	f := newFixture(t)
	f.createPool(t)
	user := solana.NewWallet().PublicKey()

	first, err := f.rec.UpsertLiquidityPosition(context.Background(), user, f.pool, sdkmath.NewInt(10), sdkmath.NewInt(20), sdkmath.NewInt(30))
	require.NoError(t, err)
	second, err := f.rec.UpsertLiquidityPosition(context.Background(), user, f.pool, sdkmath.NewInt(1), sdkmath.NewInt(2), sdkmath.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	positions, err := f.store.ListPositions(context.Background(), user.String())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "11", positions[0].AmountA.String())
	assert.Equal(t, "22", positions[0].AmountB.String())
	assert.Equal(t, "33", positions[0].Liquidity.String())

	pool, err := f.store.GetPool(context.Background(), f.pool.String())
	require.NoError(t, err)
	assert.Equal(t, "11", pool.TVLA.String())

	_, err = f.rec.UpsertLiquidityPosition(context.Background(), user, f.pool, sdkmath.NewInt(-12), sdkmath.ZeroInt(), sdkmath.ZeroInt())
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
}

func TestUpsertLiquidityPositionConcurrent(t *testing.T) {
	f := newFixture(t)
	user := solana.NewWallet().PublicKey()
	pool := solana.NewWallet().PublicKey()

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			_, err := f.rec.UpsertLiquidityPosition(context.Background(), user, pool, sdkmath.NewInt(1), sdkmath.NewInt(2), sdkmath.ZeroInt())
			return err
		})
	}
	require.NoError(t, g.Wait())

	positions, err := f.store.ListPositions(context.Background(), user.String())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "64", positions[0].AmountA.String())
	assert.Equal(t, "128", positions[0].AmountB.String())
}

func TestPublishFailureDoesNotFailWrite(t *testing.T) {
	store := mirror.NewMemoryStore()
	rec := mirror.NewReconciler(store, nil, failingPublisher{}, nil)
	_, err := rec.UpsertLiquidityPosition(context.Background(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), sdkmath.NewInt(1), sdkmath.ZeroInt(), sdkmath.ZeroInt())
	assert.NoError(t, err)
}

func TestPresaleContributions(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	presale, err := f.rec.CreatePresale(context.Background(), mirror.NewPresale{
		Address:   solana.NewWallet().PublicKey(),
		TokenMint: f.mintA,
		Price:     sdkmath.LegacyMustNewDecFromStr("0.5"),
		HardCap:   sdkmath.NewInt(1000),
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, mirror.PresaleActive, presale.Status)

	wallet := solana.NewWallet().PublicKey()
	updated, err := f.rec.RecordContribution(context.Background(), presale.ID, wallet, sdkmath.NewInt(600), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "600", updated.TotalRaised.String())

	_, err = f.rec.RecordContribution(context.Background(), presale.ID, wallet, sdkmath.NewInt(600), "tx-1")
	assert.True(t, errors.Is(err, dexerr.ErrConflict))
	_, err = f.rec.RecordContribution(context.Background(), presale.ID, wallet, sdkmath.NewInt(500), "tx-2")
	assert.True(t, errors.Is(err, dexerr.ErrInvalidInput))
	_, err = f.rec.RecordContribution(context.Background(), "missing", wallet, sdkmath.NewInt(1), "tx-3")
	assert.True(t, errors.Is(err, mirror.ErrNotFound))

	finalized, err := f.rec.FinalizePresale(context.Background(), presale.ID, mirror.FinalizeResult{Recipient: "r", FinalizeTx: "sig"})
	require.NoError(t, err)
	assert.Equal(t, mirror.PresaleCompleted, finalized.Status)
	_, err = f.rec.RecordContribution(context.Background(), presale.ID, wallet, sdkmath.NewInt(1), "tx-4")
	assert.True(t, errors.Is(err, dexerr.ErrStaleState))
	assert.True(t, strings.Contains(f.out.String(), events.TypePresaleFinalized))
}

func TestListFinalizable(t *testing.T) {
	store := mirror.NewMemoryStore()
	now := time.Now().UTC()
	for i, p := range []mirror.Presale{
		{ID: "ended-1", EndTime: now.Add(-2 * time.Hour), Status: mirror.PresaleActive},
		{ID: "ended-2", EndTime: now.Add(-time.Hour), Status: mirror.PresaleActive},
		{ID: "running", EndTime: now.Add(time.Hour), Status: mirror.PresaleActive},
		{ID: "done", EndTime: now.Add(-time.Hour), Status: mirror.PresaleCompleted, Finalized: true},
		{ID: "cancelled", EndTime: now.Add(-time.Hour), Status: mirror.PresaleCancelled},
	} {
		p.Address = solana.NewWallet().PublicKey().String()
		p.HardCap = sdkmath.NewInt(int64(i + 1))
		require.NoError(t, store.InsertPresale(context.Background(), p))
	}

	due, err := store.ListFinalizable(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "ended-1", due[0].ID)

	due, err = store.ListFinalizable(context.Background(), now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
