package presale_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/archive"
	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/chain/chaintest"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dex/dextest"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/presale"
)

type fixture struct {
	fake      *chaintest.Fake
	store     *mirror.MemoryStore
	rec       *mirror.Reconciler
	archive   *archive.Memory
	authority solana.PrivateKey
	programs  dex.Programs
	fin       *presale.Finalizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		fake:      chaintest.NewFake(),
		store:     mirror.NewMemoryStore(),
		archive:   archive.NewMemory(""),
		authority: solana.NewWallet().PrivateKey,
		programs: dex.Programs{
			Whirlpool:        solana.NewWallet().PublicKey(),
			WhirlpoolsConfig: solana.NewWallet().PublicKey(),
			Presale:          solana.NewWallet().PublicKey(),
		},
	}
	fx.rec = mirror.NewReconciler(fx.store, nil, nil, nil)
	fin, err := presale.New(presale.Config{
		Concurrency:     3,
		TxTimeout:       2 * time.Second,
		ConfirmInterval: 5 * time.Millisecond,
	}, presale.Deps{
		Reconciler: fx.rec,
		Fetcher:    dex.NewFetcher(fx.fake, fx.programs),
		Archive:    fx.archive,
		Authority:  fx.authority,
	})
	require.NoError(t, err)
	fx.fin = fin
	return fx
}

type presaleOpts struct {
	active           bool
	skipOnchain      bool
	onchainDone      bool
	onchainAuthority solana.PublicKey
}

func (fx *fixture) addPresale(t *testing.T, opts presaleOpts) mirror.Presale {
	t.Helper()
	mint := solana.NewWallet().PublicKey()
	address, _, err := dex.DerivePresalePDA(fx.programs.Presale, mint)
	require.NoError(t, err)

	now := time.Now().UTC()
	start, end := now.Add(-2*time.Hour), now.Add(-time.Hour)
	if opts.active {
		end = now.Add(time.Hour)
	}
	row, err := fx.rec.CreatePresale(context.Background(), mirror.NewPresale{
		Address:   address,
		TokenMint: mint,
		Price:     sdkmath.LegacyMustNewDecFromStr("0.05"),
		HardCap:   sdkmath.NewInt(1_000_000),
		StartTime: start,
		EndTime:   end,
	})
	require.NoError(t, err)

	if !opts.skipOnchain {
		authority := fx.authority.PublicKey()
		if !opts.onchainAuthority.IsZero() {
			authority = opts.onchainAuthority
		}
		fx.fake.SetAccount(address, fx.programs.Presale, dextest.EncodePresale(&dex.PresaleAccount{
			Authority: authority,
			TokenMint: mint,
			EndTime:   end.Unix(),
			Finalized: opts.onchainDone,
		}))
	}
	return row
}

func (fx *fixture) get(t *testing.T, id string) mirror.Presale {
	t.Helper()
	p, err := fx.store.GetPresale(context.Background(), id)
	require.NoError(t, err)
	return p
}

func randomSignature(t *testing.T) solana.Signature {
	t.Helper()
	sig, err := solana.NewWallet().PrivateKey.Sign([]byte("previous attempt"))
	require.NoError(t, err)
	return sig
}

func hasAccount(tx *solana.Transaction, key string) bool {
	for _, k := range tx.Message.AccountKeys {
		if k.String() == key {
			return true
		}
	}
	return false
}

func TestTickFinalizesOnce(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{})
	ctx := context.Background()

	res, err := fx.fin.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, presale.TickResult{Selected: 1, Finalized: 1}, res)

	sent := fx.fake.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, fx.authority.PublicKey(), tx.Message.AccountKeys[0])
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	for i, sig := range tx.Signatures {
		assert.True(t, sig.Verify(tx.Message.AccountKeys[i], msg), "signature %d", i)
	}

	got := fx.get(t, row.ID)
	assert.True(t, got.Finalized)
	assert.Equal(t, mirror.PresaleCompleted, got.Status)
	assert.Equal(t, tx.Signatures[0].String(), got.FinalizeTx)
	assert.Equal(t, got.AttemptRecipient, got.Recipient)
	assert.True(t, hasAccount(tx, got.Recipient))

	artifact, err := archive.GetArtifact(ctx, fx.archive, row.ID)
	require.NoError(t, err)
	assert.Equal(t, got.FinalizeTx, artifact.Signature)
	assert.False(t, artifact.FinalizedAt.IsZero())
	secret, err := artifact.Secret()
	require.NoError(t, err)
	assert.Equal(t, got.Recipient, solana.PrivateKey(secret).PublicKey().String())

	res, err = fx.fin.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, presale.TickResult{}, res)
	assert.Len(t, fx.fake.Sent(), 1)
}

func TestTickIsolatesFailures(t *testing.T) {
	fx := newFixture(t)
	var due []mirror.Presale
	for i := 0; i < 3; i++ {
		due = append(due, fx.addPresale(t, presaleOpts{}))
	}
	active := []mirror.Presale{
		fx.addPresale(t, presaleOpts{active: true}),
		fx.addPresale(t, presaleOpts{active: true}),
	}

	failing := due[1]
	var attempts atomic.Int32
	fx.fake.SendHook = func(tx *solana.Transaction) error {
		attempts.Add(1)
		if hasAccount(tx, failing.Address) {
			return errors.New("node is behind")
		}
		return nil
	}

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, presale.TickResult{Selected: 3, Finalized: 2, Failed: 1}, res)
	assert.EqualValues(t, 3, attempts.Load())
	assert.Len(t, fx.fake.Sent(), 2)

	for _, p := range due {
		got := fx.get(t, p.ID)
		assert.Equal(t, p.ID != failing.ID, got.Finalized, p.ID)
	}
	for _, p := range active {
		got := fx.get(t, p.ID)
		assert.False(t, got.Finalized)
		assert.Empty(t, got.AttemptSignature)
	}
}

func TestSubmitFailureKeepsAttemptMarker(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{})
	fx.fake.SendHook = func(*solana.Transaction) error { return errors.New("blockhash not found") }

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := fx.get(t, row.ID)
	assert.False(t, got.Finalized)
	assert.NotEmpty(t, got.AttemptSignature)
	assert.NotEmpty(t, got.AttemptRecipient)
	require.NotNil(t, got.AttemptedAt)

	artifact, err := archive.GetArtifact(context.Background(), fx.archive, row.ID)
	require.NoError(t, err)
	assert.Equal(t, got.AttemptSignature, artifact.Signature)
	assert.True(t, artifact.FinalizedAt.IsZero())

	// The next tick sees no status for the dropped signature and retries.
	fx.fake.SendHook = nil
	res, err = fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	got = fx.get(t, row.ID)
	assert.True(t, got.Finalized)
	assert.NotEqual(t, artifact.Signature, got.FinalizeTx)
}

func TestTickResumesLandedAttempt(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{})
	sig := randomSignature(t)
	recipient := solana.NewWallet().PublicKey().String()
	require.NoError(t, fx.store.RecordFinalizeAttempt(context.Background(), row.ID, mirror.FinalizeAttempt{
		Signature: sig.String(),
		Recipient: recipient,
		At:        time.Now(),
	}))
	fx.fake.SetStatus(sig, &chain.SignatureStatus{Slot: 9, Confirmation: chain.ConfirmationFinalized})

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.Empty(t, fx.fake.Sent())

	got := fx.get(t, row.ID)
	assert.True(t, got.Finalized)
	assert.Equal(t, sig.String(), got.FinalizeTx)
	assert.Equal(t, recipient, got.Recipient)
}

func TestTickRetriesFailedAttempt(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{})
	sig := randomSignature(t)
	require.NoError(t, fx.store.RecordFinalizeAttempt(context.Background(), row.ID, mirror.FinalizeAttempt{
		Signature: sig.String(),
		Recipient: solana.NewWallet().PublicKey().String(),
		At:        time.Now(),
	}))
	fx.fake.SetStatus(sig, &chain.SignatureStatus{
		Confirmation: chain.ConfirmationConfirmed,
		Err:          map[string]any{"InstructionError": []any{0, "Custom"}},
	})

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	require.Len(t, fx.fake.Sent(), 1)
	assert.Equal(t, fx.fake.Sent()[0].Signatures[0].String(), fx.get(t, row.ID).FinalizeTx)
}

func TestTickTrustsOnchainFinalizedFlag(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{onchainDone: true})

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Finalized)
	assert.Empty(t, fx.fake.Sent())
	assert.True(t, fx.get(t, row.ID).Finalized)
}

func TestTickRejectsForeignAuthority(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{onchainAuthority: solana.NewWallet().PublicKey()})

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, fx.fake.Sent())
	got := fx.get(t, row.ID)
	assert.False(t, got.Finalized)
	assert.Empty(t, got.AttemptSignature)
}

func TestTickMissingAccountFails(t *testing.T) {
	fx := newFixture(t)
	fx.addPresale(t, presaleOpts{skipOnchain: true})

	res, err := fx.fin.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, presale.TickResult{Selected: 1, Failed: 1}, res)
}

func TestRunTicksImmediately(t *testing.T) {
	fx := newFixture(t)
	row := fx.addPresale(t, presaleOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.fin.Run(ctx) }()

	require.Eventually(t, func() bool {
		p, err := fx.store.GetPresale(context.Background(), row.ID)
		return err == nil && p.Finalized
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestNewRequiresAuthority(t *testing.T) {
	fake := chaintest.NewFake()
	_, err := presale.New(presale.Config{}, presale.Deps{
		Reconciler: mirror.NewReconciler(mirror.NewMemoryStore(), nil, nil, nil),
		Fetcher:    dex.NewFetcher(fake, dex.Programs{}),
	})
	assert.Error(t, err)
}
