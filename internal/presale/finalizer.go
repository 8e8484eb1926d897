// Package presale runs the scheduler that finalizes presales once their end
// time has passed.
package presale

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldbell/clmm/backend/internal/archive"
	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/txbuilder"
)

const (
	DefaultPollInterval = 2 * time.Minute
	DefaultMaxPerTick   = 50
	DefaultConcurrency  = 4
	DefaultTxTimeout    = 60 * time.Second
)

type Config struct {
	PollInterval    time.Duration
	MaxPerTick      int
	Concurrency     int
	TxTimeout       time.Duration
	ConfirmInterval time.Duration
	ComputeBudget   txbuilder.ComputeBudget
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPerTick <= 0 {
		c.MaxPerTick = DefaultMaxPerTick
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = chain.DefaultConfirmInterval
	}
	return c
}

// Deps are the collaborators a Finalizer is built from. Archive may be nil.
type Deps struct {
	Reconciler *mirror.Reconciler
	Fetcher    *dex.Fetcher
	Submitter  chain.Submitter
	Archive    archive.Store
	Authority  solana.PrivateKey
	Logger     *zap.Logger
}

type Finalizer struct {
	cfg        Config
	reconciler *mirror.Reconciler
	store      mirror.Store
	fetcher    *dex.Fetcher
	client     chain.Client
	submitter  chain.Submitter
	archive    archive.Store
	authority  solana.PrivateKey
	logger     *zap.Logger

	now          func() time.Time
	newRecipient func() (solana.PrivateKey, error)
}

// TickResult counts what one tick did.
type TickResult struct {
	Selected  int
	Finalized int
	Failed    int
}

func New(cfg Config, deps Deps) (*Finalizer, error) {
	if deps.Reconciler == nil || deps.Fetcher == nil {
		return nil, errors.New("presale finalizer: reconciler and fetcher are required")
	}
	if len(deps.Authority) == 0 {
		return nil, errors.New("presale finalizer: authority key is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	submitter := deps.Submitter
	if submitter == nil {
		submitter = chain.RPCSubmitter{Client: deps.Fetcher.Client()}
	}
	arch := deps.Archive
	if arch == nil {
		arch = archive.Nop{}
	}
	return &Finalizer{
		cfg:          cfg.withDefaults(),
		reconciler:   deps.Reconciler,
		store:        deps.Reconciler.Store(),
		fetcher:      deps.Fetcher,
		client:       deps.Fetcher.Client(),
		submitter:    submitter,
		archive:      arch,
		authority:    deps.Authority,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newRecipient: solana.NewRandomPrivateKey,
	}, nil
}

// Run ticks once immediately and then every PollInterval until ctx ends.
func (f *Finalizer) Run(ctx context.Context) error {
	f.logger.Info("presale finalizer started",
		zap.Duration("poll_interval", f.cfg.PollInterval),
		zap.Int("max_per_tick", f.cfg.MaxPerTick),
		zap.Int("concurrency", f.cfg.Concurrency),
		zap.Stringer("authority", f.authority.PublicKey()),
	)

	if _, err := f.Tick(ctx); err != nil {
		f.logger.Error("tick failed", zap.Error(err))
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := f.Tick(ctx); err != nil {
				f.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick finalizes every due presale, at most MaxPerTick of them. A failing
// presale is logged and counted; it does not stop the others. The returned
// error is non-nil only when the due presales could not be listed.
func (f *Finalizer) Tick(ctx context.Context) (TickResult, error) {
	due, err := f.store.ListFinalizable(ctx, f.now(), f.cfg.MaxPerTick)
	if err != nil {
		return TickResult{}, fmt.Errorf("list finalizable presales: %w", err)
	}
	result := TickResult{Selected: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var finalized, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(f.cfg.Concurrency)
	for _, p := range due {
		g.Go(func() error {
			if err := f.finalize(ctx, p); err != nil {
				failed.Add(1)
				itemErr := dexerr.New(dexerr.ErrSchedulerItem, "finalize presale "+p.ID, err)
				f.logger.Warn("presale finalize failed",
					zap.String("presale", p.ID),
					zap.String("address", p.Address),
					zap.Error(itemErr),
				)
				return nil
			}
			finalized.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result.Finalized = int(finalized.Load())
	result.Failed = int(failed.Load())
	f.logger.Info("tick complete",
		zap.Int("selected", result.Selected),
		zap.Int("finalized", result.Finalized),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (f *Finalizer) finalize(ctx context.Context, p mirror.Presale) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.TxTimeout)
	defer cancel()

	if p.AttemptSignature != "" {
		done, err := f.resumeAttempt(ctx, p)
		if err != nil || done {
			return err
		}
	}

	address, err := solana.PublicKeyFromBase58(p.Address)
	if err != nil {
		return dexerr.Derivation("finalize", "presale address %q: %v", p.Address, err)
	}
	onchain, err := f.fetcher.GetPresale(ctx, address)
	if err != nil {
		return err
	}
	if onchain.Finalized {
		f.logger.Info("presale already finalized on chain", zap.String("presale", p.ID))
		return f.markFinalized(ctx, p.ID, mirror.FinalizeResult{
			Recipient:  p.AttemptRecipient,
			FinalizeTx: p.AttemptSignature,
		})
	}
	if !onchain.Authority.Equals(f.authority.PublicKey()) {
		return dexerr.Derivation("finalize", "presale %s authority is %s, not %s", address, onchain.Authority, f.authority.PublicKey())
	}

	recipient, err := f.newRecipient()
	if err != nil {
		return dexerr.New(dexerr.ErrDerivation, "generate recipient", err)
	}
	tx, err := f.buildTransaction(ctx, address, onchain, recipient)
	if err != nil {
		return err
	}
	sig := tx.Signatures[0]

	// The signature is known before submission; persist it so a crash
	// between send and mark can be resolved from the chain on the next tick.
	err = f.store.RecordFinalizeAttempt(ctx, p.ID, mirror.FinalizeAttempt{
		Signature: sig.String(),
		Recipient: recipient.PublicKey().String(),
		At:        f.now(),
	})
	if err != nil {
		return fmt.Errorf("record finalize attempt: %w", err)
	}
	artifact := archive.NewFinalizeArtifact(p.ID, p.Address, recipient.PublicKey().String(), recipient, sig.String(), time.Time{})
	if err := archive.PutArtifact(ctx, f.archive, artifact); err != nil {
		return fmt.Errorf("archive recipient: %w", err)
	}

	if err := f.submitter.Submit(ctx, tx); err != nil {
		return fmt.Errorf("submit finalize %s: %w", sig, err)
	}
	if _, err := chain.WaitForConfirmation(ctx, f.client, sig, f.cfg.ConfirmInterval); err != nil {
		return fmt.Errorf("confirm finalize %s: %w", sig, err)
	}

	artifact.FinalizedAt = f.now()
	if err := archive.PutArtifact(ctx, f.archive, artifact); err != nil {
		f.logger.Warn("archive finalize artifact failed", zap.String("presale", p.ID), zap.Error(err))
	}
	if err := f.markFinalized(ctx, p.ID, mirror.FinalizeResult{
		Recipient:  recipient.PublicKey().String(),
		FinalizeTx: sig.String(),
	}); err != nil {
		return err
	}
	f.logger.Info("presale finalized",
		zap.String("presale", p.ID),
		zap.Stringer("recipient", recipient.PublicKey()),
		zap.Stringer("signature", sig),
	)
	return nil
}

// resumeAttempt reports done when the previous attempt landed successfully.
// A failed or unknown attempt falls through to a fresh one; the on-chain
// finalized flag guards against a late landing.
func (f *Finalizer) resumeAttempt(ctx context.Context, p mirror.Presale) (bool, error) {
	sig, err := solana.SignatureFromBase58(p.AttemptSignature)
	if err != nil {
		f.logger.Warn("discarding malformed attempt signature", zap.String("presale", p.ID), zap.Error(err))
		return false, nil
	}
	status, err := f.client.GetSignatureStatus(ctx, sig)
	if err != nil {
		return false, dexerr.Classify("finalize attempt status", err)
	}
	if !status.Succeeded() {
		return false, nil
	}
	f.logger.Info("previous finalize attempt landed",
		zap.String("presale", p.ID),
		zap.Stringer("signature", sig),
	)
	return true, f.markFinalized(ctx, p.ID, mirror.FinalizeResult{
		Recipient:  p.AttemptRecipient,
		FinalizeTx: p.AttemptSignature,
	})
}

func (f *Finalizer) buildTransaction(ctx context.Context, presale solana.PublicKey, onchain *dex.PresaleAccount, recipient solana.PrivateKey) (*solana.Transaction, error) {
	programID := f.fetcher.Programs().Presale
	vault, _, err := dex.DerivePresaleVaultPDA(programID, presale)
	if err != nil {
		return nil, err
	}
	ix, err := dex.NewFinalizePresaleInstruction(programID, dex.FinalizePresaleAccounts{
		Authority:    f.authority.PublicKey(),
		Presale:      presale,
		PresaleVault: vault,
		TokenMint:    onchain.TokenMint,
		Recipient:    recipient.PublicKey(),
	})
	if err != nil {
		return nil, err
	}

	// The authority pays, so every required signature is filled here.
	b := txbuilder.NewBuilder(f.authority.PublicKey(), f.cfg.ComputeBudget)
	if err := b.Add(txbuilder.StageMain, ix); err != nil {
		return nil, err
	}
	if err := b.AddSigner(f.authority); err != nil {
		return nil, err
	}
	if err := b.AddSigner(recipient); err != nil {
		return nil, err
	}
	if err := b.Assemble(); err != nil {
		return nil, err
	}
	if err := b.PartialSign(ctx, f.client); err != nil {
		return nil, err
	}
	return b.Transaction()
}

func (f *Finalizer) markFinalized(ctx context.Context, id string, result mirror.FinalizeResult) error {
	_, err := f.reconciler.FinalizePresale(ctx, id, result)
	if errors.Is(err, dexerr.ErrConflict) {
		return nil
	}
	return err
}
