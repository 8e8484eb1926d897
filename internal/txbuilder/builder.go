// Package txbuilder assembles unsigned Whirlpool transactions for wallets to
// co-sign. Only keys generated here for brand-new accounts sign; the user's
// signature slot is left empty.
package txbuilder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/coldbell/clmm/backend/internal/chain"
	"github.com/coldbell/clmm/backend/internal/dexerr"
)

// ErrInvalidState is returned when a builder step is called out of order.
var ErrInvalidState = errors.New("invalid builder state")

type State int

const (
	StateEmpty State = iota
	StateInstructionsAssembled
	StatePartiallySigned
	StateSerialized
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInstructionsAssembled:
		return "instructions_assembled"
	case StatePartiallySigned:
		return "partially_signed"
	case StateSerialized:
		return "serialized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stage orders instructions inside a transaction. Instructions within a
// stage keep insertion order.
type Stage int

const (
	StageComputeBudget Stage = iota
	StageAccountCreation
	StageInitialization
	StageMain
)

type staged struct {
	stage Stage
	ix    solana.Instruction
}

type ComputeBudget struct {
	UnitLimit              uint32
	UnitPriceMicroLamports uint64
}

// Builder walks Empty → InstructionsAssembled → PartiallySigned → Serialized.
type Builder struct {
	state    State
	feePayer solana.PublicKey
	budget   ComputeBudget
	pending  []staged
	signers  []solana.PrivateKey
	ordered  []solana.Instruction
	tx       *solana.Transaction
	encoded  string
}

func NewBuilder(feePayer solana.PublicKey, budget ComputeBudget) *Builder {
	return &Builder{feePayer: feePayer, budget: budget}
}

func (b *Builder) State() State { return b.state }

func (b *Builder) Add(stage Stage, ixs ...solana.Instruction) error {
	if b.state != StateEmpty {
		return b.invalid("add instruction")
	}
	for _, ix := range ixs {
		b.pending = append(b.pending, staged{stage: stage, ix: ix})
	}
	return nil
}

// AddSigner registers an ephemeral key that signs for an account created
// by this transaction.
func (b *Builder) AddSigner(key solana.PrivateKey) error {
	if b.state != StateEmpty {
		return b.invalid("add signer")
	}
	b.signers = append(b.signers, key)
	return nil
}

// Assemble fixes the instruction order, prepending compute budget
// instructions when configured.
func (b *Builder) Assemble() error {
	if b.state != StateEmpty {
		return b.invalid("assemble")
	}
	if len(b.pending) == 0 {
		return dexerr.InvalidInput("assemble", "no instructions")
	}
	if b.budget.UnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(b.budget.UnitLimit).ValidateAndBuild()
		if err != nil {
			return dexerr.New(dexerr.ErrDerivation, "compute unit limit", err)
		}
		b.pending = append(b.pending, staged{stage: StageComputeBudget, ix: ix})
	}
	if b.budget.UnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(b.budget.UnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return dexerr.New(dexerr.ErrDerivation, "compute unit price", err)
		}
		b.pending = append(b.pending, staged{stage: StageComputeBudget, ix: ix})
	}

	sort.SliceStable(b.pending, func(i, j int) bool { return b.pending[i].stage < b.pending[j].stage })
	b.ordered = make([]solana.Instruction, len(b.pending))
	for i, p := range b.pending {
		b.ordered[i] = p.ix
	}
	b.state = StateInstructionsAssembled
	return nil
}

// PartialSign fetches a fresh blockhash, binds the fee payer and signs with
// the ephemeral keys only.
func (b *Builder) PartialSign(ctx context.Context, client chain.Client) error {
	if b.state != StateInstructionsAssembled {
		return b.invalid("partial sign")
	}
	blockhash, err := client.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tx, err := solana.NewTransaction(b.ordered, blockhash, solana.TransactionPayer(b.feePayer))
	if err != nil {
		return dexerr.New(dexerr.ErrDerivation, "build transaction", err)
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return dexerr.New(dexerr.ErrDerivation, "marshal message", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)
	for _, key := range b.signers {
		slot := -1
		for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
			if tx.Message.AccountKeys[i].Equals(key.PublicKey()) {
				slot = i
				break
			}
		}
		if slot < 0 {
			return dexerr.Derivation("partial sign", "key %s is not a required signer", key.PublicKey())
		}
		sig, err := key.Sign(msg)
		if err != nil {
			return dexerr.New(dexerr.ErrDerivation, "partial sign", err)
		}
		tx.Signatures[slot] = sig
	}

	b.tx = tx
	b.state = StatePartiallySigned
	return nil
}

// Transaction exposes the partially signed transaction, e.g. for simulation.
func (b *Builder) Transaction() (*solana.Transaction, error) {
	if b.state < StatePartiallySigned {
		return nil, b.invalid("transaction")
	}
	return b.tx, nil
}

// Serialize base64-encodes the wire transaction. Missing signatures are
// left zeroed for the wallet to fill.
func (b *Builder) Serialize() (string, error) {
	if b.state != StatePartiallySigned {
		return "", b.invalid("serialize")
	}
	raw, err := b.tx.MarshalBinary()
	if err != nil {
		return "", dexerr.New(dexerr.ErrDerivation, "serialize", err)
	}
	b.encoded = base64.StdEncoding.EncodeToString(raw)
	b.state = StateSerialized
	return b.encoded, nil
}

// Build runs every remaining step.
func (b *Builder) Build(ctx context.Context, client chain.Client) (string, error) {
	if err := b.Assemble(); err != nil {
		return "", err
	}
	if err := b.PartialSign(ctx, client); err != nil {
		return "", err
	}
	return b.Serialize()
}

func (b *Builder) invalid(op string) error {
	return fmt.Errorf("%s in state %s: %w", op, b.state, ErrInvalidState)
}
