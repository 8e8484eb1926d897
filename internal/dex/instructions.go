package dex

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"
)

var (
	initializePoolDisc      = anchorInstructionDiscriminator("initialize_pool")
	initializeTickArrayDisc = anchorInstructionDiscriminator("initialize_tick_array")
	openPositionDisc        = anchorInstructionDiscriminator("open_position")
	increaseLiquidityDisc   = anchorInstructionDiscriminator("increase_liquidity")
	swapDisc                = anchorInstructionDiscriminator("swap")
	finalizePresaleDisc     = anchorInstructionDiscriminator("finalize_presale")

	// Sqrt price limits accepted by the swap instruction.
	SwapMinSqrtPrice = uint128.From64(4295048016)
	SwapMaxSqrtPrice = uint128.New(0x35bb7f32a81b33af, 0xfffec4b1) // 79226673515401279992447579055
)

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// argWriter borsh-encodes instruction arguments after the discriminator.
type argWriter struct {
	buf *bytes.Buffer
	enc *bin.Encoder
	err error
}

func newArgWriter(disc [8]byte) *argWriter {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	return &argWriter{buf: buf, enc: bin.NewBorshEncoder(buf)}
}

func (w *argWriter) do(fn func() error) *argWriter {
	if w.err == nil {
		w.err = fn()
	}
	return w
}

func (w *argWriter) u8(v uint8) *argWriter { return w.do(func() error { return w.enc.WriteUint8(v) }) }

func (w *argWriter) boolean(v bool) *argWriter { return w.do(func() error { return w.enc.WriteBool(v) }) }

func (w *argWriter) u16(v uint16) *argWriter {
	return w.do(func() error { return w.enc.WriteUint16(v, binary.LittleEndian) })
}

func (w *argWriter) i32(v int32) *argWriter {
	return w.do(func() error { return w.enc.WriteInt32(v, binary.LittleEndian) })
}

func (w *argWriter) u64(v uint64) *argWriter {
	return w.do(func() error { return w.enc.WriteUint64(v, binary.LittleEndian) })
}

func (w *argWriter) u128(v uint128.Uint128) *argWriter {
	return w.do(func() error {
		b := make([]byte, 16)
		v.PutBytes(b)
		return w.enc.WriteBytes(b, false)
	})
}

func (w *argWriter) instruction(programID solana.PublicKey, accounts solana.AccountMetaSlice) (solana.Instruction, error) {
	if w.err != nil {
		return nil, fmt.Errorf("encode instruction args: %w", w.err)
	}
	return solana.NewInstruction(programID, accounts, w.buf.Bytes()), nil
}

type InitializePoolAccounts struct {
	WhirlpoolsConfig solana.PublicKey
	TokenMintA       solana.PublicKey
	TokenMintB       solana.PublicKey
	Funder           solana.PublicKey
	Whirlpool        solana.PublicKey
	TokenVaultA      solana.PublicKey
	TokenVaultB      solana.PublicKey
	FeeTier          solana.PublicKey
}

func NewInitializePoolInstruction(programID solana.PublicKey, accts InitializePoolAccounts, bump uint8, tickSpacing uint16, initialSqrtPrice uint128.Uint128) (solana.Instruction, error) {
	return newArgWriter(initializePoolDisc).
		u8(bump).
		u16(tickSpacing).
		u128(initialSqrtPrice).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(accts.WhirlpoolsConfig, false, false),
			solana.NewAccountMeta(accts.TokenMintA, false, false),
			solana.NewAccountMeta(accts.TokenMintB, false, false),
			solana.NewAccountMeta(accts.Funder, true, true),
			solana.NewAccountMeta(accts.Whirlpool, true, false),
			solana.NewAccountMeta(accts.TokenVaultA, true, true),
			solana.NewAccountMeta(accts.TokenVaultB, true, true),
			solana.NewAccountMeta(accts.FeeTier, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		})
}

func NewInitializeTickArrayInstruction(programID, whirlpool, funder, tickArray solana.PublicKey, startTickIndex int32) (solana.Instruction, error) {
	return newArgWriter(initializeTickArrayDisc).
		i32(startTickIndex).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(whirlpool, false, false),
			solana.NewAccountMeta(funder, true, true),
			solana.NewAccountMeta(tickArray, true, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		})
}

type OpenPositionAccounts struct {
	Funder               solana.PublicKey
	Owner                solana.PublicKey
	Position             solana.PublicKey
	PositionMint         solana.PublicKey
	PositionTokenAccount solana.PublicKey
	Whirlpool            solana.PublicKey
}

func NewOpenPositionInstruction(programID solana.PublicKey, accts OpenPositionAccounts, positionBump uint8, tickLower, tickUpper int32) (solana.Instruction, error) {
	return newArgWriter(openPositionDisc).
		u8(positionBump).
		i32(tickLower).
		i32(tickUpper).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(accts.Funder, true, true),
			solana.NewAccountMeta(accts.Owner, false, false),
			solana.NewAccountMeta(accts.Position, true, false),
			solana.NewAccountMeta(accts.PositionMint, true, true),
			solana.NewAccountMeta(accts.PositionTokenAccount, true, false),
			solana.NewAccountMeta(accts.Whirlpool, false, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
			solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
			solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		})
}

type IncreaseLiquidityAccounts struct {
	Whirlpool            solana.PublicKey
	PositionAuthority    solana.PublicKey
	Position             solana.PublicKey
	PositionTokenAccount solana.PublicKey
	TokenOwnerAccountA   solana.PublicKey
	TokenOwnerAccountB   solana.PublicKey
	TokenVaultA          solana.PublicKey
	TokenVaultB          solana.PublicKey
	TickArrayLower       solana.PublicKey
	TickArrayUpper       solana.PublicKey
}

func NewIncreaseLiquidityInstruction(programID solana.PublicKey, accts IncreaseLiquidityAccounts, liquidity uint128.Uint128, tokenMaxA, tokenMaxB uint64) (solana.Instruction, error) {
	return newArgWriter(increaseLiquidityDisc).
		u128(liquidity).
		u64(tokenMaxA).
		u64(tokenMaxB).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(accts.Whirlpool, true, false),
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(accts.PositionAuthority, false, true),
			solana.NewAccountMeta(accts.Position, true, false),
			solana.NewAccountMeta(accts.PositionTokenAccount, false, false),
			solana.NewAccountMeta(accts.TokenOwnerAccountA, true, false),
			solana.NewAccountMeta(accts.TokenOwnerAccountB, true, false),
			solana.NewAccountMeta(accts.TokenVaultA, true, false),
			solana.NewAccountMeta(accts.TokenVaultB, true, false),
			solana.NewAccountMeta(accts.TickArrayLower, true, false),
			solana.NewAccountMeta(accts.TickArrayUpper, true, false),
		})
}

type SwapAccounts struct {
	TokenAuthority     solana.PublicKey
	Whirlpool          solana.PublicKey
	TokenOwnerAccountA solana.PublicKey
	TokenVaultA        solana.PublicKey
	TokenOwnerAccountB solana.PublicKey
	TokenVaultB        solana.PublicKey
	TickArrays         [3]solana.PublicKey
	Oracle             solana.PublicKey
}

type SwapArgs struct {
	Amount                 uint64
	OtherAmountThreshold   uint64
	SqrtPriceLimit         uint128.Uint128
	AmountSpecifiedIsInput bool
	AToB                   bool
}

func NewSwapInstruction(programID solana.PublicKey, accts SwapAccounts, args SwapArgs) (solana.Instruction, error) {
	return newArgWriter(swapDisc).
		u64(args.Amount).
		u64(args.OtherAmountThreshold).
		u128(args.SqrtPriceLimit).
		boolean(args.AmountSpecifiedIsInput).
		boolean(args.AToB).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(solana.TokenProgramID, false, false),
			solana.NewAccountMeta(accts.TokenAuthority, false, true),
			solana.NewAccountMeta(accts.Whirlpool, true, false),
			solana.NewAccountMeta(accts.TokenOwnerAccountA, true, false),
			solana.NewAccountMeta(accts.TokenVaultA, true, false),
			solana.NewAccountMeta(accts.TokenOwnerAccountB, true, false),
			solana.NewAccountMeta(accts.TokenVaultB, true, false),
			solana.NewAccountMeta(accts.TickArrays[0], true, false),
			solana.NewAccountMeta(accts.TickArrays[1], true, false),
			solana.NewAccountMeta(accts.TickArrays[2], true, false),
			solana.NewAccountMeta(accts.Oracle, true, false),
		})
}

type FinalizePresaleAccounts struct {
	Authority    solana.PublicKey
	Presale      solana.PublicKey
	PresaleVault solana.PublicKey
	TokenMint    solana.PublicKey
	Recipient    solana.PublicKey
}

// NewFinalizePresaleInstruction closes a presale and moves the vault to a
// freshly generated recipient, which must co-sign.
func NewFinalizePresaleInstruction(programID solana.PublicKey, accts FinalizePresaleAccounts) (solana.Instruction, error) {
	return newArgWriter(finalizePresaleDisc).
		instruction(programID, solana.AccountMetaSlice{
			solana.NewAccountMeta(accts.Authority, true, true),
			solana.NewAccountMeta(accts.Presale, true, false),
			solana.NewAccountMeta(accts.PresaleVault, true, false),
			solana.NewAccountMeta(accts.TokenMint, false, false),
			solana.NewAccountMeta(accts.Recipient, true, true),
			solana.NewAccountMeta(solana.SystemProgramID, false, false),
		})
}
