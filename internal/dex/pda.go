package dex

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

var (
	WhirlpoolProgramID      = solana.MustPublicKeyFromBase58("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc")
	DefaultWhirlpoolsConfig = solana.MustPublicKeyFromBase58("2LecshUwdy9xi7meFgHtFJQNSKk4KdTrcpvaB56dP2NQ")
)

// Programs names the on-chain programs and the config account every
// derivation is anchored to. It is built once from configuration.
type Programs struct {
	Whirlpool        solana.PublicKey
	WhirlpoolsConfig solana.PublicKey
	Presale          solana.PublicKey
}

// Seed is a typed PDA seed. Encoding must match the program byte for byte.
type Seed interface {
	SeedBytes() []byte
}

type StringSeed string

func (s StringSeed) SeedBytes() []byte { return []byte(s) }

type PubkeySeed solana.PublicKey

func (s PubkeySeed) SeedBytes() []byte { return solana.PublicKey(s).Bytes() }

type U16LESeed uint16

func (s U16LESeed) SeedBytes() []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(s))
	return buf
}

// DecimalSeed encodes an integer as its base-10 string, as the tick array
// seed does.
type DecimalSeed int32

func (s DecimalSeed) SeedBytes() []byte { return []byte(strconv.FormatInt(int64(s), 10)) }

// Derive finds the program address and bump for seeds under programID.
func Derive(programID solana.PublicKey, seeds ...Seed) (solana.PublicKey, uint8, error) {
	const op = "derive address"
	if programID.IsZero() {
		return solana.PublicKey{}, 0, dexerr.Derivation(op, "program id is zero")
	}
	raw := make([][]byte, 0, len(seeds))
	for i, seed := range seeds {
		b := seed.SeedBytes()
		if len(b) > solana.MaxSeedLength {
			return solana.PublicKey{}, 0, dexerr.Derivation(op, "seed %d is %d bytes, max %d", i, len(b), solana.MaxSeedLength)
		}
		raw = append(raw, b)
	}
	addr, bump, err := solana.FindProgramAddress(raw, programID)
	if err != nil {
		return solana.PublicKey{}, 0, dexerr.New(dexerr.ErrDerivation, op, err)
	}
	return addr, bump, nil
}

func DeriveWhirlpoolPDA(programID, config, mintA, mintB solana.PublicKey, tickSpacing uint16) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("whirlpool"), PubkeySeed(config), PubkeySeed(mintA), PubkeySeed(mintB), U16LESeed(tickSpacing))
}

func DeriveFeeTierPDA(programID, config solana.PublicKey, tickSpacing uint16) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("fee_tier"), PubkeySeed(config), U16LESeed(tickSpacing))
}

func DeriveTickArrayPDA(programID, whirlpool solana.PublicKey, startTickIndex int32) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("tick_array"), PubkeySeed(whirlpool), DecimalSeed(startTickIndex))
}

func DerivePositionPDA(programID, positionMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("position"), PubkeySeed(positionMint))
}

func DeriveOraclePDA(programID, whirlpool solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("oracle"), PubkeySeed(whirlpool))
}

func DerivePresalePDA(programID, tokenMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("presale"), PubkeySeed(tokenMint))
}

func DerivePresaleVaultPDA(programID, presale solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(programID, StringSeed("presale_vault"), PubkeySeed(presale))
}

// CanonicalMints orders two mints the way pool addresses are derived.
// swapped reports whether the inputs were reversed.
func CanonicalMints(a, b solana.PublicKey) (mintA, mintB solana.PublicKey, swapped bool) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a, true
	}
	return a, b, false
}
