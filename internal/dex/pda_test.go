package dex

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

var (
	wsolMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	usdcMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
)

func TestDeriveWhirlpoolMatchesMainnet(t *testing.T) {
	pool, bump, err := DeriveWhirlpoolPDA(WhirlpoolProgramID, DefaultWhirlpoolsConfig, wsolMint, usdcMint, 64)
	require.NoError(t, err)
	assert.Equal(t, "HJPjoWUrhoZzkNfRpHuieeFk9WcZWjwy6PBjZ81ngndJ", pool.String())
	assert.Equal(t, uint8(255), bump)

	feeTier, bump, err := DeriveFeeTierPDA(WhirlpoolProgramID, DefaultWhirlpoolsConfig, 64)
	require.NoError(t, err)
	assert.Equal(t, "HT55NVGVTjWmWLjV7BrSMPVZ7ppU8T2xE5nCAZ6YaGad", feeTier.String())
	assert.Equal(t, uint8(254), bump)

	tickArray, bump, err := DeriveTickArrayPDA(WhirlpoolProgramID, pool, -5632)
	require.NoError(t, err)
	assert.Equal(t, "9K1HWrGKZKfjTnKfF621BmEQdai4FcUz9tsoF41jwz5B", tickArray.String())
	assert.Equal(t, uint8(252), bump)

	oracle, _, err := DeriveOraclePDA(WhirlpoolProgramID, pool)
	require.NoError(t, err)
	assert.Equal(t, "4GkRbcYg1VKsZropgai4dMf2Nj2PkXNLf43knFpavrSi", oracle.String())
}

func TestDeriveIsDeterministic(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	program := solana.NewWallet().PublicKey()

	first, firstBump, err := DerivePresalePDA(program, mint)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, bump, err := DerivePresalePDA(program, mint)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, firstBump, bump)
	}

	vault, _, err := DerivePresaleVaultPDA(program, first)
	require.NoError(t, err)
	assert.NotEqual(t, first, vault)
}

func TestDeriveRejectsBadInput(t *testing.T) {
	_, _, err := Derive(solana.PublicKey{}, StringSeed("x"))
	assert.True(t, errors.Is(err, dexerr.ErrDerivation))

	_, _, err = Derive(WhirlpoolProgramID, StringSeed("this seed is definitely longer than 32 bytes"))
	assert.True(t, errors.Is(err, dexerr.ErrDerivation))
}

func TestSeedEncoding(t *testing.T) {
	assert.Equal(t, []byte{0x40, 0x00}, U16LESeed(64).SeedBytes())
	assert.Equal(t, []byte("-5632"), DecimalSeed(-5632).SeedBytes())
	assert.Equal(t, []byte("16896"), DecimalSeed(16896).SeedBytes())
}

func TestCanonicalMints(t *testing.T) {
	a, b, swapped := CanonicalMints(usdcMint, wsolMint)
	assert.True(t, swapped)
	assert.Equal(t, wsolMint, a)
	assert.Equal(t, usdcMint, b)

	_, _, swapped = CanonicalMints(wsolMint, usdcMint)
	assert.False(t, swapped)
}
