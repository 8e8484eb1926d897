// Package dextest encodes program accounts for tests that need a populated
// chain double.
package dextest

import (
	"bytes"
	"encoding/binary"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"

	"github.com/coldbell/clmm/backend/internal/chain/chaintest"
	"github.com/coldbell/clmm/backend/internal/clmm"
	"github.com/coldbell/clmm/backend/internal/dex"
)

type writer struct {
	buf *bytes.Buffer
	enc *bin.Encoder
}

func newWriter(disc [8]byte) *writer {
	buf := new(bytes.Buffer)
	w := &writer{buf: buf, enc: bin.NewBorshEncoder(buf)}
	w.raw(disc[:])
	return w
}

func (w *writer) raw(b []byte) { _ = w.enc.WriteBytes(b, false) }
func (w *writer) pubkey(k solana.PublicKey) { w.raw(k[:]) }
func (w *writer) u8(v uint8) { _ = w.enc.WriteUint8(v) }
func (w *writer) boolean(v bool) { _ = w.enc.WriteBool(v) }
func (w *writer) u16(v uint16) { _ = w.enc.WriteUint16(v, binary.LittleEndian) }
func (w *writer) i32(v int32) { _ = w.enc.WriteInt32(v, binary.LittleEndian) }
func (w *writer) u64(v uint64) { _ = w.enc.WriteUint64(v, binary.LittleEndian) }
func (w *writer) i64(v int64) { _ = w.enc.WriteInt64(v, binary.LittleEndian) }

func (w *writer) u128(v uint128.Uint128) {
	b := make([]byte, 16)
	v.PutBytes(b)
	w.raw(b)
}

func (w *writer) i128(v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	w.u128(uint128.FromBig(u))
}

func EncodeWhirlpool(p *dex.Whirlpool) []byte {
	w := newWriter(dex.WhirlpoolDiscriminator)
	w.pubkey(p.WhirlpoolsConfig)
	w.u8(p.Bump)
	w.u16(p.TickSpacing)
	w.raw(p.FeeTierIndexSeed[:])
	w.u16(p.FeeRate)
	w.u16(p.ProtocolFeeRate)
	w.u128(p.Liquidity)
	w.u128(p.SqrtPrice)
	w.i32(p.TickCurrentIndex)
	w.u64(p.ProtocolFeeOwedA)
	w.u64(p.ProtocolFeeOwedB)
	w.pubkey(p.TokenMintA)
	w.pubkey(p.TokenVaultA)
	w.u128(p.FeeGrowthGlobalA)
	w.pubkey(p.TokenMintB)
	w.pubkey(p.TokenVaultB)
	w.u128(p.FeeGrowthGlobalB)
	w.u64(p.RewardLastUpdatedTimestamp)
	for _, r := range p.RewardInfos {
		w.pubkey(r.Mint)
		w.pubkey(r.Vault)
		w.pubkey(r.Authority)
		w.u128(r.EmissionsPerSecondX64)
		w.u128(r.GrowthGlobalX64)
	}
	return w.buf.Bytes()
}

func EncodeTickArray(a *dex.TickArray) []byte {
	w := newWriter(dex.TickArrayDiscriminator)
	w.i32(a.StartTickIndex)
	for _, t := range a.Ticks {
		w.boolean(t.Initialized)
		w.i128(t.LiquidityNet)
		w.u128(t.LiquidityGross)
		w.u128(t.FeeGrowthOutsideA)
		w.u128(t.FeeGrowthOutsideB)
		for _, g := range t.RewardGrowthsOutside {
			w.u128(g)
		}
	}
	w.pubkey(a.Whirlpool)
	return w.buf.Bytes()
}

func EncodeFeeTier(ft *dex.FeeTier) []byte {
	w := newWriter(dex.FeeTierDiscriminator)
	w.pubkey(ft.WhirlpoolsConfig)
	w.u16(ft.TickSpacing)
	w.u16(ft.DefaultFeeRate)
	return w.buf.Bytes()
}

func EncodeWhirlpoolsConfig(c *dex.WhirlpoolsConfig) []byte {
	w := newWriter(dex.WhirlpoolsConfigDiscriminator)
	w.pubkey(c.FeeAuthority)
	w.pubkey(c.CollectProtocolFeesAuthority)
	w.pubkey(c.RewardEmissionsSuperAuthority)
	w.u16(c.DefaultProtocolFeeRate)
	return w.buf.Bytes()
}

func EncodePresale(p *dex.PresaleAccount) []byte {
	w := newWriter(dex.PresaleDiscriminator)
	w.pubkey(p.Authority)
	w.pubkey(p.TokenMint)
	w.u64(p.TotalRaised)
	w.i64(p.EndTime)
	w.boolean(p.Finalized)
	return w.buf.Bytes()
}

// EncodeMint returns an 82-byte SPL mint with only decimals and the
// initialized flag set.
func EncodeMint(decimals uint8) []byte {
	data := make([]byte, 82)
	data[44] = decimals
	data[45] = 1
	return data
}

// Pool describes a Whirlpool fixture.
type Pool struct {
	Programs     dex.Programs
	MintA        solana.PublicKey
	MintB        solana.PublicKey
	DecimalsA    uint8
	DecimalsB    uint8
	TickSpacing  uint16
	FeeRate      uint16
	Liquidity    uint64
	TickCurrent  int32
	SqrtPriceX64 *big.Int
}

// Install writes the pool, its mints, fee tier and config into fake and
// returns the pool address. Tick arrays are left to the caller.
func Install(fake *chaintest.Fake, p Pool) solana.PublicKey {
	address, bump, err := dex.DeriveWhirlpoolPDA(p.Programs.Whirlpool, p.Programs.WhirlpoolsConfig, p.MintA, p.MintB, p.TickSpacing)
	if err != nil {
		panic(err)
	}
	sqrt := p.SqrtPriceX64
	if sqrt == nil {
		v, err := clmm.SqrtPriceX64FromTick(p.TickCurrent)
		if err != nil {
			panic(err)
		}
		sqrt = v.BigInt()
	}
	pool := &dex.Whirlpool{
		WhirlpoolsConfig: p.Programs.WhirlpoolsConfig,
		Bump:             bump,
		TickSpacing:      p.TickSpacing,
		FeeRate:          p.FeeRate,
		Liquidity:        uint128.From64(p.Liquidity),
		SqrtPrice:        uint128.FromBig(sqrt),
		TickCurrentIndex: p.TickCurrent,
		TokenMintA:       p.MintA,
		TokenVaultA:      solana.NewWallet().PublicKey(),
		TokenMintB:       p.MintB,
		TokenVaultB:      solana.NewWallet().PublicKey(),
	}
	binary.LittleEndian.PutUint16(pool.FeeTierIndexSeed[:], p.TickSpacing)

	fake.SetAccount(address, p.Programs.Whirlpool, EncodeWhirlpool(pool))
	fake.SetAccount(p.MintA, solana.TokenProgramID, EncodeMint(p.DecimalsA))
	fake.SetAccount(p.MintB, solana.TokenProgramID, EncodeMint(p.DecimalsB))

	feeTier, _, err := dex.DeriveFeeTierPDA(p.Programs.Whirlpool, p.Programs.WhirlpoolsConfig, p.TickSpacing)
	if err != nil {
		panic(err)
	}
	fake.SetAccount(feeTier, p.Programs.Whirlpool, EncodeFeeTier(&dex.FeeTier{
		WhirlpoolsConfig: p.Programs.WhirlpoolsConfig,
		TickSpacing:      p.TickSpacing,
		DefaultFeeRate:   p.FeeRate,
	}))
	fake.SetAccount(p.Programs.WhirlpoolsConfig, p.Programs.Whirlpool, EncodeWhirlpoolsConfig(&dex.WhirlpoolsConfig{DefaultProtocolFeeRate: 300}))
	return address
}

// InstallTickArray writes an empty (or sparsely initialized) tick array.
func InstallTickArray(fake *chaintest.Fake, programs dex.Programs, pool solana.PublicKey, start int32, ticks map[int]*big.Int) solana.PublicKey {
	address, _, err := dex.DeriveTickArrayPDA(programs.Whirlpool, pool, start)
	if err != nil {
		panic(err)
	}
	arr := &dex.TickArray{StartTickIndex: start, Whirlpool: pool}
	for offset, net := range ticks {
		arr.Ticks[offset].Initialized = true
		arr.Ticks[offset].LiquidityNet = net
	}
	fake.SetAccount(address, programs.Whirlpool, EncodeTickArray(arr))
	return address
}

// Mints returns two fresh mints in canonical order.
func Mints() (solana.PublicKey, solana.PublicKey) {
	a, b, _ := dex.CanonicalMints(solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey())
	return a, b
}
