package dex

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	sdkmath "cosmossdk.io/math"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"lukechampine.com/uint128"

	"github.com/coldbell/clmm/backend/internal/clmm"
)

const (
	WhirlpoolAccountSize = 653
	TickArrayAccountSize = 9988
	PresaleAccountSize   = 89
	tickSize             = 113
	rewardInfoCount      = 3
	splMintDecimalsIndex = 44
)

var (
	WhirlpoolDiscriminator        = AnchorAccountDiscriminator("Whirlpool")
	TickArrayDiscriminator        = AnchorAccountDiscriminator("TickArray")
	WhirlpoolsConfigDiscriminator = AnchorAccountDiscriminator("WhirlpoolsConfig")
	FeeTierDiscriminator          = AnchorAccountDiscriminator("FeeTier")
	PresaleDiscriminator          = AnchorAccountDiscriminator("Presale")
)

func AnchorAccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

type RewardInfo struct {
	Mint                  solana.PublicKey
	Vault                 solana.PublicKey
	Authority             solana.PublicKey
	EmissionsPerSecondX64 uint128.Uint128
	GrowthGlobalX64       uint128.Uint128
}

type Whirlpool struct {
	Address                    solana.PublicKey
	WhirlpoolsConfig           solana.PublicKey
	Bump                       uint8
	TickSpacing                uint16
	FeeTierIndexSeed           [2]byte
	FeeRate                    uint16
	ProtocolFeeRate            uint16
	Liquidity                  uint128.Uint128
	SqrtPrice                  uint128.Uint128
	TickCurrentIndex           int32
	ProtocolFeeOwedA           uint64
	ProtocolFeeOwedB           uint64
	TokenMintA                 solana.PublicKey
	TokenVaultA                solana.PublicKey
	FeeGrowthGlobalA           uint128.Uint128
	TokenMintB                 solana.PublicKey
	TokenVaultB                solana.PublicKey
	FeeGrowthGlobalB           uint128.Uint128
	RewardLastUpdatedTimestamp uint64
	RewardInfos                [rewardInfoCount]RewardInfo
}

// State projects the pool onto the quote math's inputs.
func (w *Whirlpool) State(decimalsA, decimalsB uint8) clmm.PoolState {
	return clmm.PoolState{
		SqrtPriceX64: sdkmath.NewIntFromBigInt(w.SqrtPrice.Big()),
		TickCurrent:  w.TickCurrentIndex,
		TickSpacing:  w.TickSpacing,
		Liquidity:    sdkmath.NewIntFromBigInt(w.Liquidity.Big()),
		FeeRate:      w.FeeRate,
		DecimalsA:    decimalsA,
		DecimalsB:    decimalsB,
	}
}

type Tick struct {
	Initialized          bool
	LiquidityNet         *big.Int
	LiquidityGross       uint128.Uint128
	FeeGrowthOutsideA    uint128.Uint128
	FeeGrowthOutsideB    uint128.Uint128
	RewardGrowthsOutside [rewardInfoCount]uint128.Uint128
}

type TickArray struct {
	Address        solana.PublicKey
	StartTickIndex int32
	Ticks          [clmm.TickArraySize]Tick
	Whirlpool      solana.PublicKey
}

// InitializedTicks returns the array's initialized ticks with their
// absolute indexes.
func (a *TickArray) InitializedTicks(tickSpacing uint16) []clmm.Tick {
	out := make([]clmm.Tick, 0)
	for i, tick := range a.Ticks {
		if !tick.Initialized {
			continue
		}
		out = append(out, clmm.Tick{
			Index:        a.StartTickIndex + int32(i)*int32(tickSpacing),
			LiquidityNet: sdkmath.NewIntFromBigInt(tick.LiquidityNet),
		})
	}
	return out
}

type WhirlpoolsConfig struct {
	FeeAuthority                  solana.PublicKey
	CollectProtocolFeesAuthority  solana.PublicKey
	RewardEmissionsSuperAuthority solana.PublicKey
	DefaultProtocolFeeRate        uint16
}

type FeeTier struct {
	WhirlpoolsConfig solana.PublicKey
	TickSpacing      uint16
	DefaultFeeRate   uint16
}

// PresaleAccount is the on-chain presale state read by the finalizer.
type PresaleAccount struct {
	Authority   solana.PublicKey
	TokenMint   solana.PublicKey
	TotalRaised uint64
	EndTime     int64
	Finalized   bool
}

type accountReader struct {
	dec *bin.Decoder
	err error
}

func newAccountReader(name string, data []byte, disc [8]byte, minSize int) (*accountReader, error) {
	if len(data) < minSize {
		return nil, fmt.Errorf("%s account: %d bytes, want %d", name, len(data), minSize)
	}
	if [8]byte(data[:8]) != disc {
		return nil, fmt.Errorf("%s account: discriminator mismatch", name)
	}
	r := &accountReader{dec: bin.NewBinDecoder(data)}
	r.skip(8)
	return r, nil
}

func (r *accountReader) skip(n uint) {
	if r.err == nil {
		r.err = r.dec.SkipBytes(n)
	}
}

func (r *accountReader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	out, err := r.dec.ReadNBytes(n)
	if err != nil {
		r.err = err
		return make([]byte, n)
	}
	return out
}

func (r *accountReader) pubkey() solana.PublicKey {
	return solana.PublicKeyFromBytes(r.bytes(32))
}

func (r *accountReader) u8() uint8 { return r.bytes(1)[0] }

func (r *accountReader) boolean() bool { return r.u8() != 0 }

func (r *accountReader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }

func (r *accountReader) i32() int32 { return int32(binary.LittleEndian.Uint32(r.bytes(4))) }

func (r *accountReader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }

func (r *accountReader) i64() int64 { return int64(r.u64()) }

func (r *accountReader) u128() uint128.Uint128 { return uint128.FromBytes(r.bytes(16)) }

// i128 decodes a little-endian two's complement value.
func (r *accountReader) i128() *big.Int {
	v := r.u128().Big()
	if v.Bit(127) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	return v
}

func DecodeWhirlpool(address solana.PublicKey, data []byte) (*Whirlpool, error) {
	r, err := newAccountReader("whirlpool", data, WhirlpoolDiscriminator, WhirlpoolAccountSize)
	if err != nil {
		return nil, err
	}
	w := &Whirlpool{Address: address}
	w.WhirlpoolsConfig = r.pubkey()
	w.Bump = r.u8()
	w.TickSpacing = r.u16()
	copy(w.FeeTierIndexSeed[:], r.bytes(2))
	w.FeeRate = r.u16()
	w.ProtocolFeeRate = r.u16()
	w.Liquidity = r.u128()
	w.SqrtPrice = r.u128()
	w.TickCurrentIndex = r.i32()
	w.ProtocolFeeOwedA = r.u64()
	w.ProtocolFeeOwedB = r.u64()
	w.TokenMintA = r.pubkey()
	w.TokenVaultA = r.pubkey()
	w.FeeGrowthGlobalA = r.u128()
	w.TokenMintB = r.pubkey()
	w.TokenVaultB = r.pubkey()
	w.FeeGrowthGlobalB = r.u128()
	w.RewardLastUpdatedTimestamp = r.u64()
	for i := range w.RewardInfos {
		w.RewardInfos[i] = RewardInfo{
			Mint:                  r.pubkey(),
			Vault:                 r.pubkey(),
			Authority:             r.pubkey(),
			EmissionsPerSecondX64: r.u128(),
			GrowthGlobalX64:       r.u128(),
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode whirlpool %s: %w", address, r.err)
	}
	return w, nil
}

func DecodeTickArray(address solana.PublicKey, data []byte) (*TickArray, error) {
	r, err := newAccountReader("tick array", data, TickArrayDiscriminator, TickArrayAccountSize)
	if err != nil {
		return nil, err
	}
	a := &TickArray{Address: address}
	a.StartTickIndex = r.i32()
	for i := range a.Ticks {
		t := &a.Ticks[i]
		t.Initialized = r.boolean()
		t.LiquidityNet = r.i128()
		t.LiquidityGross = r.u128()
		t.FeeGrowthOutsideA = r.u128()
		t.FeeGrowthOutsideB = r.u128()
		for j := range t.RewardGrowthsOutside {
			t.RewardGrowthsOutside[j] = r.u128()
		}
	}
	a.Whirlpool = r.pubkey()
	if r.err != nil {
		return nil, fmt.Errorf("decode tick array %s: %w", address, r.err)
	}
	return a, nil
}

func DecodeWhirlpoolsConfig(data []byte) (*WhirlpoolsConfig, error) {
	r, err := newAccountReader("whirlpools config", data, WhirlpoolsConfigDiscriminator, 8+32*3+2)
	if err != nil {
		return nil, err
	}
	cfg := &WhirlpoolsConfig{
		FeeAuthority:                  r.pubkey(),
		CollectProtocolFeesAuthority:  r.pubkey(),
		RewardEmissionsSuperAuthority: r.pubkey(),
		DefaultProtocolFeeRate:        r.u16(),
	}
	return cfg, r.err
}

func DecodeFeeTier(data []byte) (*FeeTier, error) {
	r, err := newAccountReader("fee tier", data, FeeTierDiscriminator, 8+32+2+2)
	if err != nil {
		return nil, err
	}
	ft := &FeeTier{
		WhirlpoolsConfig: r.pubkey(),
		TickSpacing:      r.u16(),
		DefaultFeeRate:   r.u16(),
	}
	return ft, r.err
}

func DecodePresaleAccount(data []byte) (*PresaleAccount, error) {
	r, err := newAccountReader("presale", data, PresaleDiscriminator, PresaleAccountSize)
	if err != nil {
		return nil, err
	}
	p := &PresaleAccount{
		Authority:   r.pubkey(),
		TokenMint:   r.pubkey(),
		TotalRaised: r.u64(),
		EndTime:     r.i64(),
		Finalized:   r.boolean(),
	}
	return p, r.err
}

// MintDecimals reads the decimals byte of an SPL token mint account.
func MintDecimals(data []byte) (uint8, error) {
	if len(data) <= splMintDecimalsIndex {
		return 0, fmt.Errorf("mint account: %d bytes, too short", len(data))
	}
	return data[splMintDecimalsIndex], nil
}
