// Package mirror reconciles the off-chain relational mirror with on-chain
// outcomes. The chain is authoritative; every write here is idempotent so a
// client may replay it safely.
package mirror

import (
	"context"
	"errors"
	"time"

	sdkmath "cosmossdk.io/math"
)

var ErrNotFound = errors.New("mirror: not found")

type PresaleStatus string

const (
	PresaleActive    PresaleStatus = "active"
	PresaleCompleted PresaleStatus = "completed"
	PresaleCancelled PresaleStatus = "cancelled"
)

// Pool mints are stored in canonical order.
type Pool struct {
	Address     string
	MintA       string
	MintB       string
	TickSpacing uint16
	LpMint      string
	TVLA        sdkmath.Int
	TVLB        sdkmath.Int
	VolumeA     sdkmath.Int
	VolumeB     sdkmath.Int
	CreatedAt   time.Time
}

type Token struct {
	Mint     string
	Symbol   string
	Name     string
	Decimals uint8
}

type Swap struct {
	TxHash     string
	Pool       string
	UserWallet string
	TokenIn    string
	TokenOut   string
	AmountIn   sdkmath.Int
	AmountOut  sdkmath.Int
	CreatedAt  time.Time
}

type Position struct {
	ID         string
	UserWallet string
	Pool       string
	AmountA    sdkmath.Int
	AmountB    sdkmath.Int
	Liquidity  sdkmath.Int
	UpdatedAt  time.Time
}

// PositionDelta is merged additively into the (user, pool) row. Negative
// deltas correct provisional amounts; the merged amounts may not go below
// zero.
type PositionDelta struct {
	ID         string
	UserWallet string
	Pool       string
	DeltaA     sdkmath.Int
	DeltaB     sdkmath.Int
	DeltaLp    sdkmath.Int
}

type Presale struct {
	ID          string
	Address     string
	TokenMint   string
	Price       sdkmath.LegacyDec
	HardCap     sdkmath.Int
	TotalRaised sdkmath.Int
	StartTime   time.Time
	EndTime     time.Time
	Status      PresaleStatus
	Finalized   bool
	Recipient   string
	FinalizeTx  string

	// Set before a finalize transaction is submitted.
	AttemptSignature string
	AttemptRecipient string
	AttemptedAt      *time.Time

	CreatedAt time.Time
}

type Contribution struct {
	PresaleID string
	Wallet    string
	Amount    sdkmath.Int
	TxHash    string
	CreatedAt time.Time
}

type FinalizeAttempt struct {
	Signature string
	Recipient string
	At        time.Time
}

type FinalizeResult struct {
	Recipient  string
	FinalizeTx string
}

// Store is the persistence boundary. Uniqueness violations surface as
// dexerr conflict errors and missing rows as ErrNotFound.
type Store interface {
	InsertPool(ctx context.Context, pool Pool) error
	GetPool(ctx context.Context, address string) (Pool, error)
	AddPoolVolume(ctx context.Context, address string, volumeA, volumeB sdkmath.Int) error
	AddPoolTVL(ctx context.Context, address string, deltaA, deltaB sdkmath.Int) error

	// EnsureToken inserts the token unless the mint exists and returns the
	// stored row.
	EnsureToken(ctx context.Context, token Token) (Token, error)
	GetToken(ctx context.Context, mint string) (Token, error)

	InsertSwap(ctx context.Context, swap Swap) error

	UpsertPosition(ctx context.Context, delta PositionDelta) (Position, error)
	ListPositions(ctx context.Context, wallet string) ([]Position, error)

	InsertPresale(ctx context.Context, presale Presale) error
	GetPresale(ctx context.Context, id string) (Presale, error)
	AddContribution(ctx context.Context, c Contribution) (Presale, error)
	// ListFinalizable returns unfinalized presales whose end time is before
	// now, oldest first.
	ListFinalizable(ctx context.Context, now time.Time, limit int) ([]Presale, error)
	RecordFinalizeAttempt(ctx context.Context, id string, attempt FinalizeAttempt) error
	MarkFinalized(ctx context.Context, id string, result FinalizeResult) (Presale, error)

	Close() error
}
