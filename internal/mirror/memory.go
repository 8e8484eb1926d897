package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"

	"github.com/coldbell/clmm/backend/internal/dexerr"
)

type positionKey struct {
	wallet string
	pool   string
}

type pairKey struct {
	mintA   string
	mintB   string
	spacing uint16
}

// MemoryStore is the in-process twin of the Postgres store, with the same
// uniqueness and merge rules.
type MemoryStore struct {
	mu            sync.Mutex
	pools         map[string]Pool
	pairs         map[pairKey]string
	tokens        map[string]Token
	swaps         map[string]Swap
	positions     map[positionKey]Position
	presales      map[string]Presale
	contributions map[string]Contribution
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:         make(map[string]Pool),
		pairs:         make(map[pairKey]string),
		tokens:        make(map[string]Token),
		swaps:         make(map[string]Swap),
		positions:     make(map[positionKey]Position),
		presales:      make(map[string]Presale),
		contributions: make(map[string]Contribution),
	}
}

func (m *MemoryStore) InsertPool(_ context.Context, pool Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[pool.Address]; ok {
		return dexerr.Conflict("insert pool", "pool %s already recorded", pool.Address)
	}
	key := pairKey{pool.MintA, pool.MintB, pool.TickSpacing}
	if existing, ok := m.pairs[key]; ok {
		return dexerr.Conflict("insert pool", "pair already recorded as pool %s", existing)
	}
	pool.TVLA, pool.TVLB = zeroIfNil(pool.TVLA), zeroIfNil(pool.TVLB)
	pool.VolumeA, pool.VolumeB = zeroIfNil(pool.VolumeA), zeroIfNil(pool.VolumeB)
	m.pools[pool.Address] = pool
	m.pairs[key] = pool.Address
	return nil
}

func (m *MemoryStore) GetPool(_ context.Context, address string) (Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[address]
	if !ok {
		return Pool{}, fmt.Errorf("pool %s: %w", address, ErrNotFound)
	}
	return pool, nil
}

func (m *MemoryStore) AddPoolVolume(_ context.Context, address string, volumeA, volumeB sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[address]
	if !ok {
		return fmt.Errorf("pool %s: %w", address, ErrNotFound)
	}
	pool.VolumeA = pool.VolumeA.Add(volumeA)
	pool.VolumeB = pool.VolumeB.Add(volumeB)
	m.pools[address] = pool
	return nil
}

func (m *MemoryStore) AddPoolTVL(_ context.Context, address string, deltaA, deltaB sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[address]
	if !ok {
		return fmt.Errorf("pool %s: %w", address, ErrNotFound)
	}
	pool.TVLA = clampZero(pool.TVLA.Add(deltaA))
	pool.TVLB = clampZero(pool.TVLB.Add(deltaB))
	m.pools[address] = pool
	return nil
}

func (m *MemoryStore) EnsureToken(_ context.Context, token Token) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tokens[token.Mint]; ok {
		return existing, nil
	}
	m.tokens[token.Mint] = token
	return token, nil
}

func (m *MemoryStore) GetToken(_ context.Context, mint string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[mint]
	if !ok {
		return Token{}, fmt.Errorf("token %s: %w", mint, ErrNotFound)
	}
	return token, nil
}

func (m *MemoryStore) InsertSwap(_ context.Context, swap Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.swaps[swap.TxHash]; ok {
		return dexerr.Conflict("insert swap", "swap %s already recorded", swap.TxHash)
	}
	m.swaps[swap.TxHash] = swap
	return nil
}

// SwapCount is for tests.
func (m *MemoryStore) SwapCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.swaps)
}

func (m *MemoryStore) UpsertPosition(_ context.Context, delta PositionDelta) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := positionKey{delta.UserWallet, delta.Pool}
	pos, ok := m.positions[key]
	if !ok {
		id := delta.ID
		if id == "" {
			id = uuid.NewString()
		}
		pos = Position{
			ID:         id,
			UserWallet: delta.UserWallet,
			Pool:       delta.Pool,
			AmountA:    sdkmath.ZeroInt(),
			AmountB:    sdkmath.ZeroInt(),
			Liquidity:  sdkmath.ZeroInt(),
		}
	}
	next := pos
	next.AmountA = pos.AmountA.Add(zeroIfNil(delta.DeltaA))
	next.AmountB = pos.AmountB.Add(zeroIfNil(delta.DeltaB))
	next.Liquidity = pos.Liquidity.Add(zeroIfNil(delta.DeltaLp))
	if next.AmountA.IsNegative() || next.AmountB.IsNegative() || next.Liquidity.IsNegative() {
		return Position{}, dexerr.InvalidInput("upsert position", "merged amounts for %s/%s would be negative", delta.UserWallet, delta.Pool)
	}
	next.UpdatedAt = time.Now().UTC()
	m.positions[key] = next
	return next, nil
}

func (m *MemoryStore) ListPositions(_ context.Context, wallet string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Position
	for key, pos := range m.positions {
		if key.wallet == wallet {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out, nil
}

func (m *MemoryStore) InsertPresale(_ context.Context, presale Presale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.presales[presale.ID]; ok {
		return dexerr.Conflict("insert presale", "presale %s already exists", presale.ID)
	}
	for _, existing := range m.presales {
		if presale.Address != "" && existing.Address == presale.Address {
			return dexerr.Conflict("insert presale", "presale account %s already recorded", presale.Address)
		}
	}
	presale.TotalRaised = zeroIfNil(presale.TotalRaised)
	m.presales[presale.ID] = presale
	return nil
}

func (m *MemoryStore) GetPresale(_ context.Context, id string) (Presale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presales[id]
	if !ok {
		return Presale{}, fmt.Errorf("presale %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) AddContribution(_ context.Context, c Contribution) (Presale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presales[c.PresaleID]
	if !ok {
		return Presale{}, fmt.Errorf("presale %s: %w", c.PresaleID, ErrNotFound)
	}
	if _, ok := m.contributions[c.TxHash]; ok {
		return Presale{}, dexerr.Conflict("add contribution", "contribution %s already recorded", c.TxHash)
	}
	if err := CheckContribution(p, c); err != nil {
		return Presale{}, err
	}
	p.TotalRaised = p.TotalRaised.Add(c.Amount)
	m.presales[p.ID] = p
	m.contributions[c.TxHash] = c
	return p, nil
}

func (m *MemoryStore) ListFinalizable(_ context.Context, now time.Time, limit int) ([]Presale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Presale
	for _, p := range m.presales {
		if !p.Finalized && p.Status != PresaleCancelled && p.EndTime.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EndTime.Before(out[j].EndTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordFinalizeAttempt(_ context.Context, id string, attempt FinalizeAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presales[id]
	if !ok {
		return fmt.Errorf("presale %s: %w", id, ErrNotFound)
	}
	if p.Finalized {
		return dexerr.Conflict("record finalize attempt", "presale %s already finalized", id)
	}
	at := attempt.At.UTC()
	p.AttemptSignature = attempt.Signature
	p.AttemptRecipient = attempt.Recipient
	p.AttemptedAt = &at
	m.presales[id] = p
	return nil
}

func (m *MemoryStore) MarkFinalized(_ context.Context, id string, result FinalizeResult) (Presale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presales[id]
	if !ok {
		return Presale{}, fmt.Errorf("presale %s: %w", id, ErrNotFound)
	}
	if p.Finalized {
		return p, dexerr.Conflict("mark finalized", "presale %s already finalized", id)
	}
	p.Finalized = true
	p.Status = PresaleCompleted
	p.Recipient = result.Recipient
	p.FinalizeTx = result.FinalizeTx
	m.presales[id] = p
	return p, nil
}

func (m *MemoryStore) Close() error { return nil }

// CheckContribution validates c against the presale row it would update.
func CheckContribution(p Presale, c Contribution) error {
	const op = "add contribution"
	if p.Finalized || p.Status != PresaleActive {
		return dexerr.StaleState(op, "presale %s is %s", p.ID, p.Status)
	}
	if !c.CreatedAt.IsZero() && !c.CreatedAt.Before(p.EndTime) {
		return dexerr.StaleState(op, "presale %s ended at %s", p.ID, p.EndTime.Format(time.RFC3339))
	}
	if !p.HardCap.IsNil() && p.HardCap.IsPositive() && p.TotalRaised.Add(c.Amount).GT(p.HardCap) {
		return dexerr.InvalidInput(op, "contribution exceeds hard cap of presale %s", p.ID)
	}
	return nil
}

func zeroIfNil(v sdkmath.Int) sdkmath.Int {
	if v.IsNil() {
		return sdkmath.ZeroInt()
	}
	return v
}

func clampZero(v sdkmath.Int) sdkmath.Int {
	if v.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return v
}
