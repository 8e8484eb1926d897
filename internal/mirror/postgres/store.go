package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

func (s *Store) InsertPool(ctx context.Context, pool mirror.Pool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pools (address, mint_a, mint_b, tick_spacing, lp_mint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pool.Address, pool.MintA, pool.MintB, int32(pool.TickSpacing), pool.LpMint, pool.CreatedAt,
	)
	return mapError("insert pool", err)
}

const poolColumns = `address, mint_a, mint_b, tick_spacing, lp_mint,
	tvl_a::text, tvl_b::text, volume_a::text, volume_b::text, created_at`

func (s *Store) GetPool(ctx context.Context, address string) (mirror.Pool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM pools WHERE address = ?`, address)
	var (
		pool                         mirror.Pool
		spacing                      int32
		tvlA, tvlB, volumeA, volumeB string
	)
	err := row.Scan(&pool.Address, &pool.MintA, &pool.MintB, &spacing, &pool.LpMint, &tvlA, &tvlB, &volumeA, &volumeB, &pool.CreatedAt)
	if err != nil {
		return mirror.Pool{}, mapError("get pool "+address, err)
	}
	pool.TickSpacing = uint16(spacing)
	if err := parseInts([]*sdkmath.Int{&pool.TVLA, &pool.TVLB, &pool.VolumeA, &pool.VolumeB}, tvlA, tvlB, volumeA, volumeB); err != nil {
		return mirror.Pool{}, err
	}
	return pool, nil
}

func (s *Store) AddPoolVolume(ctx context.Context, address string, volumeA, volumeB sdkmath.Int) error {
	return s.addPoolAmounts(ctx, "add pool volume",
		`UPDATE pools SET volume_a = volume_a + ?::numeric, volume_b = volume_b + ?::numeric WHERE address = ?`,
		address, volumeA, volumeB)
}

func (s *Store) AddPoolTVL(ctx context.Context, address string, deltaA, deltaB sdkmath.Int) error {
	return s.addPoolAmounts(ctx, "add pool tvl",
		`UPDATE pools SET tvl_a = GREATEST(tvl_a + ?::numeric, 0), tvl_b = GREATEST(tvl_b + ?::numeric, 0) WHERE address = ?`,
		address, deltaA, deltaB)
}

func (s *Store) addPoolAmounts(ctx context.Context, op, query, address string, a, b sdkmath.Int) error {
	res, err := s.db.ExecContext(ctx, query, a.String(), b.String(), address)
	if err != nil {
		return mapError(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pool %s: %w", address, mirror.ErrNotFound)
	}
	return nil
}

func (s *Store) EnsureToken(ctx context.Context, token mirror.Token) (mirror.Token, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (mint, symbol, name, decimals) VALUES (?, ?, ?, ?)
		 ON CONFLICT (mint) DO NOTHING`,
		token.Mint, token.Symbol, token.Name, int16(token.Decimals),
	)
	if err != nil {
		return mirror.Token{}, mapError("ensure token", err)
	}
	return s.GetToken(ctx, token.Mint)
}

func (s *Store) GetToken(ctx context.Context, mint string) (mirror.Token, error) {
	var (
		token    mirror.Token
		decimals int16
	)
	err := s.db.QueryRowContext(ctx, `SELECT mint, symbol, name, decimals FROM tokens WHERE mint = ?`, mint).
		Scan(&token.Mint, &token.Symbol, &token.Name, &decimals)
	if err != nil {
		return mirror.Token{}, mapError("get token "+mint, err)
	}
	token.Decimals = uint8(decimals)
	return token, nil
}

func (s *Store) InsertSwap(ctx context.Context, swap mirror.Swap) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO swaps (tx_hash, pool, user_wallet, token_in, token_out, amount_in, amount_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?::numeric, ?::numeric, ?)`,
		swap.TxHash, swap.Pool, swap.UserWallet, swap.TokenIn, swap.TokenOut,
		swap.AmountIn.String(), swap.AmountOut.String(), swap.CreatedAt,
	)
	return mapError("insert swap", err)
}

// UpsertPosition merges in one statement so concurrent deposits for the
// same (user, pool) never lose an update.
func (s *Store) UpsertPosition(ctx context.Context, delta mirror.PositionDelta) (mirror.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO liquidity_positions (id, user_wallet, pool, amount_a, amount_b, liquidity, updated_at)
		 VALUES (?, ?, ?, ?::numeric, ?::numeric, ?::numeric, ?)
		 ON CONFLICT (user_wallet, pool) DO UPDATE SET
		   amount_a = liquidity_positions.amount_a + excluded.amount_a,
		   amount_b = liquidity_positions.amount_b + excluded.amount_b,
		   liquidity = liquidity_positions.liquidity + excluded.liquidity,
		   updated_at = excluded.updated_at
		 RETURNING id, user_wallet, pool, amount_a::text, amount_b::text, liquidity::text, updated_at`,
		delta.ID, delta.UserWallet, delta.Pool,
		delta.DeltaA.String(), delta.DeltaB.String(), delta.DeltaLp.String(), time.Now().UTC(),
	)
	pos, err := scanPosition(row)
	if err != nil {
		return mirror.Position{}, mapError("upsert position", err)
	}
	return pos, nil
}

func (s *Store) ListPositions(ctx context.Context, wallet string) ([]mirror.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_wallet, pool, amount_a::text, amount_b::text, liquidity::text, updated_at
		 FROM liquidity_positions WHERE user_wallet = ? ORDER BY pool`,
		wallet,
	)
	if err != nil {
		return nil, mapError("list positions", err)
	}
	defer rows.Close()

	var out []mirror.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, mapError("list positions", err)
		}
		out = append(out, pos)
	}
	return out, mapError("list positions", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (mirror.Position, error) {
	var (
		pos     mirror.Position
		a, b, l string
	)
	if err := row.Scan(&pos.ID, &pos.UserWallet, &pos.Pool, &a, &b, &l, &pos.UpdatedAt); err != nil {
		return mirror.Position{}, err
	}
	if err := parseInts([]*sdkmath.Int{&pos.AmountA, &pos.AmountB, &pos.Liquidity}, a, b, l); err != nil {
		return mirror.Position{}, err
	}
	return pos, nil
}

func (s *Store) InsertPresale(ctx context.Context, p mirror.Presale) error {
	total := p.TotalRaised
	if total.IsNil() {
		total = sdkmath.ZeroInt()
	}
	price := p.Price
	if price.IsNil() {
		price = sdkmath.LegacyZeroDec()
	}
	hardCap := p.HardCap
	if hardCap.IsNil() {
		hardCap = sdkmath.ZeroInt()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presales (id, address, token_mint, price, hard_cap, total_raised,
		   start_time, end_time, status, finalized, created_at)
		 VALUES (?, ?, ?, ?::numeric, ?::numeric, ?::numeric, ?, ?, ?, ?, ?)`,
		p.ID, p.Address, p.TokenMint, price.String(), hardCap.String(), total.String(),
		p.StartTime, p.EndTime, string(p.Status), p.Finalized, createdAt,
	)
	return mapError("insert presale", err)
}

const presaleColumns = `id, address, token_mint, price::text, hard_cap::text, total_raised::text,
	start_time, end_time, status, finalized, recipient, finalize_tx,
	attempt_signature, attempt_recipient, attempted_at, created_at`

func scanPresale(row scanner) (mirror.Presale, error) {
	var (
		p                     mirror.Presale
		price, hardCap, total string
		status                string
		attemptedAt           sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Address, &p.TokenMint, &price, &hardCap, &total,
		&p.StartTime, &p.EndTime, &status, &p.Finalized, &p.Recipient, &p.FinalizeTx,
		&p.AttemptSignature, &p.AttemptRecipient, &attemptedAt, &p.CreatedAt)
	if err != nil {
		return mirror.Presale{}, err
	}
	p.Status = mirror.PresaleStatus(status)
	if attemptedAt.Valid {
		at := attemptedAt.Time
		p.AttemptedAt = &at
	}
	dec, err := sdkmath.LegacyNewDecFromStr(price)
	if err != nil {
		return mirror.Presale{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	p.Price = dec
	if err := parseInts([]*sdkmath.Int{&p.HardCap, &p.TotalRaised}, hardCap, total); err != nil {
		return mirror.Presale{}, err
	}
	return p, nil
}

func (s *Store) GetPresale(ctx context.Context, id string) (mirror.Presale, error) {
	p, err := scanPresale(s.db.QueryRowContext(ctx, `SELECT `+presaleColumns+` FROM presales WHERE id = ?`, id))
	if err != nil {
		return mirror.Presale{}, mapError("get presale "+id, err)
	}
	return p, nil
}

func (s *Store) AddContribution(ctx context.Context, c mirror.Contribution) (mirror.Presale, error) {
	var updated mirror.Presale
	err := s.WithTx(ctx, func(tx *Tx) error {
		p, err := scanPresale(tx.QueryRowContext(ctx, `SELECT `+presaleColumns+` FROM presales WHERE id = ? FOR UPDATE`, c.PresaleID))
		if err != nil {
			return mapError("get presale "+c.PresaleID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO presale_contributions (tx_hash, presale_id, wallet, amount, created_at)
			 VALUES (?, ?, ?, ?::numeric, ?)`,
			c.TxHash, c.PresaleID, c.Wallet, c.Amount.String(), c.CreatedAt,
		); err != nil {
			return mapError("add contribution", err)
		}
		if err := mirror.CheckContribution(p, c); err != nil {
			return err
		}
		updated, err = scanPresale(tx.QueryRowContext(ctx,
			`UPDATE presales SET total_raised = total_raised + ?::numeric WHERE id = ?
			 RETURNING `+presaleColumns,
			c.Amount.String(), c.PresaleID,
		))
		return mapError("add contribution", err)
	})
	return updated, err
}

func (s *Store) ListFinalizable(ctx context.Context, now time.Time, limit int) ([]mirror.Presale, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+presaleColumns+` FROM presales
		 WHERE finalized = FALSE AND status <> ? AND end_time < ?
		 ORDER BY end_time, id
		 LIMIT ?`,
		string(mirror.PresaleCancelled), now, limit,
	)
	if err != nil {
		return nil, mapError("list finalizable", err)
	}
	defer rows.Close()

	var out []mirror.Presale
	for rows.Next() {
		p, err := scanPresale(rows)
		if err != nil {
			return nil, mapError("list finalizable", err)
		}
		out = append(out, p)
	}
	return out, mapError("list finalizable", rows.Err())
}

func (s *Store) RecordFinalizeAttempt(ctx context.Context, id string, attempt mirror.FinalizeAttempt) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presales SET attempt_signature = ?, attempt_recipient = ?, attempted_at = ?
		 WHERE id = ? AND finalized = FALSE`,
		attempt.Signature, attempt.Recipient, attempt.At.UTC(), id,
	)
	if err != nil {
		return mapError("record finalize attempt", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.explainMissed(ctx, "record finalize attempt", id)
	}
	return nil
}

func (s *Store) MarkFinalized(ctx context.Context, id string, result mirror.FinalizeResult) (mirror.Presale, error) {
	p, err := scanPresale(s.db.QueryRowContext(ctx,
		`UPDATE presales SET finalized = TRUE, status = ?, recipient = ?, finalize_tx = ?
		 WHERE id = ? AND finalized = FALSE
		 RETURNING `+presaleColumns,
		string(mirror.PresaleCompleted), result.Recipient, result.FinalizeTx, id,
	))
	if err == nil {
		return p, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return mirror.Presale{}, s.explainMissed(ctx, "mark finalized", id)
	}
	return mirror.Presale{}, mapError("mark finalized", err)
}

// explainMissed distinguishes a missing presale from one already finalized.
func (s *Store) explainMissed(ctx context.Context, op, id string) error {
	if _, err := s.GetPresale(ctx, id); err != nil {
		return err
	}
	return dexerr.Conflict(op, "presale %s already finalized", id)
}

func parseInts(dst []*sdkmath.Int, values ...string) error {
	for i, v := range values {
		n, ok := sdkmath.NewIntFromString(v)
		if !ok {
			return fmt.Errorf("parse numeric %q", v)
		}
		*dst[i] = n
	}
	return nil
}
