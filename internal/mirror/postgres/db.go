// Package postgres is the Postgres implementation of mirror.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns '?' into $n outside string literals.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}
		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

type Store struct {
	db *DB
}

var _ mirror.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, dexerr.RemoteUnavailable("ping postgres", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			mint TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			decimals SMALLINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pools (
			address TEXT PRIMARY KEY,
			mint_a TEXT NOT NULL REFERENCES tokens(mint),
			mint_b TEXT NOT NULL REFERENCES tokens(mint),
			tick_spacing INTEGER NOT NULL,
			lp_mint TEXT NOT NULL DEFAULT '',
			tvl_a NUMERIC(40,0) NOT NULL DEFAULT 0,
			tvl_b NUMERIC(40,0) NOT NULL DEFAULT 0,
			volume_a NUMERIC(40,0) NOT NULL DEFAULT 0,
			volume_b NUMERIC(40,0) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (mint_a, mint_b, tick_spacing)
		);`,
		`CREATE TABLE IF NOT EXISTS swaps (
			tx_hash TEXT PRIMARY KEY,
			pool TEXT NOT NULL,
			user_wallet TEXT NOT NULL,
			token_in TEXT NOT NULL,
			token_out TEXT NOT NULL,
			amount_in NUMERIC(40,0) NOT NULL,
			amount_out NUMERIC(40,0) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_swaps_pool_time ON swaps(pool, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS liquidity_positions (
			id TEXT PRIMARY KEY,
			user_wallet TEXT NOT NULL,
			pool TEXT NOT NULL,
			amount_a NUMERIC(40,0) NOT NULL CHECK (amount_a >= 0),
			amount_b NUMERIC(40,0) NOT NULL CHECK (amount_b >= 0),
			liquidity NUMERIC(40,0) NOT NULL CHECK (liquidity >= 0),
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (user_wallet, pool)
		);`,
		`CREATE TABLE IF NOT EXISTS presales (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			token_mint TEXT NOT NULL,
			price NUMERIC(60,18) NOT NULL,
			hard_cap NUMERIC(40,0) NOT NULL,
			total_raised NUMERIC(40,0) NOT NULL DEFAULT 0,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			finalized BOOLEAN NOT NULL DEFAULT FALSE,
			recipient TEXT NOT NULL DEFAULT '',
			finalize_tx TEXT NOT NULL DEFAULT '',
			attempt_signature TEXT NOT NULL DEFAULT '',
			attempt_recipient TEXT NOT NULL DEFAULT '',
			attempted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_presales_due ON presales(end_time) WHERE finalized = FALSE;`,
		`CREATE TABLE IF NOT EXISTS presale_contributions (
			tx_hash TEXT PRIMARY KEY,
			presale_id TEXT NOT NULL REFERENCES presales(id),
			wallet TEXT NOT NULL,
			amount NUMERIC(40,0) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// mapError turns driver errors into the dexerr taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, mirror.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return dexerr.New(dexerr.ErrConflict, op, fmt.Errorf("%s: %s", pgErr.ConstraintName, pgErr.Message))
		case "23514", "23503", "22003":
			return dexerr.New(dexerr.ErrInvalidInput, op, errors.New(pgErr.Message))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return dexerr.RemoteUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
