package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/coldbell/clmm/backend/internal/dexerr"
	"github.com/coldbell/clmm/backend/internal/mirror"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	got := rebindPostgresPlaceholders(`UPDATE t SET a = a + ?::numeric, note = 'why?' WHERE id = ? AND s = 'it''s?'`)
	assert.Equal(t, `UPDATE t SET a = a + $1::numeric, note = 'why?' WHERE id = $2 AND s = 'it''s?'`, got)
}

func TestMapError(t *testing.T) {
	unique := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: "swaps_pkey", Message: "duplicate key"})
	assert.True(t, errors.Is(mapError("insert swap", unique), dexerr.ErrConflict))

	check := &pgconn.PgError{Code: "23514", Message: "violates check constraint"}
	assert.True(t, errors.Is(mapError("upsert position", check), dexerr.ErrInvalidInput))

	assert.True(t, errors.Is(mapError("get", context.DeadlineExceeded), dexerr.ErrRemoteUnavailable))
	assert.Nil(t, mapError("noop", nil))
	assert.False(t, errors.Is(mapError("other", errors.New("boom")), mirror.ErrNotFound))
}
