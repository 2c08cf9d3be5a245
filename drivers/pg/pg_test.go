package pg_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/specterops/graphguard/drivers/pg"
	"github.com/stretchr/testify/require"
)

func TestSQLState_ErrorMatches(t *testing.T) {
	uniqueViolation := fmt.Errorf("storing plugin: %w", &pgconn.PgError{
		Code:    string(pg.StateUniqueViolation),
		Message: "duplicate key value violates unique constraint",
	})

	require.True(t, pg.StateUniqueViolation.ErrorMatches(uniqueViolation))
	require.False(t, pg.StateObjectDoesNotExist.ErrorMatches(uniqueViolation))
	require.False(t, pg.StateUniqueViolation.ErrorMatches(errors.New("23505")))
	require.False(t, pg.StateUniqueViolation.ErrorMatches(nil))
}
