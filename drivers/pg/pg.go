// Package pg keeps the stored procedure catalog in PostgreSQL so that every engine instance, including engines
// loaded by a reload, shares the same descriptors.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/specterops/graphguard/drivers"
)

const (
	poolInitConnectionTimeout = time.Second * 10

	defaultMinConns = 1
	defaultMaxConns = 10
)

// SQLState is a PostgreSQL error code.
type SQLState string

const (
	StateUniqueViolation       SQLState = "23505"
	StateObjectDoesNotExist    SQLState = "42704"
	StateQueryCanceled         SQLState = "57014"
	StateInsufficientPrivilege SQLState = "42501"
)

// ErrorMatches returns true if err carries this SQL state.
func (s SQLState) ErrorMatches(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		return pgErr.Code == string(s)
	}

	return false
}

// NewPool connects a pgx pool. With IAM auth enabled every new connection requests a fresh authentication token.
func NewPool(ctx context.Context, cfg drivers.DatabaseConfiguration) (*pgxpool.Pool, error) {
	poolCtx, done := context.WithTimeout(ctx, poolInitConnectionTimeout)
	defer done()

	connectionString, err := cfg.PostgreSQLConnectionString(poolCtx)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, err
	}

	poolCfg.MinConns = defaultMinConns
	poolCfg.MaxConns = defaultMaxConns

	if cfg.MaxConcurrentSessions > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConcurrentSessions)
	}

	if cfg.IamAuth {
		poolCfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
			slog.DebugContext(ctx, "refreshing rds iam credentials before connecting")

			refreshedConnectionString, err := cfg.PostgreSQLConnectionString(ctx)
			if err != nil {
				return err
			}

			refreshedCfg, err := pgxpool.ParseConfig(refreshedConnectionString)
			if err != nil {
				return err
			}

			connCfg.Password = refreshedCfg.ConnConfig.Password
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(poolCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgresql: %w", err)
	}

	return pool, nil
}
