package graphguard

import (
	"context"
	"fmt"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
)

// CreateReadTxn returns a read-only snapshot transaction.
func (s *Handle) CreateReadTxn(ctx context.Context) (database.Transaction, error) {
	if engine, err := s.gate(access.ClassRead, "CreateReadTxn"); err != nil {
		return nil, err
	} else {
		return engine.CreateReadTxn(ctx)
	}
}

// CreateWriteTxn returns a write transaction. Pessimistic transactions lock records as they are written and fail
// immediately with graph.ErrConflict on a held lock; optimistic transactions detect conflicts at commit. A flush
// transaction is durable once Commit returns.
func (s *Handle) CreateWriteTxn(ctx context.Context, optimistic, flush bool) (database.Transaction, error) {
	if engine, err := s.gate(access.ClassWrite, "CreateWriteTxn"); err != nil {
		return nil, err
	} else {
		return engine.CreateWriteTxn(ctx, optimistic, flush)
	}
}

// ForkTxn returns a read-only transaction sharing the parent's snapshot. No access check is made: the parent was
// authorized when it was created.
func (s *Handle) ForkTxn(ctx context.Context, parent database.Transaction) (database.Transaction, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: cannot fork a nil transaction", graph.ErrInvalidArgument)
	}

	if !parent.Valid() {
		return nil, fmt.Errorf("fork of transaction %d: %w", parent.ID(), graph.ErrTransactionClosed)
	}

	if engine, err := s.engine(); err != nil {
		return nil, err
	} else {
		return engine.ForkTxn(ctx, parent)
	}
}
