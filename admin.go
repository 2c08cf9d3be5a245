package graphguard

import (
	"context"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/database"
)

func (s *Handle) GetConfig() (database.Config, error) {
	if engine, err := s.gate(access.ClassRead, "GetConfig"); err != nil {
		return database.Config{}, err
	} else {
		return engine.Config(), nil
	}
}

// DropAllData removes every vertex, edge, label and index.
func (s *Handle) DropAllData(ctx context.Context) error {
	if engine, err := s.gate(access.ClassAdmin, "DropAllData"); err != nil {
		return err
	} else {
		return engine.DropAllData(ctx)
	}
}

// DropAllVertex removes every vertex and edge but keeps labels and index definitions.
func (s *Handle) DropAllVertex(ctx context.Context) error {
	if engine, err := s.gate(access.ClassAdmin, "DropAllVertex"); err != nil {
		return err
	} else {
		return engine.DropAllVertex(ctx)
	}
}

// Flush makes every committed transaction durable.
func (s *Handle) Flush(ctx context.Context) error {
	if engine, err := s.gate(access.ClassWrite, "Flush"); err != nil {
		return err
	} else {
		return engine.Persist(ctx)
	}
}

// EstimateNumVertices returns an approximate vertex count.
func (s *Handle) EstimateNumVertices() (uint64, error) {
	if engine, err := s.gate(access.ClassRead, "EstimateNumVertices"); err != nil {
		return 0, err
	} else {
		return engine.NumVertices(), nil
	}
}

// WarmUp lets the engine reclaim old versions and refresh its statistics. It is not gated.
func (s *Handle) WarmUp(ctx context.Context) error {
	if engine, err := s.engine(); err != nil {
		return err
	} else {
		return engine.WarmUp(ctx)
	}
}

// Backup writes a consistent snapshot to path and returns the number of bytes written. A compact backup packs its
// pages fully.
func (s *Handle) Backup(ctx context.Context, path string, compact bool) (int64, error) {
	if engine, err := s.gate(access.ClassRead, "Backup"); err != nil {
		return 0, err
	} else {
		return engine.Backup(ctx, path, compact)
	}
}
