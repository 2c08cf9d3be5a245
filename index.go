package graphguard

import (
	"context"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
)

// AddIndex builds an exact index over every existing record of label before returning. Commits that race the build
// are captured by it. A unique index over data that already holds a duplicate value fails with graph.ErrConflict and
// leaves no index behind.
func (s *Handle) AddIndex(ctx context.Context, label, field string, unique, isVertex bool) error {
	if engine, err := s.gate(access.ClassAdmin, "AddIndex"); err != nil {
		return err
	} else {
		return engine.BlockingAddIndex(ctx, database.IndexSpec{
			Label:    label,
			Field:    field,
			Unique:   unique,
			IsVertex: isVertex,
		})
	}
}

func (s *Handle) AddVertexIndex(ctx context.Context, label, field string, unique bool) error {
	return s.AddIndex(ctx, label, field, unique, true)
}

func (s *Handle) AddEdgeIndex(ctx context.Context, label, field string, unique bool) error {
	return s.AddIndex(ctx, label, field, unique, false)
}

// DeleteIndex drops an exact index. Dropping an index that does not exist fails with graph.ErrNotFound.
func (s *Handle) DeleteIndex(ctx context.Context, label, field string, isVertex bool) error {
	if engine, err := s.gate(access.ClassAdmin, "DeleteIndex"); err != nil {
		return err
	} else {
		return engine.DeleteIndex(ctx, isVertex, label, field)
	}
}

func (s *Handle) DeleteVertexIndex(ctx context.Context, label, field string) error {
	return s.DeleteIndex(ctx, label, field, true)
}

func (s *Handle) DeleteEdgeIndex(ctx context.Context, label, field string) error {
	return s.DeleteIndex(ctx, label, field, false)
}

func (s *Handle) IsIndexed(ctx context.Context, label, field string, isVertex bool) (bool, error) {
	if engine, err := s.gate(access.ClassRead, "IsIndexed"); err != nil {
		return false, err
	} else {
		return engine.IsIndexed(ctx, isVertex, label, field)
	}
}

func (s *Handle) IsVertexIndexed(ctx context.Context, label, field string) (bool, error) {
	return s.IsIndexed(ctx, label, field, true)
}

func (s *Handle) IsEdgeIndexed(ctx context.Context, label, field string) (bool, error) {
	return s.IsIndexed(ctx, label, field, false)
}

// Full-text index management, listing and querying all require full access, unlike IsIndexed.

func (s *Handle) AddFullTextIndex(ctx context.Context, isVertex bool, label, field string) error {
	if engine, err := s.gate(access.ClassAdmin, "AddFullTextIndex"); err != nil {
		return err
	} else {
		return engine.AddFullTextIndex(ctx, database.FullTextIndexSpec{
			IsVertex: isVertex,
			Label:    label,
			Field:    field,
		})
	}
}

func (s *Handle) DeleteFullTextIndex(ctx context.Context, isVertex bool, label, field string) error {
	if engine, err := s.gate(access.ClassAdmin, "DeleteFullTextIndex"); err != nil {
		return err
	} else {
		return engine.DeleteFullTextIndex(ctx, database.FullTextIndexSpec{
			IsVertex: isVertex,
			Label:    label,
			Field:    field,
		})
	}
}

func (s *Handle) RebuildFullTextIndex(ctx context.Context, vertexLabels, edgeLabels []string) error {
	if engine, err := s.gate(access.ClassAdmin, "RebuildFullTextIndex"); err != nil {
		return err
	} else {
		return engine.RebuildFullTextIndex(ctx, vertexLabels, edgeLabels)
	}
}

func (s *Handle) ListFullTextIndexes(ctx context.Context) ([]database.FullTextIndexSpec, error) {
	if engine, err := s.gate(access.ClassAdmin, "ListFullTextIndexes"); err != nil {
		return nil, err
	} else {
		return engine.ListFullTextIndexes(ctx)
	}
}

// QueryVertexByFullTextIndex returns at most topN vertices of label matching query, ordered by descending score.
func (s *Handle) QueryVertexByFullTextIndex(ctx context.Context, label, query string, topN int) ([]graph.ScoredVertex, error) {
	if engine, err := s.gate(access.ClassAdmin, "QueryVertexByFullTextIndex"); err != nil {
		return nil, err
	} else {
		return engine.QueryVertexByFullTextIndex(ctx, label, query, topN)
	}
}

// QueryEdgeByFullTextIndex returns at most topN edges of label matching query, ordered by descending score.
func (s *Handle) QueryEdgeByFullTextIndex(ctx context.Context, label, query string, topN int) ([]graph.ScoredEdge, error) {
	if engine, err := s.gate(access.ClassAdmin, "QueryEdgeByFullTextIndex"); err != nil {
		return nil, err
	} else {
		return engine.QueryEdgeByFullTextIndex(ctx, label, query, topN)
	}
}
