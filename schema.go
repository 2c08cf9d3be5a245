package graphguard

import (
	"context"
	"slices"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/graph"
)

// AddLabel creates a vertex or edge label.
func (s *Handle) AddLabel(ctx context.Context, isVertex bool, label string, fields []graph.FieldSpec, primaryField string, constraints []graph.EdgeConstraint) error {
	if engine, err := s.gate(access.ClassAdmin, "AddLabel"); err != nil {
		return err
	} else {
		return engine.AddLabel(ctx, graph.LabelSchema{
			Name:            label,
			IsVertex:        isVertex,
			Fields:          slices.Clone(fields),
			PrimaryField:    primaryField,
			EdgeConstraints: slices.Clone(constraints),
		})
	}
}

// DeleteLabel removes a label together with every vertex or edge carrying it and returns the number of removed
// elements.
func (s *Handle) DeleteLabel(ctx context.Context, isVertex bool, label string) (int, error) {
	if engine, err := s.gate(access.ClassAdmin, "DeleteLabel"); err != nil {
		return 0, err
	} else {
		return engine.DeleteLabel(ctx, isVertex, label)
	}
}

// GetLabel returns the schema of a label.
func (s *Handle) GetLabel(ctx context.Context, isVertex bool, label string) (graph.LabelSchema, error) {
	if engine, err := s.gate(access.ClassRead, "GetLabel"); err != nil {
		return graph.LabelSchema{}, err
	} else {
		return engine.GetLabel(ctx, isVertex, label)
	}
}

func (s *Handle) ListLabels(ctx context.Context, isVertex bool) ([]string, error) {
	if engine, err := s.gate(access.ClassRead, "ListLabels"); err != nil {
		return nil, err
	} else {
		return engine.ListLabels(ctx, isVertex)
	}
}

// AlterLabelAddFields adds fields to a label and backfills every existing record with the default paired by position.
// It returns the number of modified records.
func (s *Handle) AlterLabelAddFields(ctx context.Context, label string, fields []graph.FieldSpec, defaults []graph.Value, isVertex bool) (int, error) {
	if engine, err := s.gate(access.ClassAdmin, "AlterLabelAddFields"); err != nil {
		return 0, err
	} else {
		return engine.AlterLabelAddFields(ctx, isVertex, label, fields, defaults)
	}
}

// AlterLabelDelFields removes fields from a label and every existing record. It returns the number of modified
// records.
func (s *Handle) AlterLabelDelFields(ctx context.Context, label string, fields []string, isVertex bool) (int, error) {
	if engine, err := s.gate(access.ClassAdmin, "AlterLabelDelFields"); err != nil {
		return 0, err
	} else {
		return engine.AlterLabelDelFields(ctx, isVertex, label, fields)
	}
}

// AlterLabelModFields changes the type or nullability of existing fields. Every stored value must convert losslessly
// to its new specification, otherwise the call fails with graph.ErrInvalidArgument and nothing changes.
func (s *Handle) AlterLabelModFields(ctx context.Context, label string, fields []graph.FieldSpec, isVertex bool) (int, error) {
	if engine, err := s.gate(access.ClassAdmin, "AlterLabelModFields"); err != nil {
		return 0, err
	} else {
		return engine.AlterLabelModFields(ctx, isVertex, label, fields)
	}
}

// AlterLabelModEdgeConstraints replaces the allowed (source, target) vertex label pairs of an edge label.
func (s *Handle) AlterLabelModEdgeConstraints(ctx context.Context, label string, constraints []graph.EdgeConstraint) error {
	if engine, err := s.gate(access.ClassAdmin, "AlterLabelModEdgeConstraints"); err != nil {
		return err
	} else {
		return engine.AlterLabelModEdgeConstraints(ctx, label, constraints)
	}
}
