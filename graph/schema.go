package graph

import (
	"fmt"
	"slices"
)

// EdgeConstraint names an allowed (source vertex label, target vertex label) pair for an edge label.
type EdgeConstraint struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// LabelSchema describes a vertex or edge label: its ordered field list, the primary field for vertex labels and the
// allowed endpoint label pairs for edge labels. An edge label with no constraints may connect any two vertices.
type LabelSchema struct {
	Name            string           `json:"name"`
	IsVertex        bool             `json:"is_vertex"`
	Fields          []FieldSpec      `json:"fields"`
	PrimaryField    string           `json:"primary_field,omitempty"`
	EdgeConstraints []EdgeConstraint `json:"edge_constraints,omitempty"`
}

func (s LabelSchema) Kind() string {
	if s.IsVertex {
		return "vertex"
	}

	return "edge"
}

func (s LabelSchema) Field(name string) (FieldSpec, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}

	return FieldSpec{}, false
}

func (s LabelSchema) HasField(name string) bool {
	_, found := s.Field(name)
	return found
}

// AllowsEndpoints returns true if an edge of this label may connect a vertex of srcLabel to a vertex of dstLabel.
func (s LabelSchema) AllowsEndpoints(srcLabel, dstLabel string) bool {
	if len(s.EdgeConstraints) == 0 {
		return true
	}

	return slices.Contains(s.EdgeConstraints, EdgeConstraint{Source: srcLabel, Target: dstLabel})
}

// References returns true if any edge constraint of this label names the given vertex label.
func (s LabelSchema) References(vertexLabel string) bool {
	for _, constraint := range s.EdgeConstraints {
		if constraint.Source == vertexLabel || constraint.Target == vertexLabel {
			return true
		}
	}

	return false
}

// Validate checks the internal consistency of the schema: a non-empty name, unique field names, a primary field that
// names a declared non-optional field for vertex labels and no edge constraints on vertex labels.
func (s LabelSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: label name must not be empty", ErrInvalidArgument)
	}

	seen := make(map[string]struct{}, len(s.Fields))

	for _, field := range s.Fields {
		if field.Name == "" {
			return fmt.Errorf("%w: label %s declares a field with an empty name", ErrInvalidArgument, s.Name)
		}

		if field.Type == FieldTypeNull {
			return fmt.Errorf("%w: field %s of label %s has no type", ErrInvalidArgument, field.Name, s.Name)
		}

		if _, duplicate := seen[field.Name]; duplicate {
			return fmt.Errorf("%w: label %s declares field %s more than once", ErrInvalidArgument, s.Name, field.Name)
		}

		seen[field.Name] = struct{}{}
	}

	if s.IsVertex {
		if primary, found := s.Field(s.PrimaryField); !found {
			return fmt.Errorf("%w: primary field %q is not a field of label %s", ErrInvalidArgument, s.PrimaryField, s.Name)
		} else if primary.Optional {
			return fmt.Errorf("%w: primary field %s of label %s must not be optional", ErrInvalidArgument, s.PrimaryField, s.Name)
		}

		if len(s.EdgeConstraints) > 0 {
			return fmt.Errorf("%w: vertex label %s cannot declare edge constraints", ErrInvalidArgument, s.Name)
		}
	}

	return nil
}

// Conform validates a record's fields against the schema and returns a copy with every value converted to its
// declared type. Unknown fields and missing required fields are rejected.
func (s LabelSchema) Conform(fields Fields) (Fields, error) {
	conformed := make(Fields, len(s.Fields))

	for name := range fields {
		if !s.HasField(name) {
			return nil, fmt.Errorf("%w: label %s has no field %s", ErrInvalidArgument, s.Name, name)
		}
	}

	for _, field := range s.Fields {
		if value, err := field.Conform(fields.Get(field.Name)); err != nil {
			return nil, fmt.Errorf("label %s: %w", s.Name, err)
		} else if !value.IsNull() {
			conformed[field.Name] = value
		}
	}

	return conformed, nil
}

func (s LabelSchema) Clone() LabelSchema {
	return LabelSchema{
		Name:            s.Name,
		IsVertex:        s.IsVertex,
		Fields:          slices.Clone(s.Fields),
		PrimaryField:    s.PrimaryField,
		EdgeConstraints: slices.Clone(s.EdgeConstraints),
	}
}
