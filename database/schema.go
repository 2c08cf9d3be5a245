package database

import (
	"cmp"
	"fmt"
	"slices"
)

type IndexType int

const (
	IndexTypeUnsupported IndexType = 0
	IndexTypeExact       IndexType = 1
	IndexTypeUnique      IndexType = 2
	IndexTypeTextSearch  IndexType = 3
)

func (s IndexType) String() string {
	switch s {
	case IndexTypeExact:
		return "exact"

	case IndexTypeUnique:
		return "unique"

	case IndexTypeTextSearch:
		return "fts"

	case IndexTypeUnsupported:
		return "unsupported"

	default:
		return "invalid"
	}
}

// IndexSpec describes an exact secondary index on a single field of a vertex or edge label.
type IndexSpec struct {
	Label    string `json:"label"`
	Field    string `json:"field"`
	Unique   bool   `json:"unique"`
	IsVertex bool   `json:"is_vertex"`
}

func (s IndexSpec) Type() IndexType {
	if s.Unique {
		return IndexTypeUnique
	}

	return IndexTypeExact
}

func (s IndexSpec) String() string {
	return fmt.Sprintf("%s %s index on %s.%s", kindName(s.IsVertex), s.Type(), s.Label, s.Field)
}

// FullTextIndexSpec names a full-text index. The (IsVertex, Label, Field) triple is the index's only identity.
type FullTextIndexSpec struct {
	IsVertex bool   `json:"is_vertex"`
	Label    string `json:"label"`
	Field    string `json:"field"`
}

func (s FullTextIndexSpec) String() string {
	return fmt.Sprintf("%s fts index on %s.%s", kindName(s.IsVertex), s.Label, s.Field)
}

// SortFullTextIndexSpecs orders specs with vertex indexes first, then by label and field.
func SortFullTextIndexSpecs(specs []FullTextIndexSpec) {
	slices.SortFunc(specs, func(a, b FullTextIndexSpec) int {
		if a.IsVertex != b.IsVertex {
			if a.IsVertex {
				return -1
			}

			return 1
		}

		return cmp.Or(cmp.Compare(a.Label, b.Label), cmp.Compare(a.Field, b.Field))
	})
}

func kindName(isVertex bool) string {
	if isVertex {
		return "vertex"
	}

	return "edge"
}
