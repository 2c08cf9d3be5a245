package graph

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VertexID is a 64-bit vertex identifier. Identifiers are assigned by the storage engine and are never reused within
// the lifetime of a storage instance.
type VertexID uint64

// Uint64 returns the VertexID typed as an uint64 and is shorthand for uint64(id).
func (s VertexID) Uint64() uint64 {
	return uint64(s)
}

// Int64 returns the VertexID typed as an int64 and is shorthand for int64(id).
func (s VertexID) Int64() int64 {
	return int64(s)
}

// String formats the uint64 value of the VertexID as a string.
func (s VertexID) String() string {
	return strconv.FormatUint(s.Uint64(), 10)
}

var ErrMalformedEdgeUID = errors.New("malformed edge uid")

// EdgeUID identifies an edge by its endpoints and a per-engine edge sequence number.
type EdgeUID struct {
	Src VertexID
	Dst VertexID
	ID  uint64
}

// String renders the EdgeUID as src:dst:id. ParseEdgeUID reverses this encoding.
func (s EdgeUID) String() string {
	return s.Src.String() + ":" + s.Dst.String() + ":" + strconv.FormatUint(s.ID, 10)
}

func ParseEdgeUID(raw string) (EdgeUID, error) {
	parts := strings.Split(raw, ":")

	if len(parts) != 3 {
		return EdgeUID{}, fmt.Errorf("%w: %q", ErrMalformedEdgeUID, raw)
	}

	var values [3]uint64

	for idx, part := range parts {
		if value, err := strconv.ParseUint(part, 10, 64); err != nil {
			return EdgeUID{}, fmt.Errorf("%w: %q: %w", ErrMalformedEdgeUID, raw, err)
		} else {
			values[idx] = value
		}
	}

	return EdgeUID{
		Src: VertexID(values[0]),
		Dst: VertexID(values[1]),
		ID:  values[2],
	}, nil
}

// Vertex is a point-in-time copy of a stored vertex. Mutating a Vertex does not change the stored record.
type Vertex struct {
	ID     VertexID
	Label  string
	Fields Fields
}

// Edge is a point-in-time copy of a stored edge.
type Edge struct {
	UID    EdgeUID
	Label  string
	Fields Fields
}

// ScoredVertex pairs a vertex with its full-text relevance score.
type ScoredVertex struct {
	ID    VertexID
	Score float64
}

// ScoredEdge pairs an edge with its full-text relevance score.
type ScoredEdge struct {
	UID   EdgeUID
	Score float64
}
