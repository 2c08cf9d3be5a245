package memgraph

import (
	"github.com/specterops/graphguard/graph"
)

// recordKey identifies a vertex or an edge. Edges are keyed by their engine-wide unique edge id alone.
type recordKey struct {
	isVertex bool
	id       uint64
}

func vertexKey(id graph.VertexID) recordKey {
	return recordKey{
		isVertex: true,
		id:       id.Uint64(),
	}
}

func edgeKey(uid graph.EdgeUID) recordKey {
	return recordKey{
		isVertex: false,
		id:       uid.ID,
	}
}

type labelKey struct {
	isVertex bool
	name     string
}

func (s labelKey) String() string {
	if s.isVertex {
		return "vertex label " + s.name
	}

	return "edge label " + s.name
}

// version is one committed state of a record. Versions form a chain from newest to oldest.
type version struct {
	ts      uint64
	deleted bool
	label   string
	fields  graph.Fields
	prev    *version
}

// record is the version chain of a single vertex or edge. The edge uid is fixed at creation.
type record struct {
	key   recordKey
	uid   graph.EdgeUID
	head  *version
	owner uint64
}

func (s *record) latest() *version {
	if s.head == nil || s.head.deleted {
		return nil
	}

	return s.head
}

// visible returns the newest version committed at or before ts, or nil if the record did not exist or was deleted
// at that point.
func (s *record) visible(ts uint64) *version {
	for cursor := s.head; cursor != nil; cursor = cursor.prev {
		if cursor.ts <= ts {
			if cursor.deleted {
				return nil
			}

			return cursor
		}
	}

	return nil
}

func (s *record) push(next *version) {
	next.prev = s.head
	s.head = next
}

// truncate drops every version that no snapshot at or after watermark can observe.
func (s *record) truncate(watermark uint64) {
	for cursor := s.head; cursor != nil; cursor = cursor.prev {
		if cursor.ts <= watermark {
			cursor.prev = nil
			return
		}
	}
}

// reclaimable returns true if the record is deleted for every snapshot at or after watermark.
func (s *record) reclaimable(watermark uint64) bool {
	return s.owner == 0 && s.head != nil && s.head.deleted && s.head.ts <= watermark
}
