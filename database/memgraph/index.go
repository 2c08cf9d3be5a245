package memgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util"
)

// indexBuildBatchSize is the number of records indexed per write lock acquisition while building an index.
const indexBuildBatchSize = 1024

type indexKey struct {
	isVertex bool
	label    string
	field    string
}

func (s indexKey) labelKey() labelKey {
	return labelKey{isVertex: s.isVertex, name: s.label}
}

// exactIndex maps value keys to the ids of records that carried the value in some retained version. Postings may
// contain stale ids; readers verify every candidate.
type exactIndex struct {
	spec     database.IndexSpec
	ready    bool
	postings map[string]*roaring64.Bitmap
}

func newExactIndex(spec database.IndexSpec) *exactIndex {
	return &exactIndex{
		spec:     spec,
		postings: map[string]*roaring64.Bitmap{},
	}
}

func (s *exactIndex) key() indexKey {
	return indexKey{isVertex: s.spec.IsVertex, label: s.spec.Label, field: s.spec.Field}
}

func (s *exactIndex) add(value graph.Value, id uint64) {
	if value.IsNull() {
		return
	}

	posting, exists := s.postings[value.Key()]
	if !exists {
		posting = roaring64.New()
		s.postings[value.Key()] = posting
	}

	posting.Add(id)
}

func (s *exactIndex) candidates(value graph.Value) []uint64 {
	if posting, exists := s.postings[value.Key()]; exists {
		return posting.ToArray()
	}

	return nil
}

// indexChain adds every retained version of a record to the index.
func (s *exactIndex) indexChain(target *record) {
	for cursor := target.head; cursor != nil; cursor = cursor.prev {
		if !cursor.deleted && cursor.label == s.spec.Label {
			s.add(cursor.fields.Get(s.spec.Field), target.key.id)
		}
	}
}

// indexesOn returns every registered index of a label, ready or still building. Callers must hold the lock.
func (s *Engine) indexesOn(label labelKey) []*exactIndex {
	var indexes []*exactIndex

	for key, index := range s.indexes {
		if key.labelKey() == label {
			indexes = append(indexes, index)
		}
	}

	return indexes
}

func (s *Engine) readyIndex(key indexKey) (*exactIndex, bool) {
	if index, exists := s.indexes[key]; exists && index.ready {
		return index, true
	}

	return nil, false
}

// indexRecord adds a newly installed version to the indexes of its label. Callers must hold the write lock.
func (s *Engine) indexRecord(key recordKey, label string, fields graph.Fields) {
	for _, index := range s.indexesOn(labelKey{isVertex: key.isVertex, name: label}) {
		index.add(fields.Get(index.spec.Field), key.id)
	}
}

// addPrimaryIndex registers the ready unique index every vertex label carries on its primary field. Callers must hold
// the write lock.
func (s *Engine) addPrimaryIndex(schema graph.LabelSchema) {
	index := newExactIndex(database.IndexSpec{
		Label:    schema.Name,
		Field:    schema.PrimaryField,
		Unique:   true,
		IsVertex: true,
	})

	for _, id := range s.labelMembers(labelKey{isVertex: true, name: schema.Name}) {
		if target, exists := s.records[recordKey{isVertex: true, id: id}]; exists {
			index.indexChain(target)
		}
	}

	index.ready = true
	s.indexes[index.key()] = index
}

func (s *Engine) isPrimary(key indexKey) bool {
	if !key.isVertex {
		return false
	}

	schema, found := s.schemas[key.labelKey()]
	return found && schema.PrimaryField == key.field
}

// dropIndexes removes every index of a label, or only those on the named fields if any are given. Callers must hold
// the write lock.
func (s *Engine) dropIndexes(label labelKey, fields ...string) {
	for key := range s.indexes {
		if key.labelKey() != label {
			continue
		}

		if len(fields) == 0 || slices.Contains(fields, key.field) {
			delete(s.indexes, key)
		}
	}
}

// rebuildIndexes recomputes the postings of every index on a label from the retained versions of its records. Callers
// must hold the write lock.
func (s *Engine) rebuildIndexes(label labelKey, fields ...string) {
	members := s.labelMembers(label)

	for _, index := range s.indexesOn(label) {
		if len(fields) > 0 && !slices.Contains(fields, index.spec.Field) {
			continue
		}

		index.postings = map[string]*roaring64.Bitmap{}

		for _, id := range members {
			if target, exists := s.records[recordKey{isVertex: label.isVertex, id: id}]; exists {
				index.indexChain(target)
			}
		}
	}
}

// BlockingAddIndex builds an exact index over the existing records of a label and returns once it is ready. The
// build releases the write lock between batches so that transactions keep committing; their writes are indexed by the
// commit path while the build is in progress. A unique index is rejected if the label already holds duplicate values.
func (s *Engine) BlockingAddIndex(ctx context.Context, spec database.IndexSpec) error {
	defer util.SLogMeasureFunction(ctx, s.logger, "BlockingAddIndex", slog.String("index", spec.String()))()

	var (
		key   = indexKey{isVertex: spec.IsVertex, label: spec.Label, field: spec.Field}
		index = newExactIndex(spec)
	)

	members, err := s.registerIndex(key, index)
	if err != nil {
		return err
	}

	for start := 0; start < len(members); start += indexBuildBatchSize {
		if err := ctx.Err(); err != nil {
			s.abandonIndex(key, index)
			return fmt.Errorf("building %s: %w", spec, err)
		}

		s.lock.Lock()
		for _, id := range members[start:min(start+indexBuildBatchSize, len(members))] {
			if target, exists := s.records[recordKey{isVertex: spec.IsVertex, id: id}]; exists {
				index.indexChain(target)
			}
		}
		s.lock.Unlock()
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.indexes[key] != index {
		return fmt.Errorf("%w: %s was removed while building", graph.ErrConflict, spec)
	}

	if spec.Unique {
		if err := s.checkUnique(index); err != nil {
			delete(s.indexes, key)
			return err
		}
	}

	index.ready = true
	return nil
}

func (s *Engine) registerIndex(key indexKey, index *exactIndex) ([]uint64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	schema, found := s.schemas[key.labelKey()]
	if !found {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, key.labelKey())
	}

	if !schema.HasField(key.field) {
		return nil, fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, key.field, key.labelKey())
	}

	if _, exists := s.indexes[key]; exists {
		return nil, fmt.Errorf("%w: %s already exists", graph.ErrConflict, index.spec)
	}

	s.indexes[key] = index
	return s.labelMembers(key.labelKey()), nil
}

func (s *Engine) abandonIndex(key indexKey, index *exactIndex) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.indexes[key] == index {
		delete(s.indexes, key)
	}
}

// checkUnique verifies that no two live records share a value of the indexed field. Callers must hold the lock.
func (s *Engine) checkUnique(index *exactIndex) error {
	for valueKey, posting := range index.postings {
		live := 0

		for _, id := range posting.ToArray() {
			target, exists := s.records[recordKey{isVertex: index.spec.IsVertex, id: id}]
			if !exists {
				continue
			}

			if current := target.latest(); current != nil && current.label == index.spec.Label && current.fields.Get(index.spec.Field).Key() == valueKey {
				if live++; live > 1 {
					return fmt.Errorf("%w: %s cannot be built over duplicate values", graph.ErrConflict, index.spec)
				}
			}
		}
	}

	return nil
}

func (s *Engine) DeleteIndex(ctx context.Context, isVertex bool, label, field string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	key := indexKey{isVertex: isVertex, label: label, field: field}

	if index, exists := s.indexes[key]; !exists || !index.ready {
		return fmt.Errorf("%w: no index on %s.%s", graph.ErrNotFound, key.labelKey(), field)
	}

	if s.isPrimary(key) {
		return fmt.Errorf("%w: the primary field index of %s cannot be deleted", graph.ErrInvalidArgument, key.labelKey())
	}

	delete(s.indexes, key)
	return nil
}

// IsIndexed returns true if a ready index exists on the field. The label and field must exist.
func (s *Engine) IsIndexed(ctx context.Context, isVertex bool, label, field string) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}

	key := indexKey{isVertex: isVertex, label: label, field: field}

	if schema, found := s.schemas[key.labelKey()]; !found {
		return false, fmt.Errorf("%w: %s", graph.ErrNotFound, key.labelKey())
	} else if !schema.HasField(field) {
		return false, fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, field, key.labelKey())
	}

	_, ready := s.readyIndex(key)
	return ready, nil
}
