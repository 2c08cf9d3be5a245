package memgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
)

const (
	stateActive int32 = iota
	stateCommitted
	stateAborted
)

var errReadOnlyTxn = fmt.Errorf("%w: transaction is read-only", graph.ErrInvalidArgument)

// pendingWrite is the buffered new state of a record. Nothing is visible to other transactions until commit.
type pendingWrite struct {
	key     recordKey
	uid     graph.EdgeUID
	created bool
	deleted bool
	label   string
	fields  graph.Fields
}

// recordState is a record as observed by a transaction.
type recordState struct {
	label  string
	fields graph.Fields
	uid    graph.EdgeUID
}

type transaction struct {
	engine     *Engine
	id         uint64
	snapshot   uint64
	readOnly   bool
	optimistic bool
	flush      bool
	state      atomic.Int32

	lock   *sync.Mutex
	writes map[recordKey]*pendingWrite
	order  []recordKey
	locked []recordKey
	labels map[labelKey]struct{}
}

func newTransaction(engine *Engine, id, snapshot uint64, readOnly, optimistic, flush bool) *transaction {
	return &transaction{
		engine:     engine,
		id:         id,
		snapshot:   snapshot,
		readOnly:   readOnly,
		optimistic: optimistic,
		flush:      flush,
		lock:       &sync.Mutex{},
		writes:     map[recordKey]*pendingWrite{},
		labels:     map[labelKey]struct{}{},
	}
}

var _ database.Transaction = (*transaction)(nil)

func (s *transaction) ID() uint64 {
	return s.id
}

func (s *transaction) ReadOnly() bool {
	return s.readOnly
}

func (s *transaction) Optimistic() bool {
	return s.optimistic
}

func (s *transaction) Valid() bool {
	return s.state.Load() == stateActive
}

func (s *transaction) checkActive(ctx context.Context) error {
	if !s.Valid() {
		return fmt.Errorf("transaction %d: %w", s.id, graph.ErrTransactionClosed)
	}

	return ctx.Err()
}

func (s *transaction) checkWritable(ctx context.Context) error {
	if err := s.checkActive(ctx); err != nil {
		return err
	}

	if s.readOnly {
		return errReadOnlyTxn
	}

	return nil
}

// touch records that this transaction depends on the schema of a label. Schema changes committed after the
// transaction's snapshot make any dependent write conflict. Callers must hold the engine lock.
func (s *transaction) touch(key labelKey) error {
	if s.engine.schemaTs[key] > s.snapshot {
		return fmt.Errorf("%w: %s changed since transaction %d started", graph.ErrConflict, key, s.id)
	}

	s.labels[key] = struct{}{}
	return nil
}

// view returns the record as seen by this transaction: its own pending write first, then the newest committed version
// for records it holds a lock on and finally its snapshot. Callers must hold the engine lock.
func (s *transaction) view(key recordKey) (recordState, bool) {
	if pending, exists := s.writes[key]; exists {
		if pending.deleted {
			return recordState{}, false
		}

		return recordState{label: pending.label, fields: pending.fields, uid: pending.uid}, true
	}

	target, exists := s.engine.records[key]
	if !exists {
		return recordState{}, false
	}

	var observed *version

	if target.owner == s.id {
		observed = target.latest()
	} else {
		observed = target.visible(s.snapshot)
	}

	if observed == nil {
		return recordState{}, false
	}

	return recordState{label: observed.label, fields: observed.fields, uid: target.uid}, true
}

// prepareWrite returns the state a write to key must build on along with the current schema of its label. Pessimistic
// transactions lock the record without waiting and build on the newest committed version; optimistic transactions
// build on their snapshot and are validated at commit.
func (s *transaction) prepareWrite(key recordKey) (recordState, graph.LabelSchema, error) {
	engine := s.engine

	if pending, exists := s.writes[key]; exists {
		if pending.deleted {
			return recordState{}, graph.LabelSchema{}, graph.ErrNotFound
		}

		engine.lock.RLock()
		schema, found := engine.schema(key.isVertex, pending.label)
		engine.lock.RUnlock()

		if !found {
			return recordState{}, graph.LabelSchema{}, fmt.Errorf("%w: label %s was dropped", graph.ErrConflict, pending.label)
		}

		return recordState{label: pending.label, fields: pending.fields, uid: pending.uid}, schema, nil
	}

	if s.optimistic {
		engine.lock.RLock()
		defer engine.lock.RUnlock()
	} else {
		engine.lock.Lock()
		defer engine.lock.Unlock()
	}

	target, exists := engine.records[key]
	if !exists {
		return recordState{}, graph.LabelSchema{}, graph.ErrNotFound
	}

	var base *version

	if s.optimistic {
		base = target.visible(s.snapshot)
	} else {
		if target.owner != 0 && target.owner != s.id {
			return recordState{}, graph.LabelSchema{}, fmt.Errorf("%w: record is locked by transaction %d", graph.ErrConflict, target.owner)
		}

		base = target.latest()
	}

	if base == nil {
		return recordState{}, graph.LabelSchema{}, graph.ErrNotFound
	}

	label := labelKey{isVertex: key.isVertex, name: base.label}

	if err := s.touch(label); err != nil {
		return recordState{}, graph.LabelSchema{}, err
	}

	schema, found := engine.schemas[label]
	if !found {
		return recordState{}, graph.LabelSchema{}, fmt.Errorf("%w: %s was dropped", graph.ErrConflict, label)
	}

	if !s.optimistic && target.owner != s.id {
		target.owner = s.id
		s.locked = append(s.locked, key)
	}

	return recordState{label: base.label, fields: base.fields, uid: target.uid}, schema, nil
}

func (s *transaction) stage(write *pendingWrite) {
	if _, exists := s.writes[write.key]; !exists {
		s.order = append(s.order, write.key)
	}

	s.writes[write.key] = write
}

func mergeFields(base, updates graph.Fields) graph.Fields {
	merged := base.Clone()

	for name, value := range updates {
		if value.IsNull() {
			delete(merged, name)
		} else {
			merged[name] = value
		}
	}

	return merged
}

func (s *transaction) AddVertex(ctx context.Context, label string, fields graph.Fields) (graph.VertexID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return 0, err
	}

	key := labelKey{isVertex: true, name: label}

	s.engine.lock.RLock()
	schema, found := s.engine.schemas[key]
	touchErr := s.touch(key)
	s.engine.lock.RUnlock()

	if !found {
		return 0, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	} else if touchErr != nil {
		return 0, touchErr
	}

	conformed, err := schema.Conform(fields)
	if err != nil {
		return 0, err
	}

	id := graph.VertexID(s.engine.vertexSeq.Add(1))

	s.stage(&pendingWrite{
		key:     vertexKey(id),
		created: true,
		label:   label,
		fields:  conformed,
	})

	return id, nil
}

func (s *transaction) GetVertex(ctx context.Context, id graph.VertexID) (graph.Vertex, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkActive(ctx); err != nil {
		return graph.Vertex{}, err
	}

	s.engine.lock.RLock()
	observed, found := s.view(vertexKey(id))
	s.engine.lock.RUnlock()

	if !found {
		return graph.Vertex{}, fmt.Errorf("%w: vertex %d", graph.ErrNotFound, id)
	}

	return graph.Vertex{
		ID:     id,
		Label:  observed.label,
		Fields: observed.fields.Clone(),
	}, nil
}

// SetVertexFields merges fields into the vertex. Null values remove optional fields.
func (s *transaction) SetVertexFields(ctx context.Context, id graph.VertexID, fields graph.Fields) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	key := vertexKey(id)

	base, schema, err := s.prepareWrite(key)
	if err != nil {
		return fmt.Errorf("vertex %d: %w", id, err)
	}

	conformed, err := schema.Conform(mergeFields(base.fields, fields))
	if err != nil {
		return err
	}

	s.stage(&pendingWrite{
		key:     key,
		created: s.created(key),
		label:   base.label,
		fields:  conformed,
	})

	return nil
}

func (s *transaction) created(key recordKey) bool {
	if pending, exists := s.writes[key]; exists {
		return pending.created
	}

	return false
}

// DeleteVertex deletes the vertex and every edge incident to it.
func (s *transaction) DeleteVertex(ctx context.Context, id graph.VertexID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	key := vertexKey(id)

	base, _, err := s.prepareWrite(key)
	if err != nil {
		return fmt.Errorf("vertex %d: %w", id, err)
	}

	for _, edge := range s.incidentEdges(id) {
		edgeBase, _, err := s.prepareWrite(edge)
		if err != nil {
			return fmt.Errorf("incident edge %d of vertex %d: %w", edge.id, id, err)
		}

		s.stage(&pendingWrite{
			key:     edge,
			uid:     edgeBase.uid,
			created: s.created(edge),
			deleted: true,
			label:   edgeBase.label,
		})
	}

	s.stage(&pendingWrite{
		key:     key,
		created: s.created(key),
		deleted: true,
		label:   base.label,
	})

	return nil
}

// incidentEdges returns every edge touching the vertex that this transaction can see.
func (s *transaction) incidentEdges(id graph.VertexID) []recordKey {
	s.engine.lock.RLock()
	defer s.engine.lock.RUnlock()

	var incident []recordKey

	for _, edgeID := range s.engine.incidentEdges(id.Uint64()) {
		key := recordKey{isVertex: false, id: edgeID}

		if _, visible := s.view(key); visible {
			incident = append(incident, key)
		}
	}

	for _, key := range s.order {
		if pending := s.writes[key]; pending.created && !pending.deleted && !key.isVertex && (pending.uid.Src == id || pending.uid.Dst == id) {
			incident = append(incident, key)
		}
	}

	return incident
}

func (s *transaction) AddEdge(ctx context.Context, src, dst graph.VertexID, label string, fields graph.Fields) (graph.EdgeUID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return graph.EdgeUID{}, err
	}

	key := labelKey{isVertex: false, name: label}

	s.engine.lock.RLock()
	schema, found := s.engine.schemas[key]
	touchErr := s.touch(key)
	source, hasSource := s.view(vertexKey(src))
	target, hasTarget := s.view(vertexKey(dst))
	s.engine.lock.RUnlock()

	switch {
	case !found:
		return graph.EdgeUID{}, fmt.Errorf("%w: %s", graph.ErrNotFound, key)

	case touchErr != nil:
		return graph.EdgeUID{}, touchErr

	case !hasSource:
		return graph.EdgeUID{}, fmt.Errorf("%w: source vertex %d", graph.ErrNotFound, src)

	case !hasTarget:
		return graph.EdgeUID{}, fmt.Errorf("%w: target vertex %d", graph.ErrNotFound, dst)

	case !schema.AllowsEndpoints(source.label, target.label):
		return graph.EdgeUID{}, fmt.Errorf("%w: edge label %s does not allow (%s, %s)", graph.ErrInvalidArgument, label, source.label, target.label)
	}

	conformed, err := schema.Conform(fields)
	if err != nil {
		return graph.EdgeUID{}, err
	}

	uid := graph.EdgeUID{
		Src: src,
		Dst: dst,
		ID:  s.engine.edgeSeq.Add(1),
	}

	s.stage(&pendingWrite{
		key:     edgeKey(uid),
		uid:     uid,
		created: true,
		label:   label,
		fields:  conformed,
	})

	return uid, nil
}

func (s *transaction) GetEdge(ctx context.Context, uid graph.EdgeUID) (graph.Edge, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkActive(ctx); err != nil {
		return graph.Edge{}, err
	}

	s.engine.lock.RLock()
	observed, found := s.view(edgeKey(uid))
	s.engine.lock.RUnlock()

	if !found || observed.uid != uid {
		return graph.Edge{}, fmt.Errorf("%w: edge %s", graph.ErrNotFound, uid)
	}

	return graph.Edge{
		UID:    uid,
		Label:  observed.label,
		Fields: observed.fields.Clone(),
	}, nil
}

func (s *transaction) SetEdgeFields(ctx context.Context, uid graph.EdgeUID, fields graph.Fields) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	key := edgeKey(uid)

	base, schema, err := s.prepareWrite(key)
	if err != nil {
		return fmt.Errorf("edge %s: %w", uid, err)
	} else if base.uid != uid {
		return fmt.Errorf("%w: edge %s", graph.ErrNotFound, uid)
	}

	conformed, err := schema.Conform(mergeFields(base.fields, fields))
	if err != nil {
		return err
	}

	s.stage(&pendingWrite{
		key:     key,
		uid:     uid,
		created: s.created(key),
		label:   base.label,
		fields:  conformed,
	})

	return nil
}

func (s *transaction) DeleteEdge(ctx context.Context, uid graph.EdgeUID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	key := edgeKey(uid)

	base, _, err := s.prepareWrite(key)
	if err != nil {
		return fmt.Errorf("edge %s: %w", uid, err)
	} else if base.uid != uid {
		return fmt.Errorf("%w: edge %s", graph.ErrNotFound, uid)
	}

	s.stage(&pendingWrite{
		key:     key,
		uid:     uid,
		created: s.created(key),
		deleted: true,
		label:   base.label,
	})

	return nil
}

// scan returns the ids of every record of the given kind this transaction can see, restricted to label unless label is
// empty. Callers must hold the engine lock.
func (s *transaction) scan(isVertex bool, label string, candidates []uint64) []uint64 {
	var (
		seen    = map[uint64]struct{}{}
		matched []uint64
	)

	consider := func(id uint64) {
		if _, duplicate := seen[id]; duplicate {
			return
		}

		seen[id] = struct{}{}

		if observed, visible := s.view(recordKey{isVertex: isVertex, id: id}); visible && (label == "" || observed.label == label) {
			matched = append(matched, id)
		}
	}

	for _, id := range candidates {
		consider(id)
	}

	for _, key := range s.order {
		if key.isVertex == isVertex && s.writes[key].created {
			consider(key.id)
		}
	}

	slices.Sort(matched)
	return matched
}

func (s *transaction) candidates(isVertex bool, label string) ([]uint64, error) {
	if label != "" {
		key := labelKey{isVertex: isVertex, name: label}

		if _, found := s.engine.schemas[key]; !found {
			return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
		}

		return s.engine.labelMembers(key), nil
	}

	var all []uint64

	for _, name := range s.engine.sortedLabels(isVertex) {
		all = append(all, s.engine.labelMembers(labelKey{isVertex: isVertex, name: name})...)
	}

	return all, nil
}

// VertexIDs returns the ids of every visible vertex of label, or of every label if label is empty, in ascending order.
func (s *transaction) VertexIDs(ctx context.Context, label string) ([]graph.VertexID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkActive(ctx); err != nil {
		return nil, err
	}

	s.engine.lock.RLock()
	defer s.engine.lock.RUnlock()

	candidates, err := s.candidates(true, label)
	if err != nil {
		return nil, err
	}

	var (
		matched = s.scan(true, label, candidates)
		ids     = make([]graph.VertexID, len(matched))
	)

	for idx, id := range matched {
		ids[idx] = graph.VertexID(id)
	}

	return ids, nil
}

// EdgeUIDs returns the uids of every visible edge of label, or of every label if label is empty, ordered by edge id.
func (s *transaction) EdgeUIDs(ctx context.Context, label string) ([]graph.EdgeUID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkActive(ctx); err != nil {
		return nil, err
	}

	s.engine.lock.RLock()
	defer s.engine.lock.RUnlock()

	candidates, err := s.candidates(false, label)
	if err != nil {
		return nil, err
	}

	var (
		matched = s.scan(false, label, candidates)
		uids    = make([]graph.EdgeUID, 0, len(matched))
	)

	for _, id := range matched {
		if observed, visible := s.view(recordKey{isVertex: false, id: id}); visible {
			uids = append(uids, observed.uid)
		}
	}

	return uids, nil
}

// LookupVertices returns the ids of visible vertices of label whose field equals value, using an exact index when one
// is ready.
func (s *transaction) LookupVertices(ctx context.Context, label, field string, value graph.Value) ([]graph.VertexID, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkActive(ctx); err != nil {
		return nil, err
	}

	s.engine.lock.RLock()
	defer s.engine.lock.RUnlock()

	key := labelKey{isVertex: true, name: label}

	schema, found := s.engine.schemas[key]
	if !found {
		return nil, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	spec, found := schema.Field(field)
	if !found {
		return nil, fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, field, key)
	}

	if value.IsNull() {
		return nil, fmt.Errorf("%w: cannot look up null values", graph.ErrInvalidArgument)
	}

	converted, err := value.ConvertTo(spec.Type)
	if err != nil {
		return nil, err
	}

	var candidates []uint64

	if index, ready := s.engine.readyIndex(indexKey{isVertex: true, label: label, field: field}); ready {
		candidates = index.candidates(converted)
	} else {
		candidates = s.engine.labelMembers(key)
	}

	var ids []graph.VertexID

	for _, id := range s.scan(true, label, candidates) {
		if observed, _ := s.view(vertexKey(graph.VertexID(id))); observed.fields.Get(field).Equal(converted) {
			ids = append(ids, graph.VertexID(id))
		}
	}

	return ids, nil
}

func (s *transaction) Commit(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.Valid() {
		return fmt.Errorf("commit of transaction %d: %w", s.id, graph.ErrTransactionClosed)
	}

	if s.readOnly || len(s.writes) == 0 {
		s.releaseLocks()
		s.finish(stateCommitted)

		return nil
	}

	if err := ctx.Err(); err != nil {
		s.releaseLocks()
		s.finish(stateAborted)

		return err
	}

	if err := s.engine.commit(s); err != nil {
		s.releaseLocks()
		s.finish(stateAborted)

		return err
	}

	s.finish(stateCommitted)

	if s.flush {
		if err := s.engine.Persist(ctx); err != nil {
			return fmt.Errorf("transaction %d committed but was not flushed: %w", s.id, err)
		}
	}

	return nil
}

// Abort discards the transaction's writes and releases its locks. Aborting a finished transaction is a no-op.
func (s *transaction) Abort(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.Valid() {
		return nil
	}

	s.releaseLocks()
	s.finish(stateAborted)

	s.engine.logger.DebugContext(ctx, "transaction aborted", slog.Uint64("txn", s.id), slog.Int("writes", len(s.order)))
	return nil
}

func (s *transaction) releaseLocks() {
	if len(s.locked) == 0 {
		return
	}

	s.engine.lock.Lock()
	defer s.engine.lock.Unlock()

	s.unlockRecords()
}

// unlockRecords clears this transaction's record locks. Callers must hold the engine write lock.
func (s *transaction) unlockRecords() {
	for _, key := range s.locked {
		if target, exists := s.engine.records[key]; exists && target.owner == s.id {
			target.owner = 0
		}
	}

	s.locked = nil
}

func (s *transaction) finish(state int32) {
	s.state.Store(state)
	s.engine.snapshots.release(s.id)

	s.writes = nil
	s.order = nil
}
