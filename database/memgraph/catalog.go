package memgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/blevesearch/bleve/v2"
	"github.com/specterops/graphguard/graph"
)

// Schema changes run entirely under the write lock. Each change is stamped with a new commit timestamp so that
// transactions whose snapshot predates it fail to commit writes against the label.

// liveRecords returns the records of a label whose newest committed version is live. Callers must hold the lock.
func (s *Engine) liveRecords(key labelKey) []*record {
	var live []*record

	for _, id := range s.labelMembers(key) {
		if target, exists := s.records[recordKey{isVertex: key.isVertex, id: id}]; exists {
			if current := target.latest(); current != nil && current.label == key.name {
				live = append(live, target)
			}
		}
	}

	return live
}

// checkVertexLabels verifies that every edge constraint names a defined vertex label. Callers must hold the lock.
func (s *Engine) checkVertexLabels(constraints []graph.EdgeConstraint) error {
	for _, constraint := range constraints {
		for _, name := range []string{constraint.Source, constraint.Target} {
			if _, found := s.schemas[labelKey{isVertex: true, name: name}]; !found {
				return fmt.Errorf("%w: edge constraint names undefined vertex label %s", graph.ErrInvalidArgument, name)
			}
		}
	}

	return nil
}

func (s *Engine) AddLabel(ctx context.Context, schema graph.LabelSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	key := labelKey{isVertex: schema.IsVertex, name: schema.Name}

	if _, exists := s.schemas[key]; exists {
		return fmt.Errorf("%w: %s already exists", graph.ErrConflict, key)
	}

	if err := s.checkVertexLabels(schema.EdgeConstraints); err != nil {
		return err
	}

	ts := s.nextTs()

	s.schemas[key] = schema.Clone()
	s.schemaTs[key] = ts

	if schema.IsVertex {
		s.addPrimaryIndex(schema)
	}

	s.publish(ts)

	s.logger.InfoContext(ctx, "label added", slog.String("label", key.String()), slog.Int("fields", len(schema.Fields)))
	return nil
}

// DeleteLabel removes a label and all of its records. Removing a vertex label also removes every edge incident to its
// vertices. The returned count is the number of records of the label that were removed.
func (s *Engine) DeleteLabel(ctx context.Context, isVertex bool, label string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	key := labelKey{isVertex: isVertex, name: label}

	if _, found := s.schemas[key]; !found {
		return 0, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	if isVertex {
		for _, edgeLabel := range s.sortedLabels(false) {
			if s.schemas[labelKey{isVertex: false, name: edgeLabel}].References(label) {
				return 0, fmt.Errorf("%w: edge label %s still references %s", graph.ErrInvalidArgument, edgeLabel, key)
			}
		}
	}

	var (
		ts      = s.nextTs()
		batches = map[labelKey]*bleve.Batch{}
		removed = s.liveRecords(key)
	)

	for _, target := range removed {
		target.push(&version{ts: ts, deleted: true, label: label})

		if !isVertex {
			continue
		}

		for _, edgeID := range s.incidentEdges(target.key.id) {
			edge, exists := s.records[recordKey{isVertex: false, id: edgeID}]
			if !exists {
				continue
			}

			if current := edge.latest(); current != nil {
				edge.push(&version{ts: ts, deleted: true, label: current.label})
				s.stageDocument(batches, edge, current.label, nil, true)
			}
		}
	}

	delete(s.schemas, key)
	s.schemaTs[key] = ts
	s.dropIndexes(key)
	s.installFullText(ctx, key, nil)

	s.applyDocuments(batches)
	s.publish(ts)

	s.logger.InfoContext(ctx, "label deleted", slog.String("label", key.String()), slog.Int("removed", len(removed)))
	return len(removed), nil
}

func (s *Engine) GetLabel(ctx context.Context, isVertex bool, label string) (graph.LabelSchema, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return graph.LabelSchema{}, err
	}

	if schema, found := s.schema(isVertex, label); !found {
		return graph.LabelSchema{}, fmt.Errorf("%w: %s", graph.ErrNotFound, labelKey{isVertex: isVertex, name: label})
	} else {
		return schema.Clone(), nil
	}
}

func (s *Engine) ListLabels(ctx context.Context, isVertex bool) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return s.sortedLabels(isVertex), nil
}

// rewrite installs a new version of every given record with fields produced by the rewrite function and returns the
// number of records rewritten. Callers must hold the write lock.
func (s *Engine) rewrite(ts uint64, targets []*record, rewriteFn func(fields graph.Fields) graph.Fields) int {
	for _, target := range targets {
		current := target.latest()

		target.push(&version{
			ts:     ts,
			label:  current.label,
			fields: rewriteFn(current.fields.Clone()),
		})
	}

	return len(targets)
}

// AlterLabelAddFields adds fields to a label and backfills every existing record with the default paired by position.
func (s *Engine) AlterLabelAddFields(ctx context.Context, isVertex bool, label string, fields []graph.FieldSpec, defaults []graph.Value) (int, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no fields to add", graph.ErrInvalidArgument)
	}

	if len(fields) != len(defaults) {
		return 0, fmt.Errorf("%w: %d fields were given %d default values", graph.ErrInvalidArgument, len(fields), len(defaults))
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	key := labelKey{isVertex: isVertex, name: label}

	schema, found := s.schemas[key]
	if !found {
		return 0, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	var (
		next       = schema.Clone()
		backfilled = make([]graph.Value, len(fields))
	)

	for idx, field := range fields {
		if schema.HasField(field.Name) {
			return 0, fmt.Errorf("%w: %s already has field %s", graph.ErrConflict, key, field.Name)
		}

		if value, err := field.Conform(defaults[idx]); err != nil {
			return 0, fmt.Errorf("default for %s: %w", field.Name, err)
		} else {
			backfilled[idx] = value
		}

		next.Fields = append(next.Fields, field)
	}

	if err := next.Validate(); err != nil {
		return 0, err
	}

	ts := s.nextTs()

	modified := s.rewrite(ts, s.liveRecords(key), func(current graph.Fields) graph.Fields {
		for idx, field := range fields {
			if !backfilled[idx].IsNull() {
				current[field.Name] = backfilled[idx]
			}
		}

		return current
	})

	s.schemas[key] = next
	s.schemaTs[key] = ts
	s.publish(ts)

	s.logger.InfoContext(ctx, "label fields added", slog.String("label", key.String()), slog.Int("modified", modified))
	return modified, nil
}

func (s *Engine) AlterLabelDelFields(ctx context.Context, isVertex bool, label string, fields []string) (int, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no fields to delete", graph.ErrInvalidArgument)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	key := labelKey{isVertex: isVertex, name: label}

	schema, found := s.schemas[key]
	if !found {
		return 0, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	for _, field := range fields {
		if !schema.HasField(field) {
			return 0, fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, field, key)
		}

		if isVertex && field == schema.PrimaryField {
			return 0, fmt.Errorf("%w: cannot delete primary field %s of %s", graph.ErrInvalidArgument, field, key)
		}
	}

	next := schema.Clone()
	next.Fields = slices.DeleteFunc(next.Fields, func(field graph.FieldSpec) bool {
		return slices.Contains(fields, field.Name)
	})

	// Deleted fields never reach the retained index, so it can be built from the current records before they change.
	fullText, swapFullText, err := s.retainedFullText(ctx, key, next)
	if err != nil {
		return 0, err
	}

	ts := s.nextTs()

	modified := s.rewrite(ts, s.liveRecords(key), func(current graph.Fields) graph.Fields {
		for _, field := range fields {
			delete(current, field)
		}

		return current
	})

	s.schemas[key] = next
	s.schemaTs[key] = ts
	s.dropIndexes(key, fields...)

	if swapFullText {
		s.installFullText(ctx, key, fullText)
	}

	s.publish(ts)

	s.logger.InfoContext(ctx, "label fields deleted", slog.String("label", key.String()), slog.Int("modified", modified))
	return modified, nil
}

// AlterLabelModFields replaces the type and nullability of existing fields. Every live value must convert to its new
// type without loss and required fields must hold a value; otherwise the label and its records are left unchanged.
func (s *Engine) AlterLabelModFields(ctx context.Context, isVertex bool, label string, fields []graph.FieldSpec) (int, error) {
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: no fields to modify", graph.ErrInvalidArgument)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	key := labelKey{isVertex: isVertex, name: label}

	schema, found := s.schemas[key]
	if !found {
		return 0, fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	var (
		next     = schema.Clone()
		modified = make([]string, 0, len(fields))
	)

	for _, field := range fields {
		idx := slices.IndexFunc(next.Fields, func(existing graph.FieldSpec) bool {
			return existing.Name == field.Name
		})

		if idx < 0 {
			return 0, fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, field.Name, key)
		}

		next.Fields[idx] = field
		modified = append(modified, field.Name)
	}

	if err := next.Validate(); err != nil {
		return 0, err
	}

	var (
		targets   = s.liveRecords(key)
		converted = make([]graph.Fields, len(targets))
	)

	for idx, target := range targets {
		current := target.latest().fields.Clone()

		for _, field := range fields {
			if value, err := field.Conform(current.Get(field.Name)); err != nil {
				return 0, fmt.Errorf("record %d of %s: %w", target.key.id, key, err)
			} else if value.IsNull() {
				delete(current, field.Name)
			} else {
				current[field.Name] = value
			}
		}

		converted[idx] = current
	}

	// Conversions are lossless and never touch retained string values, so the current records index the same.
	fullText, swapFullText, err := s.retainedFullText(ctx, key, next)
	if err != nil {
		return 0, err
	}

	ts := s.nextTs()

	for idx, target := range targets {
		target.push(&version{
			ts:     ts,
			label:  label,
			fields: converted[idx],
		})
	}

	s.schemas[key] = next
	s.schemaTs[key] = ts
	s.rebuildIndexes(key, modified...)

	if swapFullText {
		s.installFullText(ctx, key, fullText)
	}

	s.publish(ts)

	s.logger.InfoContext(ctx, "label fields modified", slog.String("label", key.String()), slog.Int("modified", len(targets)))
	return len(targets), nil
}

// retainedFullText builds the replacement for a label's full-text index keeping only fields that are still strings in
// schema. The returned bool is false when the label has no index to replace; a nil index with true removes it. Nothing
// is installed, so callers can still abandon the change. Callers must hold the write lock.
func (s *Engine) retainedFullText(ctx context.Context, key labelKey, schema graph.LabelSchema) (*fullTextIndex, bool, error) {
	existing, exists := s.fullText[key]
	if !exists {
		return nil, false, nil
	}

	retained := slices.DeleteFunc(slices.Clone(existing.fields), func(name string) bool {
		field, found := schema.Field(name)
		return !found || field.Type != graph.FieldTypeString
	})

	if len(retained) == 0 {
		return nil, true, nil
	}

	built, err := s.buildFullText(ctx, key, retained)
	if err != nil {
		return nil, false, err
	}

	return built, true, nil
}

// AlterLabelModEdgeConstraints replaces the allowed endpoint label pairs of an edge label. Existing edges are not
// revalidated.
func (s *Engine) AlterLabelModEdgeConstraints(ctx context.Context, label string, constraints []graph.EdgeConstraint) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	key := labelKey{isVertex: false, name: label}

	schema, found := s.schemas[key]
	if !found {
		return fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	if err := s.checkVertexLabels(constraints); err != nil {
		return err
	}

	next := schema.Clone()
	next.EdgeConstraints = slices.Clone(constraints)

	ts := s.nextTs()

	s.schemas[key] = next
	s.schemaTs[key] = ts
	s.publish(ts)

	return nil
}
