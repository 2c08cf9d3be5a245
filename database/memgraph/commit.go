package memgraph

import (
	"fmt"
	"log/slog"

	"github.com/blevesearch/bleve/v2"
	"github.com/specterops/graphguard/graph"
)

// commit validates the transaction against everything committed since its snapshot and installs its writes as a
// single new version. Validation and installation happen under the write lock so no reader ever observes a partial
// commit.
func (s *Engine) commit(txn *transaction) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.validate(txn); err != nil {
		return err
	}

	ts := s.nextTs()
	batches := map[labelKey]*bleve.Batch{}

	for _, key := range txn.order {
		pending := txn.writes[key]

		if pending.created && pending.deleted {
			continue
		}

		target, exists := s.records[key]
		if !exists {
			target = &record{
				key: key,
				uid: pending.uid,
			}

			s.records[key] = target
			s.addMember(labelKey{isVertex: key.isVertex, name: pending.label}, key.id)

			if key.isVertex {
				s.estimator.add(key.id)
			} else {
				s.addAdjacency(pending.uid.Src.Uint64(), key.id)
				s.addAdjacency(pending.uid.Dst.Uint64(), key.id)
			}
		}

		target.push(&version{
			ts:      ts,
			deleted: pending.deleted,
			label:   pending.label,
			fields:  pending.fields,
		})

		if !pending.deleted {
			s.indexRecord(key, pending.label, pending.fields)
		}

		s.stageDocument(batches, target, pending.label, pending.fields, pending.deleted)
	}

	txn.unlockRecords()
	s.publish(ts)

	s.applyDocuments(batches)

	s.logger.Debug("transaction committed", slog.Uint64("txn", txn.id), slog.Uint64("ts", ts), slog.Int("writes", len(txn.order)))
	return nil
}

// validate checks a transaction's writes against the newest committed state. Callers must hold the write lock.
func (s *Engine) validate(txn *transaction) error {
	if s.dropTs > txn.snapshot {
		return fmt.Errorf("%w: all data was dropped after transaction %d started", graph.ErrConflict, txn.id)
	}

	for label := range txn.labels {
		if _, exists := s.schemas[label]; !exists {
			return fmt.Errorf("%w: %s was dropped after transaction %d started", graph.ErrConflict, label, txn.id)
		} else if s.schemaTs[label] > txn.snapshot {
			return fmt.Errorf("%w: %s changed after transaction %d started", graph.ErrConflict, label, txn.id)
		}
	}

	for _, key := range txn.order {
		pending := txn.writes[key]

		if pending.created && pending.deleted {
			continue
		}

		if !pending.created {
			if err := s.validateUpdate(txn, key); err != nil {
				return err
			}
		}

		switch {
		case !key.isVertex && pending.created:
			for _, endpoint := range []graph.VertexID{pending.uid.Src, pending.uid.Dst} {
				if !s.endpointLive(txn, endpoint) {
					return fmt.Errorf("%w: endpoint %d of edge %s was deleted", graph.ErrConflict, endpoint, pending.uid)
				}
			}

		case key.isVertex && pending.deleted:
			for _, edgeID := range s.incidentEdges(key.id) {
				edge := recordKey{isVertex: false, id: edgeID}

				if staged, exists := txn.writes[edge]; exists && staged.deleted {
					continue
				}

				if target, exists := s.records[edge]; exists && target.latest() != nil {
					return fmt.Errorf("%w: vertex %d gained edge %d after transaction %d started", graph.ErrConflict, key.id, edgeID, txn.id)
				}
			}
		}
	}

	return s.validateUnique(txn)
}

func (s *Engine) validateUpdate(txn *transaction, key recordKey) error {
	target, exists := s.records[key]
	if !exists {
		return fmt.Errorf("%w: record %d was reclaimed", graph.ErrConflict, key.id)
	}

	if txn.optimistic {
		if target.owner != 0 {
			return fmt.Errorf("%w: record %d is locked by transaction %d", graph.ErrConflict, key.id, target.owner)
		}

		if target.head != nil && target.head.ts > txn.snapshot {
			return fmt.Errorf("%w: record %d was modified after transaction %d started", graph.ErrConflict, key.id, txn.id)
		}
	} else if target.owner != txn.id {
		return fmt.Errorf("%w: transaction %d lost its lock on record %d", graph.ErrConflict, txn.id, key.id)
	} else if target.latest() == nil {
		return fmt.Errorf("%w: record %d was removed with its label or endpoint", graph.ErrConflict, key.id)
	}

	return nil
}

func (s *Engine) endpointLive(txn *transaction, id graph.VertexID) bool {
	key := vertexKey(id)

	if pending, exists := txn.writes[key]; exists {
		return !pending.deleted
	}

	if target, exists := s.records[key]; exists {
		return target.latest() != nil
	}

	return false
}

// validateUnique rejects writes that would give two live records of a label the same value in a uniquely indexed
// field.
func (s *Engine) validateUnique(txn *transaction) error {
	staged := map[indexKey]map[string]uint64{}

	for _, key := range txn.order {
		pending := txn.writes[key]

		if pending.deleted {
			continue
		}

		for _, index := range s.indexesOn(labelKey{isVertex: key.isVertex, name: pending.label}) {
			if !index.spec.Unique {
				continue
			}

			value := pending.fields.Get(index.spec.Field)
			if value.IsNull() {
				continue
			}

			var (
				indexID = index.key()
				seen    = staged[indexID]
			)

			if seen == nil {
				seen = map[string]uint64{}
				staged[indexID] = seen
			}

			if other, duplicate := seen[value.Key()]; duplicate && other != key.id {
				return fmt.Errorf("%w: duplicate value %s for %s", graph.ErrConflict, value, index.spec)
			}

			seen[value.Key()] = key.id

			for _, candidate := range index.candidates(value) {
				if candidate == key.id {
					continue
				}

				candidateKey := recordKey{isVertex: key.isVertex, id: candidate}

				if _, rewritten := txn.writes[candidateKey]; rewritten {
					continue
				}

				if target, exists := s.records[candidateKey]; exists {
					if current := target.latest(); current != nil && current.label == index.spec.Label && current.fields.Get(index.spec.Field).Equal(value) {
						return fmt.Errorf("%w: duplicate value %s for %s", graph.ErrConflict, value, index.spec)
					}
				}
			}
		}
	}

	return nil
}
