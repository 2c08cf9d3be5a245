package memgraph

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util"
)

// WarmUp compacts the engine: version chains are truncated to what live snapshots can observe, deleted records no
// snapshot can see are reclaimed and the membership, adjacency and index structures are rebuilt without stale ids.
// The vertex estimate is recomputed from the live vertices.
func (s *Engine) WarmUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	measure := util.SLogMeasureFunction(ctx, s.logger, "WarmUp")

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	var (
		watermark = s.snapshots.watermark(s.clock.Load())
		reclaimed = 0
		live      []uint64
	)

	s.members = map[labelKey]*roaring64.Bitmap{}
	s.adjacency = map[uint64]*roaring64.Bitmap{}

	for _, key := range slices.Collect(maps.Keys(s.records)) {
		target := s.records[key]

		if target.reclaimable(watermark) {
			delete(s.records, key)
			reclaimed++

			continue
		}

		target.truncate(watermark)

		s.addMember(labelKey{isVertex: key.isVertex, name: target.head.label}, key.id)

		if key.isVertex {
			if target.latest() != nil {
				live = append(live, key.id)
			}
		} else {
			s.addAdjacency(target.uid.Src.Uint64(), key.id)
			s.addAdjacency(target.uid.Dst.Uint64(), key.id)
		}
	}

	for key := range s.schemas {
		s.rebuildIndexes(key)
	}

	s.estimator.reset(live...)

	measure(slog.Uint64("watermark", watermark), slog.Int("reclaimed", reclaimed), slog.Int("records", len(s.records)))
	return nil
}

// tombstone installs a deleted version over every live record. Callers must hold the write lock.
func (s *Engine) tombstone(ts uint64) int {
	removed := 0

	for _, target := range s.records {
		if current := target.latest(); current != nil {
			target.push(&version{ts: ts, deleted: true, label: current.label})
			removed++
		}
	}

	return removed
}

// DropAllData removes every record, label and index. Snapshots taken before the drop keep observing the old records
// until they end; transactions started before the drop cannot commit writes.
func (s *Engine) DropAllData(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	ts := s.nextTs()
	removed := s.tombstone(ts)

	for key := range s.schemas {
		s.schemaTs[key] = ts
	}

	s.schemas = map[labelKey]graph.LabelSchema{}
	s.indexes = map[indexKey]*exactIndex{}

	s.closeFullText()
	s.fullText = map[labelKey]*fullTextIndex{}

	s.dropTs = ts
	s.estimator.reset()
	s.publish(ts)

	s.logger.InfoContext(ctx, "all data dropped", slog.Int("removed", removed))
	return nil
}

// DropAllVertex removes every vertex and edge while keeping labels and index definitions.
func (s *Engine) DropAllVertex(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Every record is about to be removed, so each full-text index is replaced by an empty one. They are created up
	// front so that a failure leaves the data untouched.
	emptied := make(map[labelKey]*fullTextIndex, len(s.fullText))

	for key, index := range s.fullText {
		empty, err := s.newFullText(key, slices.Clone(index.fields))
		if err != nil {
			for _, created := range emptied {
				created.index.Close()
			}

			return err
		}

		emptied[key] = empty
	}

	ts := s.nextTs()
	removed := s.tombstone(ts)

	for key, empty := range emptied {
		s.installFullText(ctx, key, empty)
	}

	s.dropTs = ts
	s.estimator.reset()
	s.publish(ts)

	s.logger.InfoContext(ctx, "all vertices dropped", slog.Int("removed", removed))
	return nil
}
