package memgraph

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util"
	bolt "go.etcd.io/bbolt"
)

const snapshotFormat = "graphguard.memgraph.v1"

var (
	bucketMeta     = []byte("meta")
	bucketLabels   = []byte("labels")
	bucketIndexes  = []byte("indexes")
	bucketFullText = []byte("fulltext")
	bucketVertices = []byte("vertices")
	bucketEdges    = []byte("edges")

	metaFormat    = []byte("format")
	metaVertexSeq = []byte("vertex_seq")
	metaEdgeSeq   = []byte("edge_seq")

	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

type storedVertex struct {
	Label  string       `json:"label"`
	Fields graph.Fields `json:"fields"`
}

type storedEdge struct {
	Src    graph.VertexID `json:"src"`
	Dst    graph.VertexID `json:"dst"`
	Label  string         `json:"label"`
	Fields graph.Fields   `json:"fields"`
}

// image is the newest committed state of the engine captured for writing.
type image struct {
	vertexSeq uint64
	edgeSeq   uint64
	labels    []graph.LabelSchema
	indexes   []database.IndexSpec
	fullText  []database.FullTextIndexSpec
	vertices  map[uint64]storedVertex
	edges     map[uint64]storedEdge
}

func (s *Engine) capture() image {
	s.lock.RLock()
	defer s.lock.RUnlock()

	captured := image{
		vertexSeq: s.vertexSeq.Load(),
		edgeSeq:   s.edgeSeq.Load(),
		vertices:  map[uint64]storedVertex{},
		edges:     map[uint64]storedEdge{},
	}

	for _, isVertex := range []bool{true, false} {
		for _, name := range s.sortedLabels(isVertex) {
			captured.labels = append(captured.labels, s.schemas[labelKey{isVertex: isVertex, name: name}].Clone())
		}
	}

	for key, index := range s.indexes {
		if index.ready && !s.isPrimary(key) {
			captured.indexes = append(captured.indexes, index.spec)
		}
	}

	for _, index := range s.fullText {
		captured.fullText = append(captured.fullText, index.specs()...)
	}

	for key, target := range s.records {
		current := target.latest()
		if current == nil {
			continue
		}

		if key.isVertex {
			captured.vertices[key.id] = storedVertex{Label: current.label, Fields: current.fields}
		} else {
			captured.edges[key.id] = storedEdge{Src: target.uid.Src, Dst: target.uid.Dst, Label: current.label, Fields: current.fields}
		}
	}

	return captured
}

func encodeID(id uint64) []byte {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, id)

	return encoded
}

func decodeID(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: key of length %d", ErrMalformedSnapshot, len(raw))
	}

	return binary.BigEndian.Uint64(raw), nil
}

func putJSON(bucket *bolt.Bucket, key []byte, value any) error {
	if encoded, err := json.Marshal(value); err != nil {
		return err
	} else {
		return bucket.Put(key, encoded)
	}
}

// write stores the image as a bbolt file. Compact images fill every page completely.
func (s image) write(ctx context.Context, path string, compact bool) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	updateErr := db.Update(func(tx *bolt.Tx) error {
		buckets := map[string]*bolt.Bucket{}

		for _, name := range [][]byte{bucketMeta, bucketLabels, bucketIndexes, bucketFullText, bucketVertices, bucketEdges} {
			bucket, err := tx.CreateBucket(name)
			if err != nil {
				return err
			}

			if compact {
				bucket.FillPercent = 1.0
			}

			buckets[string(name)] = bucket
		}

		meta := buckets[string(bucketMeta)]

		if err := meta.Put(metaFormat, []byte(snapshotFormat)); err != nil {
			return err
		} else if err := meta.Put(metaVertexSeq, encodeID(s.vertexSeq)); err != nil {
			return err
		} else if err := meta.Put(metaEdgeSeq, encodeID(s.edgeSeq)); err != nil {
			return err
		}

		for _, schema := range s.labels {
			if err := putJSON(buckets[string(bucketLabels)], []byte(schema.Kind()+":"+schema.Name), schema); err != nil {
				return err
			}
		}

		for _, spec := range s.indexes {
			if err := putJSON(buckets[string(bucketIndexes)], []byte(spec.String()), spec); err != nil {
				return err
			}
		}

		for _, spec := range s.fullText {
			if err := putJSON(buckets[string(bucketFullText)], []byte(spec.String()), spec); err != nil {
				return err
			}
		}

		written := 0

		for id, vertex := range s.vertices {
			if err := putJSON(buckets[string(bucketVertices)], encodeID(id), vertex); err != nil {
				return err
			}

			if written++; written%indexBuildBatchSize == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		for id, edge := range s.edges {
			if err := putJSON(buckets[string(bucketEdges)], encodeID(id), edge); err != nil {
				return err
			}

			if written++; written%indexBuildBatchSize == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}

		return nil
	})

	errs := util.NewErrorCollector()
	errs.Add(updateErr)
	errs.Add(db.Close())

	return errs.Combined()
}

// backup writes the newest committed state to path through a temporary file so that path always holds either the
// previous or the new snapshot. Callers must hold persistLock since writers of the same path share the temporary file.
func (s *Engine) backup(ctx context.Context, path string, compact bool) (int64, error) {
	defer util.SLogMeasureFunction(ctx, s.logger, "Backup", slog.String("path", path), slog.Bool("compact", compact))()

	var (
		captured = s.capture()
		tmpPath  = path + ".tmp"
	)

	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	if err := captured.write(ctx, tmpPath, compact); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			s.logger.DebugContext(ctx, "failed removing partial backup", slog.String("path", tmpPath), slog.String("err", removeErr.Error()))
		}

		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, err
	}

	if info, err := os.Stat(path); err != nil {
		return 0, err
	} else {
		return info.Size(), nil
	}
}

// Backup writes a snapshot of the newest committed state that Restore can load and returns its size in bytes.
func (s *Engine) Backup(ctx context.Context, path string, compact bool) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	return s.backup(ctx, path, compact)
}

// Persist writes the newest committed state to the data directory. Engines without a data directory hold no durable
// state and Persist is a no-op.
func (s *Engine) Persist(ctx context.Context) error {
	if s.cfg.DataDir == "" {
		return nil
	}

	s.persistLock.Lock()
	defer s.persistLock.Unlock()

	_, err := s.backup(ctx, filepath.Join(s.cfg.DataDir, SnapshotFile), true)
	return err
}

// load replaces the engine's state with the contents of a snapshot file. Every loaded record carries the same
// initial commit timestamp.
func (s *Engine) load(ctx context.Context, path string) error {
	defer util.SLogMeasureFunction(ctx, s.logger, "LoadSnapshot", slog.String("path", path))()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("opening snapshot %s: %w", path, err)
	}

	defer func() {
		if err := db.Close(); err != nil {
			s.logger.DebugContext(ctx, "failed closing snapshot", slog.String("path", path), slog.String("err", err.Error()))
		}
	}()

	s.lock.Lock()
	defer s.lock.Unlock()

	s.reset()

	var (
		ts       = s.nextTs()
		indexes  []database.IndexSpec
		fullText = map[labelKey][]string{}
		vertices []uint64
	)

	if err := db.View(func(tx *bolt.Tx) error {
		buckets := map[string]*bolt.Bucket{}

		for _, name := range [][]byte{bucketMeta, bucketLabels, bucketIndexes, bucketFullText, bucketVertices, bucketEdges} {
			if bucket := tx.Bucket(name); bucket == nil {
				return fmt.Errorf("%w: missing bucket %s", ErrMalformedSnapshot, name)
			} else {
				buckets[string(name)] = bucket
			}
		}

		meta := buckets[string(bucketMeta)]

		if format := string(meta.Get(metaFormat)); format != snapshotFormat {
			return fmt.Errorf("%w: unsupported format %q", ErrMalformedSnapshot, format)
		}

		if vertexSeq, err := decodeID(meta.Get(metaVertexSeq)); err != nil {
			return err
		} else if edgeSeq, err := decodeID(meta.Get(metaEdgeSeq)); err != nil {
			return err
		} else {
			s.vertexSeq.Store(vertexSeq)
			s.edgeSeq.Store(edgeSeq)
		}

		if err := buckets[string(bucketLabels)].ForEach(func(_, raw []byte) error {
			var schema graph.LabelSchema

			if err := json.Unmarshal(raw, &schema); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
			}

			key := labelKey{isVertex: schema.IsVertex, name: schema.Name}

			s.schemas[key] = schema
			s.schemaTs[key] = ts

			return nil
		}); err != nil {
			return err
		}

		if err := buckets[string(bucketIndexes)].ForEach(func(_, raw []byte) error {
			var spec database.IndexSpec

			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
			}

			indexes = append(indexes, spec)
			return nil
		}); err != nil {
			return err
		}

		if err := buckets[string(bucketFullText)].ForEach(func(_, raw []byte) error {
			var spec database.FullTextIndexSpec

			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
			}

			key := labelKey{isVertex: spec.IsVertex, name: spec.Label}
			fullText[key] = append(fullText[key], spec.Field)

			return nil
		}); err != nil {
			return err
		}

		if err := buckets[string(bucketVertices)].ForEach(func(rawID, raw []byte) error {
			var stored storedVertex

			id, err := decodeID(rawID)
			if err != nil {
				return err
			}

			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
			}

			key := recordKey{isVertex: true, id: id}

			s.records[key] = &record{
				key:  key,
				head: &version{ts: ts, label: stored.Label, fields: stored.Fields},
			}

			s.addMember(labelKey{isVertex: true, name: stored.Label}, id)
			vertices = append(vertices, id)

			return ctx.Err()
		}); err != nil {
			return err
		}

		return buckets[string(bucketEdges)].ForEach(func(rawID, raw []byte) error {
			var stored storedEdge

			id, err := decodeID(rawID)
			if err != nil {
				return err
			}

			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
			}

			key := recordKey{isVertex: false, id: id}

			s.records[key] = &record{
				key:  key,
				uid:  graph.EdgeUID{Src: stored.Src, Dst: stored.Dst, ID: id},
				head: &version{ts: ts, label: stored.Label, fields: stored.Fields},
			}

			s.addMember(labelKey{isVertex: false, name: stored.Label}, id)
			s.addAdjacency(stored.Src.Uint64(), id)
			s.addAdjacency(stored.Dst.Uint64(), id)

			return ctx.Err()
		})
	}); err != nil {
		s.reset()
		return err
	}

	for key, schema := range s.schemas {
		if key.isVertex {
			s.addPrimaryIndex(schema)
		}
	}

	for _, spec := range indexes {
		index := newExactIndex(spec)

		for _, id := range s.labelMembers(labelKey{isVertex: spec.IsVertex, name: spec.Label}) {
			index.indexChain(s.records[recordKey{isVertex: spec.IsVertex, id: id}])
		}

		index.ready = true
		s.indexes[index.key()] = index
	}

	for key, fields := range fullText {
		if err := s.replaceFullText(ctx, key, fields); err != nil {
			s.reset()
			return err
		}
	}

	s.estimator.reset(vertices...)
	s.publish(ts)

	s.logger.InfoContext(ctx, "snapshot loaded", slog.String("path", path), slog.Int("vertices", len(vertices)), slog.Int("labels", len(s.schemas)))
	return nil
}
