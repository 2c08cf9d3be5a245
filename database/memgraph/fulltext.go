package memgraph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util"
)

// fullTextIndex is the bleve index of one vertex or edge label. Every indexed string field of the label lives in the
// same bleve index; documents are keyed by vertex id or edge uid.
type fullTextIndex struct {
	key    labelKey
	fields []string
	index  bleve.Index
}

func (s *fullTextIndex) specs() []database.FullTextIndexSpec {
	specs := make([]database.FullTextIndexSpec, 0, len(s.fields))

	for _, field := range s.fields {
		specs = append(specs, database.FullTextIndexSpec{
			IsVertex: s.key.isVertex,
			Label:    s.key.name,
			Field:    field,
		})
	}

	return specs
}

func (s *fullTextIndex) document(fields graph.Fields) map[string]any {
	document := make(map[string]any, len(s.fields))

	for _, field := range s.fields {
		if text, isString := fields.Get(field).AsString(); isString {
			document[field] = text
		}
	}

	return document
}

func documentID(target *record) string {
	if target.key.isVertex {
		return strconv.FormatUint(target.key.id, 10)
	}

	return target.uid.String()
}

// closeFullText closes every bleve index. Callers must hold the write lock or own the engine exclusively.
func (s *Engine) closeFullText() {
	for key, index := range s.fullText {
		if err := index.index.Close(); err != nil {
			s.logger.Debug("failed closing full-text index", slog.String("label", key.String()), slog.String("err", err.Error()))
		}
	}
}

// newFullText creates an empty bleve index for the given fields of a label.
func (s *Engine) newFullText(key labelKey, fields []string) (*fullTextIndex, error) {
	mapping := bleve.NewIndexMapping()
	mapping.DefaultAnalyzer = s.cfg.FullTextAnalyzer

	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("%w: creating full-text index for %s: %w", graph.ErrInvalidArgument, key, err)
	}

	return &fullTextIndex{
		key:    key,
		fields: fields,
		index:  index,
	}, nil
}

// buildFullText creates a bleve index over the newest committed state of every record of the label. It does not
// modify the engine, so a failed build leaves nothing to undo. Callers must hold the lock.
func (s *Engine) buildFullText(ctx context.Context, key labelKey, fields []string) (*fullTextIndex, error) {
	slices.Sort(fields)

	built, err := s.newFullText(key, fields)
	if err != nil {
		return nil, err
	}

	var (
		index = built.index
		batch = index.NewBatch()
	)

	for _, id := range s.labelMembers(key) {
		target, exists := s.records[recordKey{isVertex: key.isVertex, id: id}]
		if !exists {
			continue
		}

		if current := target.latest(); current != nil && current.label == key.name {
			if err := batch.Index(documentID(target), built.document(current.fields)); err != nil {
				index.Close()
				return nil, err
			}
		}

		if batch.Size() >= indexBuildBatchSize {
			if err := index.Batch(batch); err != nil {
				index.Close()
				return nil, err
			}

			batch.Reset()

			if err := ctx.Err(); err != nil {
				index.Close()
				return nil, err
			}
		}
	}

	if err := index.Batch(batch); err != nil {
		index.Close()
		return nil, err
	}

	return built, nil
}

// replaceFullText swaps in a rebuilt index for a label, closing the previous one. Passing no fields removes the
// label's index. Callers must hold the write lock.
func (s *Engine) replaceFullText(ctx context.Context, key labelKey, fields []string) error {
	var next *fullTextIndex

	if len(fields) > 0 {
		if built, err := s.buildFullText(ctx, key, fields); err != nil {
			return err
		} else {
			next = built
		}
	}

	s.installFullText(ctx, key, next)
	return nil
}

// installFullText makes next the label's index, closing the previous one. A nil next removes the label's index.
// Callers must hold the write lock.
func (s *Engine) installFullText(ctx context.Context, key labelKey, next *fullTextIndex) {
	if previous, exists := s.fullText[key]; exists {
		if err := previous.index.Close(); err != nil {
			s.logger.DebugContext(ctx, "failed closing full-text index", slog.String("label", key.String()), slog.String("err", err.Error()))
		}
	}

	if next != nil {
		s.fullText[key] = next
	} else {
		delete(s.fullText, key)
	}
}

// stageDocument adds the change to a record to the batch of its label's full-text index, if there is one.
func (s *Engine) stageDocument(batches map[labelKey]*bleve.Batch, target *record, label string, fields graph.Fields, deleted bool) {
	key := labelKey{isVertex: target.key.isVertex, name: label}

	index, exists := s.fullText[key]
	if !exists {
		return
	}

	batch, exists := batches[key]
	if !exists {
		batch = index.index.NewBatch()
		batches[key] = batch
	}

	if deleted {
		batch.Delete(documentID(target))
	} else if err := batch.Index(documentID(target), index.document(fields)); err != nil {
		s.logger.Warn("failed staging full-text document", slog.String("label", key.String()), slog.String("err", err.Error()))
	}
}

func (s *Engine) applyDocuments(batches map[labelKey]*bleve.Batch) {
	for key, batch := range batches {
		index, exists := s.fullText[key]
		if !exists {
			continue
		}

		if err := index.index.Batch(batch); err != nil {
			s.logger.Warn("failed applying full-text batch", slog.String("label", key.String()), slog.String("err", err.Error()))
		}
	}
}

func (s *Engine) AddFullTextIndex(ctx context.Context, spec database.FullTextIndexSpec) error {
	defer util.SLogMeasureFunction(ctx, s.logger, "AddFullTextIndex", slog.String("index", spec.String()))()

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	key := labelKey{isVertex: spec.IsVertex, name: spec.Label}

	schema, found := s.schemas[key]
	if !found {
		return fmt.Errorf("%w: %s", graph.ErrNotFound, key)
	}

	if field, found := schema.Field(spec.Field); !found {
		return fmt.Errorf("%w: field %s of %s", graph.ErrNotFound, spec.Field, key)
	} else if field.Type != graph.FieldTypeString {
		return fmt.Errorf("%w: %s requires a string field, %s is %s", graph.ErrInvalidArgument, spec, spec.Field, field.Type)
	}

	var fields []string

	if existing, exists := s.fullText[key]; exists {
		if slices.Contains(existing.fields, spec.Field) {
			return fmt.Errorf("%w: %s already exists", graph.ErrConflict, spec)
		}

		fields = slices.Clone(existing.fields)
	}

	return s.replaceFullText(ctx, key, append(fields, spec.Field))
}

func (s *Engine) DeleteFullTextIndex(ctx context.Context, spec database.FullTextIndexSpec) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	key := labelKey{isVertex: spec.IsVertex, name: spec.Label}

	existing, exists := s.fullText[key]
	if !exists || !slices.Contains(existing.fields, spec.Field) {
		return fmt.Errorf("%w: %s", graph.ErrNotFound, spec)
	}

	remaining := slices.DeleteFunc(slices.Clone(existing.fields), func(field string) bool {
		return field == spec.Field
	})

	return s.replaceFullText(ctx, key, remaining)
}

// RebuildFullTextIndex rebuilds the full-text indexes of the named labels from their newest committed data.
func (s *Engine) RebuildFullTextIndex(ctx context.Context, vertexLabels, edgeLabels []string) error {
	defer util.SLogMeasureFunction(ctx, s.logger, "RebuildFullTextIndex", slog.Int("vertex_labels", len(vertexLabels)), slog.Int("edge_labels", len(edgeLabels)))()

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	var keys []labelKey

	for _, label := range vertexLabels {
		keys = append(keys, labelKey{isVertex: true, name: label})
	}

	for _, label := range edgeLabels {
		keys = append(keys, labelKey{isVertex: false, name: label})
	}

	for _, key := range keys {
		if _, found := s.schemas[key]; !found {
			return fmt.Errorf("%w: %s", graph.ErrNotFound, key)
		}
	}

	for _, key := range keys {
		if existing, exists := s.fullText[key]; exists {
			if err := s.replaceFullText(ctx, key, slices.Clone(existing.fields)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Engine) ListFullTextIndexes(ctx context.Context) ([]database.FullTextIndexSpec, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var specs []database.FullTextIndexSpec

	for _, index := range s.fullText {
		specs = append(specs, index.specs()...)
	}

	database.SortFullTextIndexSpecs(specs)
	return specs, nil
}

type scoredDocument struct {
	id    string
	score float64
}

// search runs a disjunction of match queries over every indexed field of the label and returns at most topN
// documents ordered by descending score.
func (s *Engine) search(ctx context.Context, key labelKey, text string, topN int) ([]scoredDocument, error) {
	if topN <= 0 {
		return nil, fmt.Errorf("%w: topN must be positive", graph.ErrInvalidArgument)
	}

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty full-text query", graph.ErrInvalidArgument)
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	index, exists := s.fullText[key]
	if !exists {
		return nil, fmt.Errorf("%w: no full-text index on %s", graph.ErrNotFound, key)
	}

	matches := make([]query.Query, 0, len(index.fields))

	for _, field := range index.fields {
		match := bleve.NewMatchQuery(text)
		match.SetField(field)

		matches = append(matches, match)
	}

	request := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(matches...), topN, 0, false)

	result, err := index.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("querying full-text index on %s: %w", key, err)
	}

	documents := make([]scoredDocument, 0, len(result.Hits))

	for _, hit := range result.Hits {
		documents = append(documents, scoredDocument{id: hit.ID, score: hit.Score})
	}

	slices.SortStableFunc(documents, func(a, b scoredDocument) int {
		switch {
		case a.score > b.score:
			return -1

		case a.score < b.score:
			return 1

		default:
			return 0
		}
	})

	if len(documents) > topN {
		documents = documents[:topN]
	}

	return documents, nil
}

func (s *Engine) QueryVertexByFullTextIndex(ctx context.Context, label, text string, topN int) ([]graph.ScoredVertex, error) {
	documents, err := s.search(ctx, labelKey{isVertex: true, name: label}, text, topN)
	if err != nil {
		return nil, err
	}

	scored := make([]graph.ScoredVertex, 0, len(documents))

	for _, document := range documents {
		id, err := strconv.ParseUint(document.id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed full-text document id %q: %w", document.id, err)
		}

		scored = append(scored, graph.ScoredVertex{ID: graph.VertexID(id), Score: document.score})
	}

	return scored, nil
}

func (s *Engine) QueryEdgeByFullTextIndex(ctx context.Context, label, text string, topN int) ([]graph.ScoredEdge, error) {
	documents, err := s.search(ctx, labelKey{isVertex: false, name: label}, text, topN)
	if err != nil {
		return nil, err
	}

	scored := make([]graph.ScoredEdge, 0, len(documents))

	for _, document := range documents {
		uid, err := graph.ParseEdgeUID(document.id)
		if err != nil {
			return nil, err
		}

		scored = append(scored, graph.ScoredEdge{UID: uid, Score: document.score})
	}

	return scored, nil
}
