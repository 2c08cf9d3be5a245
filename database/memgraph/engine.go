// Package memgraph is an in-memory multi-version graph storage engine. Transactions read from commit timestamp
// snapshots, pessimistic writers take no-wait record locks and optimistic writers are validated at commit. Exact
// indexes keep roaring bitmap postings, full-text indexes are kept in bleve and durable snapshots are written as bbolt
// files.
package memgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/specterops/graphguard"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/plugin"
	"github.com/specterops/graphguard/util"
)

const (
	DriverName   = "memgraph"
	SnapshotFile = "snapshot.db"
)

var ErrEngineClosed = fmt.Errorf("%w: storage engine is closed", graph.ErrInvalidArgument)

func init() {
	graphguard.Register(DriverName, func(ctx context.Context, cfg graphguard.Config) (graphguard.StorageEngine, error) {
		return New(ctx, cfg.Engine, WithPluginManager(cfg.Plugins), WithLogger(cfg.Logger))
	})
}

type Option func(engine *Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// WithPluginManager makes the engine expose an existing plugin manager. The engine does not close managers it did not
// create.
func WithPluginManager(manager *plugin.Manager) Option {
	return func(engine *Engine) {
		if manager != nil {
			engine.plugins = manager
		}
	}
}

var _ graphguard.StorageEngine = (*Engine)(nil)

type Engine struct {
	cfg         database.Config
	logger      *slog.Logger
	plugins     *plugin.Manager
	ownsPlugins bool
	closed      atomic.Bool

	// clock is the timestamp of the newest fully installed commit. It only advances under the write lock, after the
	// commit's versions are in place.
	clock     atomic.Uint64
	txnSeq    atomic.Uint64
	vertexSeq atomic.Uint64
	edgeSeq   atomic.Uint64

	lock      *sync.RWMutex
	records   map[recordKey]*record
	members   map[labelKey]*roaring64.Bitmap
	adjacency map[uint64]*roaring64.Bitmap
	schemas   map[labelKey]graph.LabelSchema
	schemaTs  map[labelKey]uint64
	dropTs    uint64
	indexes   map[indexKey]*exactIndex
	fullText  map[labelKey]*fullTextIndex

	snapshots   *snapshotRegistry
	estimator   *estimator
	persistLock *sync.Mutex
}

// New creates an engine. If cfg.DataDir holds a snapshot written by Persist the engine starts from it.
func New(ctx context.Context, cfg database.Config, options ...Option) (*Engine, error) {
	engine := newEngine(cfg.WithDefaults(), options...)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}

		snapshotPath := filepath.Join(cfg.DataDir, SnapshotFile)

		if _, err := os.Stat(snapshotPath); err == nil {
			if err := engine.load(ctx, snapshotPath); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking snapshot: %w", err)
		}
	}

	return engine, nil
}

// Restore creates an engine from a file written by Backup.
func Restore(ctx context.Context, cfg database.Config, path string, options ...Option) (*Engine, error) {
	engine := newEngine(cfg.WithDefaults(), options...)

	if err := engine.load(ctx, path); err != nil {
		return nil, err
	}

	return engine, nil
}

func newEngine(cfg database.Config, options ...Option) *Engine {
	engine := &Engine{
		cfg:         cfg,
		logger:      slog.Default(),
		lock:        &sync.RWMutex{},
		snapshots:   newSnapshotRegistry(),
		estimator:   newEstimator(),
		persistLock: &sync.Mutex{},
	}

	engine.reset()

	for _, option := range options {
		option(engine)
	}

	if engine.plugins == nil {
		engine.plugins = plugin.NewManager(plugin.Options{
			MaxConcurrent:  cfg.MaxConcurrentPlugins,
			DefaultTimeout: cfg.PluginTimeout(),
			Logger:         engine.logger,
		})

		engine.ownsPlugins = true
	}

	return engine
}

// reset clears data, schema and indexes. Callers must hold the write lock or own the engine exclusively.
func (s *Engine) reset() {
	s.records = map[recordKey]*record{}
	s.members = map[labelKey]*roaring64.Bitmap{}
	s.adjacency = map[uint64]*roaring64.Bitmap{}
	s.schemas = map[labelKey]graph.LabelSchema{}
	s.indexes = map[indexKey]*exactIndex{}

	s.closeFullText()
	s.fullText = map[labelKey]*fullTextIndex{}

	if s.schemaTs == nil {
		s.schemaTs = map[labelKey]uint64{}
	}
}

func (s *Engine) Config() database.Config {
	return s.cfg
}

func (s *Engine) PluginManager() graphguard.PluginManager {
	return s.plugins
}

func (s *Engine) checkOpen() error {
	if s.closed.Load() {
		return ErrEngineClosed
	}

	return nil
}

// publish advances the clock to ts. Must be called with the write lock held after every version stamped ts is
// installed.
func (s *Engine) publish(ts uint64) {
	s.clock.Store(ts)
}

func (s *Engine) nextTs() uint64 {
	return s.clock.Load() + 1
}

func (s *Engine) CreateReadTxn(ctx context.Context) (database.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return s.begin(true, false, false), nil
}

func (s *Engine) CreateWriteTxn(ctx context.Context, optimistic, flush bool) (database.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	return s.begin(false, optimistic, flush), nil
}

// ForkTxn returns a read-only transaction observing the parent's snapshot. Uncommitted writes of a parent write
// transaction are not visible to the fork.
func (s *Engine) ForkTxn(ctx context.Context, parent database.Transaction) (database.Transaction, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if parent == nil {
		return nil, fmt.Errorf("%w: no parent transaction", graph.ErrInvalidArgument)
	}

	typedParent, isLocal := parent.(*transaction)
	if !isLocal || typedParent.engine != s {
		return nil, fmt.Errorf("%w: transaction %d does not belong to this engine", graph.ErrInvalidArgument, parent.ID())
	}

	// Holding the read lock keeps the parent's snapshot from being released and vacuumed while the fork registers.
	s.lock.RLock()
	defer s.lock.RUnlock()

	if !typedParent.Valid() {
		return nil, fmt.Errorf("fork of transaction %d: %w", parent.ID(), graph.ErrTransactionClosed)
	}

	return s.beginLocked(true, false, false, typedParent.snapshot), nil
}

// begin creates a transaction observing the newest installed commit.
func (s *Engine) begin(readOnly, optimistic, flush bool) *transaction {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.beginLocked(readOnly, optimistic, flush, s.clock.Load())
}

func (s *Engine) beginLocked(readOnly, optimistic, flush bool, snapshot uint64) *transaction {
	txn := newTransaction(s, s.txnSeq.Add(1), snapshot, readOnly, optimistic, flush || (!readOnly && s.cfg.DurableCommits))
	s.snapshots.register(txn.id, snapshot)

	return txn
}

func (s *Engine) NumVertices() uint64 {
	return s.estimator.estimate()
}

// Close persists the engine if it has a data directory and releases the full-text indexes and the plugin manager
// if the engine created it. Closing twice is a no-op.
func (s *Engine) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	errs := util.NewErrorCollector()

	if s.cfg.DataDir != "" {
		errs.Add(s.Persist(ctx))
	}

	s.lock.Lock()
	s.closeFullText()
	s.fullText = map[labelKey]*fullTextIndex{}
	s.lock.Unlock()

	if s.ownsPlugins {
		errs.Add(s.plugins.Close(ctx))
	}

	s.logger.DebugContext(ctx, "storage engine closed", slog.String("name", s.cfg.Name))
	return errs.Combined()
}

// labelMembers returns the ids ever recorded under a label. Visibility must be checked per id. Callers must hold the
// lock.
func (s *Engine) labelMembers(key labelKey) []uint64 {
	if members, exists := s.members[key]; exists {
		return members.ToArray()
	}

	return nil
}

func (s *Engine) addMember(key labelKey, id uint64) {
	members, exists := s.members[key]
	if !exists {
		members = roaring64.New()
		s.members[key] = members
	}

	members.Add(id)
}

func (s *Engine) addAdjacency(vertex, edge uint64) {
	incident, exists := s.adjacency[vertex]
	if !exists {
		incident = roaring64.New()
		s.adjacency[vertex] = incident
	}

	incident.Add(edge)
}

// incidentEdges returns the ids of every edge ever recorded against the vertex. Callers must hold the lock.
func (s *Engine) incidentEdges(vertex uint64) []uint64 {
	if incident, exists := s.adjacency[vertex]; exists {
		return incident.ToArray()
	}

	return nil
}

func (s *Engine) schema(isVertex bool, label string) (graph.LabelSchema, bool) {
	schema, found := s.schemas[labelKey{isVertex: isVertex, name: label}]
	return schema, found
}

func (s *Engine) sortedLabels(isVertex bool) []string {
	var names []string

	for key := range s.schemas {
		if key.isVertex == isVertex {
			names = append(names, key.name)
		}
	}

	slices.Sort(names)
	return names
}

// snapshotRegistry tracks the snapshots of live transactions so that old versions are only reclaimed once nothing
// can observe them.
type snapshotRegistry struct {
	active map[uint64]uint64
	lock   *sync.Mutex
}

func newSnapshotRegistry() *snapshotRegistry {
	return &snapshotRegistry{
		active: map[uint64]uint64{},
		lock:   &sync.Mutex{},
	}
}

func (s *snapshotRegistry) register(txnID, snapshot uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.active[txnID] = snapshot
}

func (s *snapshotRegistry) release(txnID uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.active, txnID)
}

func (s *snapshotRegistry) len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.active)
}

// watermark returns the oldest snapshot still in use, or current if there is none.
func (s *snapshotRegistry) watermark(current uint64) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	watermark := current

	for _, snapshot := range s.active {
		watermark = min(watermark, snapshot)
	}

	return watermark
}
