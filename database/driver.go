package database

import (
	"context"
	"time"

	"github.com/specterops/graphguard/graph"
)

const (
	DefaultFullTextAnalyzer     = "standard"
	DefaultMaxConcurrentPlugins = 8
	DefaultPluginTimeout        = 30 * time.Second
)

// Config is the engine-level configuration returned by Engine.Config.
type Config struct {
	Name string `json:"name" yaml:"name"`

	// DataDir is where Persist writes the durable snapshot. An empty DataDir makes Persist and flush-on-commit no-ops.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DurableCommits forces every write transaction to flush on commit regardless of the per-transaction flag.
	DurableCommits bool `json:"durable_commits" yaml:"durable_commits"`

	// FullTextAnalyzer names the analyzer used by full-text indexes.
	FullTextAnalyzer string `json:"full_text_analyzer" yaml:"full_text_analyzer"`

	// MaxConcurrentPlugins bounds the number of stored procedures executing at once.
	MaxConcurrentPlugins int `json:"max_concurrent_plugins" yaml:"max_concurrent_plugins"`

	// PluginTimeoutSeconds is applied to plugin calls that do not specify a positive timeout.
	PluginTimeoutSeconds float64 `json:"plugin_timeout_seconds" yaml:"plugin_timeout_seconds"`
}

// WithDefaults returns a copy of the configuration with unset values replaced by their defaults.
func (s Config) WithDefaults() Config {
	if s.Name == "" {
		s.Name = "default"
	}

	if s.FullTextAnalyzer == "" {
		s.FullTextAnalyzer = DefaultFullTextAnalyzer
	}

	if s.MaxConcurrentPlugins <= 0 {
		s.MaxConcurrentPlugins = DefaultMaxConcurrentPlugins
	}

	if s.PluginTimeoutSeconds <= 0 {
		s.PluginTimeoutSeconds = DefaultPluginTimeout.Seconds()
	}

	return s
}

func (s Config) PluginTimeout() time.Duration {
	return time.Duration(s.PluginTimeoutSeconds * float64(time.Second))
}

// Transaction is a unit of work issued by an Engine. Read transactions observe a single snapshot for their entire
// lifetime. Write transactions buffer their changes until Commit.
type Transaction interface {
	ID() uint64
	ReadOnly() bool
	Optimistic() bool

	// Valid returns false once the transaction has been committed or aborted.
	Valid() bool

	AddVertex(ctx context.Context, label string, fields graph.Fields) (graph.VertexID, error)
	GetVertex(ctx context.Context, id graph.VertexID) (graph.Vertex, error)
	SetVertexFields(ctx context.Context, id graph.VertexID, fields graph.Fields) error
	DeleteVertex(ctx context.Context, id graph.VertexID) error

	AddEdge(ctx context.Context, src, dst graph.VertexID, label string, fields graph.Fields) (graph.EdgeUID, error)
	GetEdge(ctx context.Context, uid graph.EdgeUID) (graph.Edge, error)
	SetEdgeFields(ctx context.Context, uid graph.EdgeUID, fields graph.Fields) error
	DeleteEdge(ctx context.Context, uid graph.EdgeUID) error

	VertexIDs(ctx context.Context, label string) ([]graph.VertexID, error)
	EdgeUIDs(ctx context.Context, label string) ([]graph.EdgeUID, error)
	LookupVertices(ctx context.Context, label, field string, value graph.Value) ([]graph.VertexID, error)

	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Engine is the storage collaborator behind a handle. Engines perform no access checks of their own.
type Engine interface {
	Config() Config

	CreateReadTxn(ctx context.Context) (Transaction, error)
	CreateWriteTxn(ctx context.Context, optimistic, flush bool) (Transaction, error)
	ForkTxn(ctx context.Context, txn Transaction) (Transaction, error)

	AddLabel(ctx context.Context, schema graph.LabelSchema) error
	DeleteLabel(ctx context.Context, isVertex bool, label string) (int, error)
	GetLabel(ctx context.Context, isVertex bool, label string) (graph.LabelSchema, error)
	ListLabels(ctx context.Context, isVertex bool) ([]string, error)
	AlterLabelAddFields(ctx context.Context, isVertex bool, label string, fields []graph.FieldSpec, defaults []graph.Value) (int, error)
	AlterLabelDelFields(ctx context.Context, isVertex bool, label string, fields []string) (int, error)
	AlterLabelModFields(ctx context.Context, isVertex bool, label string, fields []graph.FieldSpec) (int, error)
	AlterLabelModEdgeConstraints(ctx context.Context, label string, constraints []graph.EdgeConstraint) error

	BlockingAddIndex(ctx context.Context, spec IndexSpec) error
	DeleteIndex(ctx context.Context, isVertex bool, label, field string) error
	IsIndexed(ctx context.Context, isVertex bool, label, field string) (bool, error)

	AddFullTextIndex(ctx context.Context, spec FullTextIndexSpec) error
	DeleteFullTextIndex(ctx context.Context, spec FullTextIndexSpec) error
	RebuildFullTextIndex(ctx context.Context, vertexLabels, edgeLabels []string) error
	ListFullTextIndexes(ctx context.Context) ([]FullTextIndexSpec, error)
	QueryVertexByFullTextIndex(ctx context.Context, label, query string, topN int) ([]graph.ScoredVertex, error)
	QueryEdgeByFullTextIndex(ctx context.Context, label, query string, topN int) ([]graph.ScoredEdge, error)

	DropAllData(ctx context.Context) error
	DropAllVertex(ctx context.Context) error
	Persist(ctx context.Context) error
	NumVertices() uint64
	WarmUp(ctx context.Context) error
	Backup(ctx context.Context, path string, compact bool) (int64, error)

	Close(ctx context.Context) error
}
