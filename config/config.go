// Package config loads the graphguard YAML configuration and validates it against an embedded CUE schema.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/drivers"
	"github.com/specterops/graphguard/graph"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDriver               = "memgraph"
	DefaultAccessLevel          = "read"
	DefaultLogLevel             = "info"
	DefaultReloadTimeoutSeconds = 30
)

//go:embed schema.cue
var schemaSource string

type Config struct {
	Driver string `json:"driver" yaml:"driver"`

	// AccessLevel is the level of handles opened by tooling that does not ask for one explicitly.
	AccessLevel string `json:"access_level" yaml:"access_level"`
	LogLevel    string `json:"log_level" yaml:"log_level"`

	// ReloadTimeoutSeconds bounds how long a reload waits for handles on the previous engine before deferring its
	// close.
	ReloadTimeoutSeconds float64 `json:"reload_timeout_seconds" yaml:"reload_timeout_seconds"`

	Engine database.Config `json:"engine" yaml:"engine"`

	// PluginStore, when configured, keeps procedure descriptors in PostgreSQL instead of memory.
	PluginStore drivers.DatabaseConfiguration `json:"plugin_store,omitzero" yaml:"plugin_store,omitempty"`

	// Cypher, when configured, enables Cypher-coded procedures executed against Neo4j.
	Cypher drivers.DatabaseConfiguration `json:"cypher,omitzero" yaml:"cypher,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return applyDefaults(Config{})
}

// applyDefaults fills unset values only. Values that were set but are out of range are left for validation to reject.
func applyDefaults(cfg Config) Config {
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}

	if cfg.AccessLevel == "" {
		cfg.AccessLevel = DefaultAccessLevel
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.ReloadTimeoutSeconds == 0 {
		cfg.ReloadTimeoutSeconds = DefaultReloadTimeoutSeconds
	}

	if cfg.Engine.Name == "" {
		cfg.Engine.Name = "default"
	}

	if cfg.Engine.FullTextAnalyzer == "" {
		cfg.Engine.FullTextAnalyzer = database.DefaultFullTextAnalyzer
	}

	if cfg.Engine.MaxConcurrentPlugins == 0 {
		cfg.Engine.MaxConcurrentPlugins = database.DefaultMaxConcurrentPlugins
	}

	if cfg.Engine.PluginTimeoutSeconds == 0 {
		cfg.Engine.PluginTimeoutSeconds = database.DefaultPluginTimeout.Seconds()
	}

	return cfg
}

// Validate checks cfg against the embedded schema. Violations wrap graph.ErrInvalidArgument.
func Validate(cfg Config) error {
	var (
		cueCtx = cuecontext.New()
		schema = cueCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
	)

	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling configuration schema: %w", err)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}

	value := cueCtx.CompileBytes(encoded, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %s", graph.ErrInvalidArgument, cueerrors.Details(err, nil))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)

	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: invalid configuration: %s", graph.ErrInvalidArgument, strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	return nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(content []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decoding configuration: %w", graph.ErrInvalidArgument, err)
	}

	cfg = applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Load(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading configuration %s: %w", path, err)
	}

	return Parse(content)
}

func (s Config) Level() (access.Level, error) {
	return access.ParseLevel(s.AccessLevel)
}

func (s Config) SlogLevel() slog.Level {
	var level slog.Level

	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}

func (s Config) ReloadTimeout() time.Duration {
	return time.Duration(s.ReloadTimeoutSeconds * float64(time.Second))
}
