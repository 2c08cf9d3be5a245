package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/specterops/graphguard"
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/config"
	"github.com/specterops/graphguard/database/memgraph"
	"github.com/specterops/graphguard/drivers"
	"github.com/specterops/graphguard/drivers/neo4j"
	"github.com/specterops/graphguard/drivers/pg"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/plugin"
	"github.com/specterops/graphguard/util"
)

var (
	openPluginStore = func(ctx context.Context, cfg drivers.DatabaseConfiguration) (plugin.Store, error) {
		return pg.OpenPluginStore(ctx, cfg)
	}

	connectCypher = neo4j.Connect
)

// runtime is everything a command needs to open handles: the engine slot and the collaborators backing its plugin
// manager.
type runtime struct {
	slot    *graphguard.Slot
	manager *plugin.Manager
	closers []func(ctx context.Context) error
}

func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	var (
		opened  = &runtime{}
		options = plugin.Options{
			MaxConcurrent:  cfg.Engine.MaxConcurrentPlugins,
			DefaultTimeout: cfg.Engine.PluginTimeout(),
			Logger:         logger,
		}
	)

	if cfg.PluginStore.Configured() {
		store, err := openPluginStore(ctx, cfg.PluginStore)
		if err != nil {
			return nil, fmt.Errorf("opening plugin store: %w", err)
		}

		options.Store = store
	}

	if cfg.Cypher.Configured() {
		internalDriver, err := connectCypher(ctx, cfg.Cypher)
		if err != nil {
			// The manager owns the store once created; until then it is closed here.
			if options.Store != nil {
				if closeErr := options.Store.Close(ctx); closeErr != nil {
					logger.DebugContext(ctx, "failed closing plugin store", slog.String("err", closeErr.Error()))
				}
			}

			return nil, fmt.Errorf("connecting cypher host: %w", err)
		}

		host := neo4j.NewCypherHost(internalDriver, cfg.Cypher.Database, cfg.Cypher.MaxConcurrentSessions)

		options.Hosts = map[plugin.CodeType]plugin.Host{
			plugin.CodeTypeCypher: host,
		}

		opened.closers = append(opened.closers, host.Close)
	}

	opened.manager = plugin.NewManager(options)
	opened.closers = append(opened.closers, opened.manager.Close)

	engine, err := graphguard.Open(ctx, cfg.Driver, graphguard.Config{
		Engine:  cfg.Engine,
		Plugins: opened.manager,
		Logger:  logger,
	})
	if err != nil {
		opened.close(ctx, logger)
		return nil, fmt.Errorf("opening %s engine: %w", cfg.Driver, err)
	}

	opened.slot = graphguard.NewSlot(engine, logger)
	return opened, nil
}

// restore loads the backup at path into a new memgraph engine sharing this runtime's plugin manager and reloads the
// slot with it.
func (s *runtime) restore(ctx context.Context, cfg config.Config, logger *slog.Logger, path string) error {
	if cfg.Driver != memgraph.DriverName {
		return fmt.Errorf("%w: restore is not supported by the %s driver", graph.ErrInvalidArgument, cfg.Driver)
	}

	next, err := memgraph.Restore(ctx, cfg.Engine, path, memgraph.WithPluginManager(s.manager), memgraph.WithLogger(logger))
	if err != nil {
		return err
	}

	reloadCtx, done := context.WithTimeout(ctx, cfg.ReloadTimeout())
	defer done()

	// The replaced engine persists when it closes, so the restored state is written after the reload completes.
	if err := graphguard.ReloadEngine(reloadCtx, s.slot, next); err != nil {
		return err
	}

	return next.Persist(ctx)
}

func (s *runtime) withHandle(level access.Level, delegate func(handle *graphguard.Handle) error) error {
	return graphguard.WithHandle(s.slot, level, delegate)
}

// close shuts the slot down first so that the engine is closed before the collaborators it depends on.
func (s *runtime) close(ctx context.Context, logger *slog.Logger) error {
	errs := util.NewErrorCollector()

	if s.slot != nil {
		errs.Add(s.slot.Close(ctx))
	}

	for idx := len(s.closers) - 1; idx >= 0; idx-- {
		if err := s.closers[idx](ctx); err != nil {
			logger.DebugContext(ctx, "failed closing runtime collaborator", slog.String("err", err.Error()))
			errs.Add(err)
		}
	}

	return errs.Combined()
}
