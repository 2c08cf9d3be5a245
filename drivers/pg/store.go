package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/specterops/graphguard/drivers"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/plugin"
)

const (
	sqlCreatePluginTable = `create table if not exists graphguard_plugin (
	plugin_type int not null,
	name        text not null,
	code        text not null,
	code_type   int not null,
	description text not null default '',
	read_only   boolean not null,
	owner       text not null default '',
	created_at  timestamptz not null default now(),
	primary key (plugin_type, name)
);`

	sqlInsertPlugin = `insert into graphguard_plugin (plugin_type, name, code, code_type, description, read_only, owner)
values (@plugin_type, @name, @code, @code_type, @description, @read_only, @owner);`

	sqlDeletePlugin = `delete from graphguard_plugin where plugin_type = @plugin_type and name = @name;`

	sqlSelectPlugin = `select plugin_type, name, code, code_type, description, read_only, owner
from graphguard_plugin where plugin_type = @plugin_type and name = @name;`

	sqlSelectPlugins = `select plugin_type, name, code, code_type, description, read_only, owner
from graphguard_plugin where plugin_type = @plugin_type order by name;`
)

// PluginStore is a plugin.Store backed by a PostgreSQL table.
type PluginStore struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPluginStore wraps an existing pool. Closing the store does not close the pool.
func NewPluginStore(pool *pgxpool.Pool) *PluginStore {
	return &PluginStore{
		pool: pool,
	}
}

// OpenPluginStore connects a new pool using cfg, asserts the plugin table and returns a store that owns the pool.
func OpenPluginStore(ctx context.Context, cfg drivers.DatabaseConfiguration) (*PluginStore, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store := NewPluginStore(pool)
	store.ownsPool = true

	if err := store.AssertSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

// AssertSchema creates the plugin table if it does not exist.
func (s *PluginStore) AssertSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreatePluginTable); err != nil {
		return fmt.Errorf("creating plugin table: %w", err)
	}

	return nil
}

func keyArgs(key plugin.Key) pgx.NamedArgs {
	return pgx.NamedArgs{
		"plugin_type": int(key.Type),
		"name":        key.Name,
	}
}

func (s *PluginStore) Put(ctx context.Context, descriptor plugin.Descriptor) error {
	args := keyArgs(descriptor.Key())
	args["code"] = descriptor.Code
	args["code_type"] = int(descriptor.CodeType)
	args["description"] = descriptor.Description
	args["read_only"] = descriptor.ReadOnly
	args["owner"] = descriptor.Owner

	if _, err := s.pool.Exec(ctx, sqlInsertPlugin, args); err != nil {
		if StateUniqueViolation.ErrorMatches(err) {
			return fmt.Errorf("%w: plugin %s already exists", graph.ErrConflict, descriptor.Key())
		}

		return fmt.Errorf("storing plugin %s: %w", descriptor.Key(), err)
	}

	return nil
}

func (s *PluginStore) Delete(ctx context.Context, key plugin.Key) error {
	if tag, err := s.pool.Exec(ctx, sqlDeletePlugin, keyArgs(key)); err != nil {
		return fmt.Errorf("deleting plugin %s: %w", key, err)
	} else if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: plugin %s", graph.ErrNotFound, key)
	}

	return nil
}

func scanDescriptor(row pgx.CollectableRow) (plugin.Descriptor, error) {
	var (
		descriptor plugin.Descriptor
		pluginType int
		codeType   int
	)

	if err := row.Scan(&pluginType, &descriptor.Name, &descriptor.Code, &codeType, &descriptor.Description, &descriptor.ReadOnly, &descriptor.Owner); err != nil {
		return descriptor, err
	}

	descriptor.Type = plugin.Type(pluginType)
	descriptor.CodeType = plugin.CodeType(codeType)

	return descriptor, nil
}

func (s *PluginStore) Get(ctx context.Context, key plugin.Key) (plugin.Descriptor, bool, error) {
	rows, err := s.pool.Query(ctx, sqlSelectPlugin, keyArgs(key))
	if err != nil {
		return plugin.Descriptor{}, false, fmt.Errorf("fetching plugin %s: %w", key, err)
	}

	descriptors, err := pgx.CollectRows(rows, scanDescriptor)
	if err != nil {
		return plugin.Descriptor{}, false, fmt.Errorf("fetching plugin %s: %w", key, err)
	}

	if len(descriptors) == 0 {
		return plugin.Descriptor{}, false, nil
	}

	return descriptors[0], true, nil
}

func (s *PluginStore) List(ctx context.Context, pluginType plugin.Type) ([]plugin.Descriptor, error) {
	rows, err := s.pool.Query(ctx, sqlSelectPlugins, pgx.NamedArgs{"plugin_type": int(pluginType)})
	if err != nil {
		return nil, fmt.Errorf("listing %s plugins: %w", pluginType, err)
	}

	descriptors, err := pgx.CollectRows(rows, scanDescriptor)
	if err != nil {
		return nil, fmt.Errorf("listing %s plugins: %w", pluginType, err)
	}

	plugin.SortDescriptors(descriptors)
	return descriptors, nil
}

func (s *PluginStore) Close(_ context.Context) error {
	if s.ownsPool {
		s.pool.Close()
	}

	return nil
}

var _ plugin.Store = (*PluginStore)(nil)
