package graphguard

import (
	"context"
	"time"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/plugin"
)

// PluginManager is the procedure registry a StorageEngine exposes to handles.
type PluginManager interface {
	LoadPluginFromCode(ctx context.Context, pluginType plugin.Type, token, name, code string, codeType plugin.CodeType, description string, readOnly bool) error
	DelPlugin(ctx context.Context, pluginType plugin.Type, token, name string) error
	Call(ctx context.Context, pluginType plugin.Type, token string, caller plugin.Database, name, request string, timeout time.Duration, inProcess bool) (string, error)
	ListPlugins(ctx context.Context, pluginType plugin.Type, token string) ([]plugin.Descriptor, error)
	GetPluginCode(ctx context.Context, pluginType plugin.Type, token, name string) (string, bool)
	IsReadOnlyPlugin(ctx context.Context, pluginType plugin.Type, token, name string) plugin.Status
}

// StorageEngine is a storage instance that can sit behind a Handle.
type StorageEngine interface {
	database.Engine
	PluginManager() PluginManager
}

var _ PluginManager = (*plugin.Manager)(nil)
