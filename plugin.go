package graphguard

import (
	"context"
	"fmt"
	"time"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/plugin"
)

func (s *Handle) LoadPlugin(ctx context.Context, pluginType plugin.Type, token, name, code string, codeType plugin.CodeType, description string, readOnly bool) error {
	if engine, err := s.gate(access.ClassAdmin, "LoadPlugin"); err != nil {
		return err
	} else {
		return engine.PluginManager().LoadPluginFromCode(ctx, pluginType, token, name, code, codeType, description, readOnly)
	}
}

func (s *Handle) DelPlugin(ctx context.Context, pluginType plugin.Type, token, name string) error {
	if engine, err := s.gate(access.ClassAdmin, "DelPlugin"); err != nil {
		return err
	} else {
		return engine.PluginManager().DelPlugin(ctx, pluginType, token, name)
	}
}

// CallPlugin invokes a stored procedure. The required level depends on the procedure: read-only procedures need
// read access and every other procedure needs write access. Unknown procedures fail with graph.ErrNotFound before any
// level comparison. A non-positive timeout uses the manager's default. Timeouts are reported as graph.ErrTimeout and
// procedure failures as graph.ErrExecution.
func (s *Handle) CallPlugin(ctx context.Context, pluginType plugin.Type, token, name, request string, timeout time.Duration, inProcess bool) (string, error) {
	engine, err := s.engine()
	if err != nil {
		return "", err
	}

	var (
		manager = engine.PluginManager()
		status  = manager.IsReadOnlyPlugin(ctx, pluginType, token, name)
	)

	class, callable := status.Class()
	if !callable {
		return "", fmt.Errorf("%w: plugin %s/%s", graph.ErrNotFound, pluginType, name)
	}

	if err := access.RequireFor(s.level, class, "CallPlugin "+name); err != nil {
		recordDenial(class)
		return "", err
	}

	return manager.Call(ctx, pluginType, token, s, name, request, timeout, inProcess)
}

// CallPluginSeconds is CallPlugin with the timeout expressed in seconds.
func (s *Handle) CallPluginSeconds(ctx context.Context, pluginType plugin.Type, token, name, request string, timeoutSeconds float64, inProcess bool) (string, error) {
	return s.CallPlugin(ctx, pluginType, token, name, request, time.Duration(timeoutSeconds*float64(time.Second)), inProcess)
}

// ListPlugins is delegated to the plugin manager; the token alone decides what may be listed.
func (s *Handle) ListPlugins(ctx context.Context, pluginType plugin.Type, token string) ([]plugin.Descriptor, error) {
	if engine, err := s.engine(); err != nil {
		return nil, err
	} else {
		return engine.PluginManager().ListPlugins(ctx, pluginType, token)
	}
}

// GetPluginCode returns the code of a stored procedure and false if it cannot be found.
func (s *Handle) GetPluginCode(ctx context.Context, pluginType plugin.Type, token, name string) (string, bool) {
	if engine, err := s.engine(); err != nil {
		return "", false
	} else {
		return engine.PluginManager().GetPluginCode(ctx, pluginType, token, name)
	}
}

func (s *Handle) IsReadOnlyPlugin(ctx context.Context, pluginType plugin.Type, token, name string) plugin.Status {
	if engine, err := s.engine(); err != nil {
		return plugin.StatusUnknown
	} else {
		return engine.PluginManager().IsReadOnlyPlugin(ctx, pluginType, token, name)
	}
}
