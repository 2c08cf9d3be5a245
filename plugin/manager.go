package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/cache"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/util/channels"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxConcurrent = 8
	DefaultTimeout       = 30 * time.Second
	DefaultCacheCapacity = 256
)

// TokenVerifier decides whether a token may act on the procedure registry. Rejections must wrap
// graph.ErrPermissionDenied.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) error
}

type TokenVerifierFunc func(ctx context.Context, token string) error

func (s TokenVerifierFunc) VerifyToken(ctx context.Context, token string) error {
	return s(ctx, token)
}

// AllowAllTokens accepts every token.
var AllowAllTokens = TokenVerifierFunc(func(ctx context.Context, token string) error {
	return nil
})

// Validator is implemented by hosts that can reject a descriptor at load time.
type Validator interface {
	Validate(descriptor Descriptor) error
}

type Options struct {
	Store          Store
	Procedures     *Procedures
	Hosts          map[CodeType]Host
	Verifier       TokenVerifier
	MaxConcurrent  int
	DefaultTimeout time.Duration
	CacheCapacity  int
	Logger         *slog.Logger
}

// Manager is the procedure registry and dispatcher. It classifies host failures into graph.ErrTimeout and
// graph.ErrExecution. Its only access level check is the one Call makes against the descriptor it executes.
type Manager struct {
	store          Store
	hosts          map[CodeType]Host
	verifier       TokenVerifier
	limiter        channels.ConcurrencyLimiter
	defaultTimeout time.Duration
	descriptors    cache.Cache[Key, Descriptor]
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewManager creates a manager. Unset options default to an in-memory store, a symbol host over an empty procedure
// table, a shell host and a verifier that accepts every token.
func NewManager(options Options) *Manager {
	if options.Store == nil {
		options.Store = NewMemoryStore()
	}

	if options.Procedures == nil {
		options.Procedures = NewProcedures()
	}

	if options.Verifier == nil {
		options.Verifier = AllowAllTokens
	}

	if options.MaxConcurrent <= 0 {
		options.MaxConcurrent = DefaultMaxConcurrent
	}

	if options.DefaultTimeout <= 0 {
		options.DefaultTimeout = DefaultTimeout
	}

	if options.CacheCapacity <= 0 {
		options.CacheCapacity = DefaultCacheCapacity
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	hosts := map[CodeType]Host{
		CodeTypeSymbol: NewSymbolHost(options.Procedures),
		CodeTypeShell:  NewShellHost(),
	}

	for codeType, host := range options.Hosts {
		hosts[codeType] = host
	}

	return &Manager{
		store:          options.Store,
		hosts:          hosts,
		verifier:       options.Verifier,
		limiter:        channels.NewConcurrencyLimiter(options.MaxConcurrent),
		defaultTimeout: options.DefaultTimeout,
		descriptors:    cache.NewSieve[Key, Descriptor](options.CacheCapacity),
		logger:         options.Logger,
		tracer:         otel.Tracer("graphguard/plugin"),
	}
}

func (s *Manager) CacheStats() cache.Stats {
	return s.descriptors.Stats()
}

func (s *Manager) lookup(ctx context.Context, key Key) (Descriptor, bool, error) {
	if descriptor, cached := s.descriptors.Get(key); cached {
		return descriptor, true, nil
	}

	if descriptor, found, err := s.store.Get(ctx, key); err != nil || !found {
		return Descriptor{}, false, err
	} else {
		s.descriptors.Put(key, descriptor)
		return descriptor, true, nil
	}
}

func (s *Manager) LoadPluginFromCode(ctx context.Context, pluginType Type, token, name, code string, codeType CodeType, description string, readOnly bool) error {
	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		return err
	}

	descriptor := Descriptor{
		Type:        pluginType,
		Name:        name,
		Code:        code,
		CodeType:    codeType,
		Description: description,
		ReadOnly:    readOnly,
		Owner:       token,
	}

	if err := descriptor.Validate(); err != nil {
		return err
	}

	if host, hasHost := s.hosts[codeType]; !hasHost {
		return fmt.Errorf("%w: no host configured for %s code", graph.ErrInvalidArgument, codeType)
	} else if validator, canValidate := host.(Validator); canValidate {
		if err := validator.Validate(descriptor); err != nil {
			return err
		}
	}

	if err := s.store.Put(ctx, descriptor); err != nil {
		return err
	}

	s.descriptors.Put(descriptor.Key(), descriptor)
	recordLoaded(pluginType)

	s.logger.InfoContext(ctx, "plugin loaded",
		slog.String("plugin", descriptor.Key().String()),
		slog.String("code_type", codeType.String()),
		slog.Bool("read_only", readOnly))

	return nil
}

func (s *Manager) DelPlugin(ctx context.Context, pluginType Type, token, name string) error {
	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		return err
	}

	key := Key{Type: pluginType, Name: name}

	// Evict before and after so a concurrent lookup cannot re-populate the cache from the store mid-delete.
	s.descriptors.Delete(key)
	defer s.descriptors.Delete(key)

	if err := s.store.Delete(ctx, key); err != nil {
		return err
	}

	recordDeleted(pluginType)
	s.logger.InfoContext(ctx, "plugin deleted", slog.String("plugin", key.String()))

	return nil
}

func (s *Manager) ListPlugins(ctx context.Context, pluginType Type, token string) ([]Descriptor, error) {
	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		return nil, err
	}

	return s.store.List(ctx, pluginType)
}

// GetPluginCode returns the code of the named procedure. A missing procedure, a rejected token or a store failure
// all report false; the latter two are logged.
func (s *Manager) GetPluginCode(ctx context.Context, pluginType Type, token, name string) (string, bool) {
	if descriptor, found := s.probe(ctx, pluginType, token, name); found {
		return descriptor.Code, true
	}

	return "", false
}

// IsReadOnlyPlugin classifies the named procedure. StatusUnknown covers every case where the descriptor could not be
// read.
func (s *Manager) IsReadOnlyPlugin(ctx context.Context, pluginType Type, token, name string) Status {
	if descriptor, found := s.probe(ctx, pluginType, token, name); found {
		return descriptor.Status()
	}

	return StatusUnknown
}

func (s *Manager) probe(ctx context.Context, pluginType Type, token, name string) (Descriptor, bool) {
	key := Key{Type: pluginType, Name: name}

	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		s.logger.DebugContext(ctx, "plugin lookup rejected", slog.String("plugin", key.String()), slog.String("err", err.Error()))
		return Descriptor{}, false
	}

	descriptor, found, err := s.lookup(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "plugin lookup failed", slog.String("plugin", key.String()), slog.String("err", err.Error()))
		return Descriptor{}, false
	}

	return descriptor, found
}

// Call runs the named procedure on behalf of caller. The caller's access level is checked against the same descriptor
// that is handed to the host, so a procedure replaced after an earlier IsReadOnlyPlugin lookup cannot run with the
// earlier classification. A non-positive timeout is replaced with the manager's default.
func (s *Manager) Call(ctx context.Context, pluginType Type, token string, caller Database, name, request string, timeout time.Duration, inProcess bool) (string, error) {
	if err := s.verifier.VerifyToken(ctx, token); err != nil {
		return "", err
	}

	key := Key{Type: pluginType, Name: name}

	descriptor, found, err := s.lookup(ctx, key)
	if err != nil {
		return "", err
	} else if !found {
		return "", fmt.Errorf("%w: plugin %s", graph.ErrNotFound, key)
	}

	class, _ := descriptor.Status().Class()

	if err := access.RequireFor(caller.AccessLevel(), class, "CallPlugin "+name); err != nil {
		recordCall(pluginType, resultDenied, 0)
		return "", err
	}

	host, hasHost := s.hosts[descriptor.CodeType]
	if !hasHost {
		return "", fmt.Errorf("%w: no host configured for %s code", graph.ErrInvalidArgument, descriptor.CodeType)
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	invocation := Invocation{
		ID:         newInvocationID(),
		Descriptor: descriptor,
		Caller:     caller,
		Request:    request,
		InProcess:  inProcess,
	}

	callCtx, done := context.WithTimeout(ctx, timeout)
	defer done()

	callCtx, span := s.tracer.Start(callCtx, "plugin.Call",
		trace.WithAttributes(
			attribute.String("plugin.type", pluginType.String()),
			attribute.String("plugin.name", name),
			attribute.String("plugin.code_type", descriptor.CodeType.String()),
			attribute.String("plugin.invocation_id", invocation.ID),
			attribute.Bool("plugin.in_process", inProcess),
		),
	)
	defer span.End()

	started := time.Now()

	if !s.limiter.Acquire(callCtx) {
		recordCall(pluginType, resultRejected, 0)

		err := fmt.Errorf("%w: waiting for an execution slot for plugin %s: %w", graph.ErrTimeout, key, callCtx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "no execution slot")

		return "", err
	}

	recordInFlight(1)

	response, err := host.Execute(callCtx, invocation)

	recordInFlight(-1)
	s.limiter.Release()

	if err = classifyCallError(callCtx, key, err); err != nil {
		result := resultFailed

		if errors.Is(err, graph.ErrTimeout) {
			result = resultTimeout
		}

		recordCall(pluginType, result, time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, result)

		s.logger.DebugContext(ctx, "plugin call failed",
			slog.String("plugin", key.String()),
			slog.String("invocation_id", invocation.ID),
			slog.String("err", err.Error()))

		return "", err
	}

	recordCall(pluginType, resultOK, time.Since(started))
	span.SetAttributes(attribute.Int("plugin.response_bytes", len(response)))

	return response, nil
}

// Close releases the descriptor store.
func (s *Manager) Close(ctx context.Context) error {
	s.descriptors.Purge()
	return s.store.Close(ctx)
}

func classifyCallError(ctx context.Context, key Key, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, graph.ErrTimeout), errors.Is(err, graph.ErrExecution), errors.Is(err, graph.ErrInvalidArgument):
		return err

	case ctx.Err() != nil:
		return fmt.Errorf("%w: plugin %s: %w", graph.ErrTimeout, key, err)

	default:
		return graph.NewExecutionError(key.String(), "", err)
	}
}

func newInvocationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}

	return uuid.NewString()
}
