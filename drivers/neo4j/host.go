package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/specterops/graphguard/graph"
	"github.com/specterops/graphguard/plugin"
	"github.com/specterops/graphguard/util/channels"
)

// CypherHost is the plugin.Host for plugin.CodeTypeCypher code. The request, when present, must be a JSON object and
// is passed as the statement's parameters. The response is a JSON array with one object per returned record.
type CypherHost struct {
	driver                    neo4j.DriverWithContext
	limiter                   channels.ConcurrencyLimiter
	defaultTransactionTimeout time.Duration
	database                  string
}

func NewCypherHost(driver neo4j.DriverWithContext, database string, maxSessions int) *CypherHost {
	if maxSessions <= 0 {
		maxSessions = DefaultConcurrentSessions
	}

	return &CypherHost{
		driver:                    driver,
		limiter:                   channels.NewConcurrencyLimiter(maxSessions),
		defaultTransactionTimeout: DefaultTransactionTimeout,
		database:                  database,
	}
}

func (s *CypherHost) Validate(descriptor plugin.Descriptor) error {
	if descriptor.CodeType != plugin.CodeTypeCypher {
		return fmt.Errorf("%w: cypher host cannot run %s code", graph.ErrInvalidArgument, descriptor.CodeType)
	}

	if strings.TrimSpace(descriptor.Code) == "" {
		return fmt.Errorf("%w: plugin %s has an empty cypher statement", graph.ErrInvalidArgument, descriptor.Name)
	}

	return nil
}

func sessionConfig(readOnly bool, database string) neo4j.SessionConfig {
	cfg := neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: database,
	}

	if readOnly {
		cfg.AccessMode = neo4j.AccessModeRead
	}

	return cfg
}

// transactionTimeout prefers the time left on ctx so that the server gives up no later than the caller does.
func (s *CypherHost) transactionTimeout(ctx context.Context) time.Duration {
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}

	return s.defaultTransactionTimeout
}

func parseParameters(request string) (map[string]any, error) {
	if strings.TrimSpace(request) == "" {
		return nil, nil
	}

	var parameters map[string]any

	if err := json.Unmarshal([]byte(request), &parameters); err != nil {
		return nil, fmt.Errorf("%w: cypher request must be a JSON object: %w", graph.ErrInvalidArgument, err)
	}

	return parameters, nil
}

func classifyError(ctx context.Context, name string, err error) error {
	if IsNeoTimeoutError(err) || ctx.Err() != nil {
		return fmt.Errorf("%w: cypher procedure %s: %w", graph.ErrTimeout, name, err)
	}

	return graph.NewExecutionError(name, "", err)
}

func (s *CypherHost) Execute(ctx context.Context, invocation plugin.Invocation) (string, error) {
	descriptor := invocation.Descriptor

	if invocation.InProcess {
		return "", fmt.Errorf("%w: cypher procedure %s cannot run in process", graph.ErrInvalidArgument, descriptor.Name)
	}

	parameters, err := parseParameters(invocation.Request)
	if err != nil {
		return "", err
	}

	// Attempt to acquire a session slot or wait until the call's deadline
	if !s.limiter.Acquire(ctx) {
		return "", fmt.Errorf("%w: waiting for a neo4j session for %s: %w", graph.ErrTimeout, descriptor.Name, ctx.Err())
	}

	defer s.limiter.Release()

	session := s.driver.NewSession(ctx, sessionConfig(descriptor.ReadOnly, s.database))

	defer func() {
		if err := session.Close(ctx); err != nil {
			slog.DebugContext(ctx, "failed to close session", slog.String("err", err.Error()))
		}
	}()

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, descriptor.Code, parameters)
		if err != nil {
			return nil, err
		}

		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}

		rows := make([]map[string]any, 0, len(records))

		for _, record := range records {
			rows = append(rows, record.AsMap())
		}

		return rows, nil
	}

	var (
		timeout = neo4j.WithTxTimeout(s.transactionTimeout(ctx))
		rows    any
	)

	if descriptor.ReadOnly {
		rows, err = session.ExecuteRead(ctx, work, timeout)
	} else {
		rows, err = session.ExecuteWrite(ctx, work, timeout)
	}

	if err != nil {
		return "", classifyError(ctx, descriptor.Name, err)
	}

	response, err := json.Marshal(rows)
	if err != nil {
		return "", graph.NewExecutionError(descriptor.Name, "", fmt.Errorf("encoding cypher result: %w", err))
	}

	return string(response), nil
}

func (s *CypherHost) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

var (
	_ plugin.Host      = (*CypherHost)(nil)
	_ plugin.Validator = (*CypherHost)(nil)
)
