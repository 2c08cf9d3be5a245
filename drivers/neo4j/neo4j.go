// Package neo4j hosts Cypher-coded stored procedures. Each call runs as a single managed transaction against an
// external Neo4j database in a session whose access mode follows the procedure's read-only flag.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/specterops/graphguard/drivers"
)

const (
	DefaultTransactionTimeout = time.Minute * 15

	// DefaultConcurrentSessions bounds the number of Neo4j sessions a host keeps open at once.
	DefaultConcurrentSessions = 50

	timeoutErrorCode = "Neo.ClientError.Transaction.TransactionTimedOut"
)

// IsNeoTimeoutError returns true if err reports a Neo4j transaction timeout, either as a driver error value or as
// text carried by a wrapping error.
func IsNeoTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	var neoErr *neo4j.Neo4jError

	if errors.As(err, &neoErr) {
		return strings.Contains(neoErr.Code, "TransactionTimedOut")
	}

	return strings.Contains(err.Error(), timeoutErrorCode)
}

// Connect opens a Neo4j driver from a neo4j:// connection URL carrying credentials and verifies connectivity.
func Connect(ctx context.Context, cfg drivers.DatabaseConfiguration) (neo4j.DriverWithContext, error) {
	connectionURL, err := url.Parse(cfg.Neo4jConnectionString())
	if err != nil {
		return nil, err
	}

	if connectionURL.Scheme != drivers.Neo4jProtocolScheme {
		return nil, fmt.Errorf("expected connection URL scheme %s for Neo4j but got %s", drivers.Neo4jProtocolScheme, connectionURL.Scheme)
	}

	password, isSet := connectionURL.User.Password()
	if !isSet {
		return nil, fmt.Errorf("no password provided in connection URL")
	}

	boltURL := fmt.Sprintf("bolt://%s:%s", connectionURL.Hostname(), connectionURL.Port())

	internalDriver, err := neo4j.NewDriverWithContext(boltURL, neo4j.BasicAuth(connectionURL.User.Username(), password, ""))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to Neo4j: %w", err)
	}

	if err := internalDriver.VerifyConnectivity(ctx); err != nil {
		internalDriver.Close(ctx)
		return nil, fmt.Errorf("unable to reach Neo4j: %w", err)
	}

	return internalDriver, nil
}
