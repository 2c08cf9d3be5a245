package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

const (
	DefaultRDSRegion    = "us-east-1"
	DefaultRDSPort      = "5432"
	Neo4jProtocolScheme = "neo4j"
)

// DatabaseConfiguration describes how to reach an external database collaborator: the PostgreSQL procedure store or
// the Neo4j Cypher host. A non-empty Connection string takes precedence over the individual fields.
type DatabaseConfiguration struct {
	Connection            string `json:"connection,omitempty" yaml:"connection,omitempty"`
	Address               string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Database              string `json:"database,omitempty" yaml:"database,omitempty"`
	Username              string `json:"username,omitempty" yaml:"username,omitempty"`
	Secret                string `json:"secret,omitempty" yaml:"secret,omitempty"`
	MaxConcurrentSessions int    `json:"max_concurrent_sessions,omitempty" yaml:"max_concurrent_sessions,omitempty"`
	IamAuth               bool   `json:"iam_auth,omitempty" yaml:"iam_auth,omitempty"`
	Region                string `json:"region,omitempty" yaml:"region,omitempty"`
}

// Configured returns true if the configuration names a database to connect to.
func (s DatabaseConfiguration) Configured() bool {
	return s.Connection != "" || s.Address != ""
}

func (s DatabaseConfiguration) region() string {
	if s.Region != "" {
		return s.Region
	}

	return DefaultRDSRegion
}

// PostgreSQLConnectionString renders a PostgreSQL connection URL. With IAM auth enabled a fresh RDS authentication
// token is requested and used as the password, so callers that hold connections open for long should call this again
// before reconnecting.
func (s DatabaseConfiguration) PostgreSQLConnectionString(ctx context.Context) (string, error) {
	if s.IamAuth {
		slog.InfoContext(ctx, "loading default config for rds auth")

		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("loading aws configuration: %w", err)
		}

		cname, err := net.DefaultResolver.LookupCNAME(ctx, s.Address)
		if err != nil {
			slog.WarnContext(ctx, "failed looking up CNAME; using original address", slog.String("addr", s.Address), slog.String("err", err.Error()))
			cname = s.Address
		}

		endpoint := strings.TrimSuffix(cname, ".") + ":" + DefaultRDSPort

		slog.DebugContext(ctx, "requesting auth token", slog.String("endpoint", endpoint))

		authenticationToken, err := auth.BuildAuthToken(ctx, endpoint, s.region(), s.Username, cfg.Credentials)
		if err != nil {
			return "", fmt.Errorf("creating rds authentication token: %w", err)
		}

		return fmt.Sprintf("postgresql://%s:%s@%s/%s", s.Username, url.QueryEscape(authenticationToken), endpoint, s.Database), nil
	} else if s.Connection != "" {
		return s.Connection, nil
	} else {
		return fmt.Sprintf("postgresql://%s:%s@%s/%s", s.Username, url.QueryEscape(s.Secret), s.Address, s.Database), nil
	}
}

func (s DatabaseConfiguration) Neo4jConnectionString() string {
	if s.Connection == "" {
		return fmt.Sprintf("%s://%s:%s@%s/%s", Neo4jProtocolScheme, s.Username, url.QueryEscape(s.Secret), s.Address, s.Database)
	}

	return s.Connection
}
