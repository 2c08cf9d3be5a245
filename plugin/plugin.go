// Package plugin manages stored procedures: their descriptors, the read-only classification consulted by the handle
// layer before a call and the hosts that actually execute them.
package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/specterops/graphguard/access"
	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/graph"
)

// Type partitions the procedure registry. Names are unique per Type.
type Type int

const (
	TypeNative Type = 1
	TypeScript Type = 2
)

var Types = []Type{TypeNative, TypeScript}

func (s Type) String() string {
	switch s {
	case TypeNative:
		return "native"

	case TypeScript:
		return "script"

	default:
		return "invalid"
	}
}

func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "native":
		return TypeNative, nil

	case "script":
		return TypeScript, nil

	default:
		return 0, fmt.Errorf("%w: unknown plugin type %q", graph.ErrInvalidArgument, raw)
	}
}

// CodeType names the form a procedure's code takes and therefore which host executes it.
type CodeType int

const (
	// CodeTypeSymbol code is the name of a Go procedure registered in a Procedures table.
	CodeTypeSymbol CodeType = 1

	// CodeTypeShell code is a shell script run in a subprocess.
	CodeTypeShell CodeType = 2

	// CodeTypeCypher code is a Cypher statement run against an external Neo4j database.
	CodeTypeCypher CodeType = 3
)

func (s CodeType) String() string {
	switch s {
	case CodeTypeSymbol:
		return "symbol"

	case CodeTypeShell:
		return "shell"

	case CodeTypeCypher:
		return "cypher"

	default:
		return "invalid"
	}
}

func ParseCodeType(raw string) (CodeType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "symbol":
		return CodeTypeSymbol, nil

	case "shell":
		return CodeTypeShell, nil

	case "cypher":
		return CodeTypeCypher, nil

	default:
		return 0, fmt.Errorf("%w: unknown plugin code type %q", graph.ErrInvalidArgument, raw)
	}
}

// Accepts returns true if procedures of this type may carry code of the given code type.
func (s Type) Accepts(codeType CodeType) bool {
	switch s {
	case TypeNative:
		return codeType == CodeTypeSymbol

	case TypeScript:
		return codeType == CodeTypeShell || codeType == CodeTypeCypher

	default:
		return false
	}
}

// Status is the tri-state answer to "is this procedure read-only".
type Status int

const (
	StatusUnknown   Status = 0
	StatusReadOnly  Status = 1
	StatusReadWrite Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusReadOnly:
		return "read_only"

	case StatusReadWrite:
		return "read_write"

	default:
		return "unknown"
	}
}

func (s Status) Known() bool {
	return s == StatusReadOnly || s == StatusReadWrite
}

// Class returns the operation class a caller must satisfy to invoke a procedure with this status. Unknown procedures
// cannot be invoked at any level.
func (s Status) Class() (access.Class, bool) {
	switch s {
	case StatusReadOnly:
		return access.ClassRead, true

	case StatusReadWrite:
		return access.ClassWrite, true

	default:
		return 0, false
	}
}

func StatusOf(readOnly bool) Status {
	if readOnly {
		return StatusReadOnly
	}

	return StatusReadWrite
}

// Key identifies a stored procedure.
type Key struct {
	Type Type
	Name string
}

func (s Key) String() string {
	return s.Type.String() + "/" + s.Name
}

// Descriptor is the catalog entry of a stored procedure. ReadOnly is authoritative for the capability check at call
// time.
type Descriptor struct {
	Type        Type     `json:"type"`
	Name        string   `json:"name"`
	Code        string   `json:"code"`
	CodeType    CodeType `json:"code_type"`
	Description string   `json:"description"`
	ReadOnly    bool     `json:"read_only"`
	Owner       string   `json:"owner"`
}

func (s Descriptor) Key() Key {
	return Key{
		Type: s.Type,
		Name: s.Name,
	}
}

func (s Descriptor) Status() Status {
	return StatusOf(s.ReadOnly)
}

func (s Descriptor) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: plugin name must not be empty", graph.ErrInvalidArgument)
	}

	if !s.Type.Accepts(s.CodeType) {
		return fmt.Errorf("%w: %s plugins cannot carry %s code", graph.ErrInvalidArgument, s.Type, s.CodeType)
	}

	if s.Code == "" {
		return fmt.Errorf("%w: plugin %s has no code", graph.ErrInvalidArgument, s.Name)
	}

	return nil
}

// Database is the view of the calling handle given to a procedure. Every call made through it is subject to the
// caller's own access level.
type Database interface {
	AccessLevel() access.Level
	CreateReadTxn(ctx context.Context) (database.Transaction, error)
	CreateWriteTxn(ctx context.Context, optimistic, flush bool) (database.Transaction, error)
}
