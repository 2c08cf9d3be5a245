// Package access implements the tiered capability model that gates every handle operation. Levels are totally
// ordered and checks fail closed: an unknown class or level never satisfies a requirement.
package access

import (
	"fmt"
	"strings"

	"github.com/specterops/graphguard/graph"
)

// Level is an ordered permission tier.
type Level int

const (
	LevelNone  Level = 0
	LevelRead  Level = 1
	LevelWrite Level = 2
	LevelFull  Level = 3
)

var Levels = []Level{LevelNone, LevelRead, LevelWrite, LevelFull}

func (s Level) String() string {
	switch s {
	case LevelNone:
		return "none"

	case LevelRead:
		return "read"

	case LevelWrite:
		return "write"

	case LevelFull:
		return "full"

	default:
		return "invalid"
	}
}

func (s Level) Valid() bool {
	return s >= LevelNone && s <= LevelFull
}

// Satisfies returns true if this level is at least the given minimum.
func (s Level) Satisfies(minimum Level) bool {
	return s.Valid() && minimum.Valid() && s >= minimum
}

func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none":
		return LevelNone, nil

	case "read":
		return LevelRead, nil

	case "write":
		return LevelWrite, nil

	case "full":
		return LevelFull, nil

	default:
		return LevelNone, fmt.Errorf("%w: unknown access level %q", graph.ErrInvalidArgument, raw)
	}
}

func (s Level) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}

	*s = level
	return nil
}

// Class is an operation class. Every handle operation belongs to exactly one class and each class declares the minimum
// level required to perform it.
type Class int

const (
	ClassRead  Class = 1
	ClassWrite Class = 2
	ClassAdmin Class = 3
)

var Classes = []Class{ClassRead, ClassWrite, ClassAdmin}

func (s Class) String() string {
	switch s {
	case ClassRead:
		return "read"

	case ClassWrite:
		return "write"

	case ClassAdmin:
		return "admin"

	default:
		return "invalid"
	}
}

// Minimum returns the lowest level that satisfies this class. Unknown classes return an invalid level so that no
// caller satisfies them.
func (s Class) Minimum() Level {
	switch s {
	case ClassRead:
		return LevelRead

	case ClassWrite:
		return LevelWrite

	case ClassAdmin:
		return LevelFull

	default:
		return Level(-1)
	}
}

// Error describes a rejected operation. It wraps graph.ErrPermissionDenied.
type Error struct {
	Level     Level
	Class     Class
	Operation string
}

func (s *Error) Error() string {
	if s.Operation != "" {
		return fmt.Sprintf("%s: %s requires %s access, handle has %s", graph.ErrPermissionDenied, s.Operation, s.Class.Minimum(), s.Level)
	}

	return fmt.Sprintf("%s: %s operations require %s access, handle has %s", graph.ErrPermissionDenied, s.Class, s.Class.Minimum(), s.Level)
}

func (s *Error) Unwrap() error {
	return graph.ErrPermissionDenied
}

// Require returns nil if level satisfies the minimum of class and an *Error otherwise. It has no side effects.
func Require(level Level, class Class) error {
	return RequireFor(level, class, "")
}

// RequireFor behaves like Require but names the rejected operation in the returned error.
func RequireFor(level Level, class Class, operation string) error {
	if level.Satisfies(class.Minimum()) {
		return nil
	}

	return &Error{
		Level:     level,
		Class:     class,
		Operation: operation,
	}
}
