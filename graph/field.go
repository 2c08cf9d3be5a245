package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
)

// FieldType enumerates the value types a label field may declare.
type FieldType int

const (
	FieldTypeNull   FieldType = 0
	FieldTypeBool   FieldType = 1
	FieldTypeInt64  FieldType = 2
	FieldTypeDouble FieldType = 3
	FieldTypeString FieldType = 4
	FieldTypeBlob   FieldType = 5
)

func (s FieldType) String() string {
	switch s {
	case FieldTypeNull:
		return "null"

	case FieldTypeBool:
		return "bool"

	case FieldTypeInt64:
		return "int64"

	case FieldTypeDouble:
		return "double"

	case FieldTypeString:
		return "string"

	case FieldTypeBlob:
		return "blob"

	default:
		return "invalid"
	}
}

func ParseFieldType(raw string) (FieldType, error) {
	switch raw {
	case "bool":
		return FieldTypeBool, nil

	case "int64", "int":
		return FieldTypeInt64, nil

	case "double", "float":
		return FieldTypeDouble, nil

	case "string":
		return FieldTypeString, nil

	case "blob":
		return FieldTypeBlob, nil

	default:
		return FieldTypeNull, fmt.Errorf("%w: unknown field type %q", ErrInvalidArgument, raw)
	}
}

func (s FieldType) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *FieldType) UnmarshalJSON(data []byte) error {
	var raw string

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == "null" || raw == "" {
		*s = FieldTypeNull
		return nil
	}

	parsed, err := ParseFieldType(raw)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

// FieldSpec declares a single field of a label schema.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Optional bool      `json:"optional"`
}

// Conform validates the given value against this field specification and returns the value converted to the
// field's declared type. Null values are only accepted for optional fields.
func (s FieldSpec) Conform(value Value) (Value, error) {
	if value.IsNull() {
		if !s.Optional {
			return Value{}, fmt.Errorf("%w: field %s is not optional", ErrInvalidArgument, s.Name)
		}

		return value, nil
	}

	if converted, err := value.ConvertTo(s.Type); err != nil {
		return Value{}, fmt.Errorf("field %s: %w", s.Name, err)
	} else {
		return converted, nil
	}
}

// Value is a typed field datum. The zero value is the null value.
type Value struct {
	kind FieldType
	data any
}

func Null() Value {
	return Value{}
}

func Bool(value bool) Value {
	return Value{kind: FieldTypeBool, data: value}
}

func Int64(value int64) Value {
	return Value{kind: FieldTypeInt64, data: value}
}

func Double(value float64) Value {
	return Value{kind: FieldTypeDouble, data: value}
}

func String(value string) Value {
	return Value{kind: FieldTypeString, data: value}
}

func Blob(value []byte) Value {
	copied := make([]byte, len(value))
	copy(copied, value)

	return Value{kind: FieldTypeBlob, data: copied}
}

func (s Value) Type() FieldType {
	return s.kind
}

func (s Value) IsNull() bool {
	return s.kind == FieldTypeNull
}

// Any returns the underlying Go value. Null values return nil.
func (s Value) Any() any {
	return s.data
}

func (s Value) AsBool() (bool, bool) {
	typed, ok := s.data.(bool)
	return typed, ok
}

func (s Value) AsInt64() (int64, bool) {
	typed, ok := s.data.(int64)
	return typed, ok
}

func (s Value) AsDouble() (float64, bool) {
	typed, ok := s.data.(float64)
	return typed, ok
}

func (s Value) AsString() (string, bool) {
	typed, ok := s.data.(string)
	return typed, ok
}

// ConvertTo returns the value converted to the target type. Only lossless conversions are permitted: identity
// conversions and int64 to double widening for integers that a double can represent exactly.
func (s Value) ConvertTo(target FieldType) (Value, error) {
	if s.kind == target || s.IsNull() {
		return s, nil
	}

	if s.kind == FieldTypeInt64 && target == FieldTypeDouble {
		intValue := s.data.(int64)

		if intValue > 1<<53 || intValue < -(1<<53) {
			return Value{}, fmt.Errorf("%w: int64 value %d cannot be represented exactly as a double", ErrInvalidArgument, intValue)
		}

		return Double(float64(intValue)), nil
	}

	return Value{}, fmt.Errorf("%w: cannot convert %s value to %s", ErrInvalidArgument, s.kind, target)
}

func (s Value) Equal(other Value) bool {
	return s.kind == other.kind && s.Key() == other.Key()
}

// Key returns a type-qualified string encoding of the value suitable for use as a map key in exact indexes.
func (s Value) Key() string {
	switch s.kind {
	case FieldTypeBool:
		return "b:" + strconv.FormatBool(s.data.(bool))

	case FieldTypeInt64:
		return "i:" + strconv.FormatInt(s.data.(int64), 10)

	case FieldTypeDouble:
		return "d:" + strconv.FormatUint(math.Float64bits(s.data.(float64)), 16)

	case FieldTypeString:
		return "s:" + s.data.(string)

	case FieldTypeBlob:
		return "x:" + string(s.data.([]byte))

	default:
		return "n:"
	}
}

func (s Value) String() string {
	if s.IsNull() {
		return "null"
	}

	return fmt.Sprintf("%v", s.data)
}

type encodedValue struct {
	Type  FieldType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (s Value) MarshalJSON() ([]byte, error) {
	encoded := encodedValue{
		Type: s.kind,
	}

	if !s.IsNull() {
		if raw, err := json.Marshal(s.data); err != nil {
			return nil, err
		} else {
			encoded.Value = raw
		}
	}

	return json.Marshal(encoded)
}

func (s *Value) UnmarshalJSON(data []byte) error {
	var encoded encodedValue

	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}

	switch encoded.Type {
	case FieldTypeNull:
		*s = Null()

	case FieldTypeBool:
		var typed bool
		if err := json.Unmarshal(encoded.Value, &typed); err != nil {
			return err
		}

		*s = Bool(typed)

	case FieldTypeInt64:
		var typed int64
		if err := json.Unmarshal(encoded.Value, &typed); err != nil {
			return err
		}

		*s = Int64(typed)

	case FieldTypeDouble:
		var typed float64
		if err := json.Unmarshal(encoded.Value, &typed); err != nil {
			return err
		}

		*s = Double(typed)

	case FieldTypeString:
		var typed string
		if err := json.Unmarshal(encoded.Value, &typed); err != nil {
			return err
		}

		*s = String(typed)

	case FieldTypeBlob:
		var typed []byte
		if err := json.Unmarshal(encoded.Value, &typed); err != nil {
			return err
		}

		*s = Value{kind: FieldTypeBlob, data: typed}

	default:
		return fmt.Errorf("%w: unknown value type %d", ErrInvalidArgument, encoded.Type)
	}

	return nil
}

// Fields maps field names to values.
type Fields map[string]Value

// Get returns the named value or the null value if the field is absent.
func (s Fields) Get(name string) Value {
	return s[name]
}

func (s Fields) Clone() Fields {
	if s == nil {
		return Fields{}
	}

	return maps.Clone(s)
}
