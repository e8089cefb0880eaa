package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Kind identifies the type held by a Value.
type Kind string

const (
	KindBool    Kind = "bool"
	KindInt     Kind = "int"
	KindString  Kind = "string"
	KindStrings Kind = "strings"
	KindInts    Kind = "ints"
	KindMap     Kind = "map"
)

// Key addresses the attribute set of one tag.
type Key struct {
	TypeID int `json:"type_id"`
	TagID  int `json:"tag_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.TypeID, k.TagID)
}

// Value is a typed attribute value. Exactly one payload field is meaningful,
// selected by Kind.
type Value struct {
	Kind    Kind
	Bool    bool
	Int     int64
	String  string
	Strings []string
	Ints    []int64
	Map     map[string]string
}

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, String: s} }

// StringsValue wraps a string list. The slice is copied.
func StringsValue(s []string) Value { return Value{Kind: KindStrings, Strings: slices.Clone(s)} }

// IntsValue wraps an int64 list. The slice is copied.
func IntsValue(i []int64) Value { return Value{Kind: KindInts, Ints: slices.Clone(i)} }

// MapValue wraps a string map. The map is copied.
func MapValue(m map[string]string) Value { return Value{Kind: KindMap, Map: maps.Clone(m)} }

// Equal reports whether two values have the same kind and payload.
// Nil and empty lists/maps compare equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindString:
		return v.String == o.String
	case KindStrings:
		return slices.Equal(v.Strings, o.Strings)
	case KindInts:
		return slices.Equal(v.Ints, o.Ints)
	case KindMap:
		return maps.Equal(v.Map, o.Map)
	default:
		return false
	}
}

// Any returns the payload as a plain Go value (used for export).
func (v Value) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindString:
		return v.String
	case KindStrings:
		if v.Strings == nil {
			return []string{}
		}
		return v.Strings
	case KindInts:
		if v.Ints == nil {
			return []int64{}
		}
		return v.Ints
	case KindMap:
		if v.Map == nil {
			return map[string]string{}
		}
		return v.Map
	default:
		return nil
	}
}

// encode serializes the payload to the TEXT stored in the value column.
func (v Value) encode() (string, error) {
	data, err := json.Marshal(v.Any())
	if err != nil {
		return "", fmt.Errorf("encode %s value: %w", v.Kind, err)
	}
	return string(data), nil
}

// decodeValue rebuilds a Value from its kind and value columns.
func decodeValue(kind Kind, text string) (Value, error) {
	v := Value{Kind: kind}
	var target any
	switch kind {
	case KindBool:
		target = &v.Bool
	case KindInt:
		target = &v.Int
	case KindString:
		target = &v.String
	case KindStrings:
		target = &v.Strings
	case KindInts:
		target = &v.Ints
	case KindMap:
		target = &v.Map
	default:
		return Value{}, fmt.Errorf("decode value: unknown kind %q", kind)
	}
	if err := json.Unmarshal([]byte(text), target); err != nil {
		return Value{}, fmt.Errorf("decode %s value: %w", kind, err)
	}
	return v, nil
}
