// value.go: tagged value model mirroring JsonnetJsonValue.
//
// Value is the host-side rendition of the engine's tagged JSON value:
// null, boolean, double-precision number, string, array, object. Encode
// turns ordinary Go values into a Value tree; Value.Interface is the
// total inverse. Both directions copy, so a decoded result stays valid
// after the source is gone, and decoding never mutates its input.
//
// Array element order is preserved exactly. Object key order is
// implementation-defined: objects are plain Go maps here, and the
// engine side makes no ordering promise either, so no ordering
// guarantee is offered end to end.
package jsonnet

import (
	"fmt"
	"math"
)

// Tag discriminates the variants of a Value.
type Tag uint8

const (
	TagNull Tag = iota
	TagBool
	TagNumber
	TagString
	TagArray
	TagObject
)

func (t Tag) String() string {
	switch t {
	case TagNull:
		return "null"
	case TagBool:
		return "boolean"
	case TagNumber:
		return "number"
	case TagString:
		return "string"
	case TagArray:
		return "array"
	case TagObject:
		return "object"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Value is a JSON-like value in the engine's data model.
//
// Data holds nil (TagNull), bool, float64, string, []Value or
// map[string]Value according to Tag.
type Value struct {
	Tag  Tag
	Data any
}

// Null is the JSON null value.
var Null = Value{Tag: TagNull}

func Bool(b bool) Value            { return Value{Tag: TagBool, Data: b} }
func Num(f float64) Value          { return Value{Tag: TagNumber, Data: f} }
func Str(s string) Value           { return Value{Tag: TagString, Data: s} }
func Arr(elems []Value) Value      { return Value{Tag: TagArray, Data: elems} }
func Obj(m map[string]Value) Value { return Value{Tag: TagObject, Data: m} }

// Encode converts a Go value into a Value tree.
//
// Supported inputs are nil, bool, all integer and float types, string,
// []any, map[string]any, Value itself, and slices/maps of the same.
// Anything else fails with ErrUnsupportedType. Numbers are carried as
// IEEE-754 doubles: integers beyond 2^53 lose precision, which is
// accepted behavior of the engine's number model, not an error.
func Encode(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return Str(x), nil
	case float64:
		return Num(x), nil
	case float32:
		return Num(float64(x)), nil
	case int:
		return Num(float64(x)), nil
	case int8:
		return Num(float64(x)), nil
	case int16:
		return Num(float64(x)), nil
	case int32:
		return Num(float64(x)), nil
	case int64:
		return Num(float64(x)), nil
	case uint:
		return Num(float64(x)), nil
	case uint8:
		return Num(float64(x)), nil
	case uint16:
		return Num(float64(x)), nil
	case uint32:
		return Num(float64(x)), nil
	case uint64:
		return Num(float64(x)), nil
	case []Value:
		// Copy so the caller's slice stays independent.
		elems := make([]Value, len(x))
		copy(elems, x)
		return Arr(elems), nil
	case []any:
		elems := make([]Value, len(x))
		for i, e := range x {
			ev, err := Encode(e)
			if err != nil {
				return Value{}, err
			}
			elems[i] = ev
		}
		return Arr(elems), nil
	case []string:
		elems := make([]Value, len(x))
		for i, s := range x {
			elems[i] = Str(s)
		}
		return Arr(elems), nil
	case map[string]Value:
		fields := make(map[string]Value, len(x))
		for k, fv := range x {
			fields[k] = fv
		}
		return Obj(fields), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, fv := range x {
			ev, err := Encode(fv)
			if err != nil {
				return Value{}, err
			}
			fields[k] = ev
		}
		return Obj(fields), nil
	case map[string]string:
		fields := make(map[string]Value, len(x))
		for k, s := range x {
			fields[k] = Str(s)
		}
		return Obj(fields), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// Interface converts a Value tree back into plain Go values: nil, bool,
// float64, string, []any and map[string]any. The result shares no
// memory with the receiver.
func (v Value) Interface() any {
	switch v.Tag {
	case TagNull:
		return nil
	case TagBool:
		return v.Data.(bool)
	case TagNumber:
		return v.Data.(float64)
	case TagString:
		return v.Data.(string)
	case TagArray:
		elems := v.Data.([]Value)
		out := make([]any, len(elems))
		for i, e := range elems {
			out[i] = e.Interface()
		}
		return out
	case TagObject:
		fields := v.Data.(map[string]Value)
		out := make(map[string]any, len(fields))
		for k, f := range fields {
			out[k] = f.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports structural equality. NaN numbers compare unequal, as in
// IEEE-754.
func (v Value) Equal(o Value) bool {
	if v.Tag != o.Tag {
		return false
	}
	switch v.Tag {
	case TagNull:
		return true
	case TagBool:
		return v.Data.(bool) == o.Data.(bool)
	case TagNumber:
		a, b := v.Data.(float64), o.Data.(float64)
		if math.IsNaN(a) || math.IsNaN(b) {
			return false
		}
		return a == b
	case TagString:
		return v.Data.(string) == o.Data.(string)
	case TagArray:
		a, b := v.Data.([]Value), o.Data.([]Value)
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case TagObject:
		a, b := v.Data.(map[string]Value), o.Data.(map[string]Value)
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
