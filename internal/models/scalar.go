package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ScalarKind identifies which member of the ScalarValue union is set.
type ScalarKind int

const (
	ScalarInvalid ScalarKind = iota
	ScalarString
	ScalarInt64
	ScalarFloat64
	ScalarBool
)

func (k ScalarKind) String() string {
	switch k {
	case ScalarString:
		return "string"
	case ScalarInt64:
		return "int64"
	case ScalarFloat64:
		return "float64"
	case ScalarBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ScalarValue is the only value shape vendor extras may carry: a string,
// a 64-bit integer, a 64-bit float or a bool. Objects, arrays and nil are
// never representable.
type ScalarValue struct {
	kind ScalarKind
	s    string
	i    int64
	f    float64
	b    bool
}

func StringValue(s string) ScalarValue   { return ScalarValue{kind: ScalarString, s: s} }
func Int64Value(i int64) ScalarValue     { return ScalarValue{kind: ScalarInt64, i: i} }
func Float64Value(f float64) ScalarValue { return ScalarValue{kind: ScalarFloat64, f: f} }
func BoolValue(b bool) ScalarValue       { return ScalarValue{kind: ScalarBool, b: b} }

// ScalarOf converts a raw value into a ScalarValue. It reports false for any
// type outside the union, including unsigned integers that overflow int64.
// json.Number is decoded as Int64 when integral and Float64 otherwise.
func ScalarOf(v any) (ScalarValue, bool) {
	switch t := v.(type) {
	case ScalarValue:
		return t, t.kind != ScalarInvalid
	case string:
		return StringValue(t), true
	case bool:
		return BoolValue(t), true
	case int:
		return Int64Value(int64(t)), true
	case int8:
		return Int64Value(int64(t)), true
	case int16:
		return Int64Value(int64(t)), true
	case int32:
		return Int64Value(int64(t)), true
	case int64:
		return Int64Value(t), true
	case uint:
		return uintValue(uint64(t))
	case uint8:
		return Int64Value(int64(t)), true
	case uint16:
		return Int64Value(int64(t)), true
	case uint32:
		return Int64Value(int64(t)), true
	case uint64:
		return uintValue(t)
	case float32:
		return Float64Value(float64(t)), true
	case float64:
		return Float64Value(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int64Value(i), true
		}
		if f, err := t.Float64(); err == nil {
			return Float64Value(f), true
		}
		return ScalarValue{}, false
	default:
		return ScalarValue{}, false
	}
}

func uintValue(u uint64) (ScalarValue, bool) {
	if u > math.MaxInt64 {
		return ScalarValue{}, false
	}
	return Int64Value(int64(u)), true
}

// Kind returns the populated member of the union.
func (v ScalarValue) Kind() ScalarKind { return v.kind }

// Interface returns the underlying Go value (string, int64, float64 or bool).
func (v ScalarValue) Interface() any {
	switch v.kind {
	case ScalarString:
		return v.s
	case ScalarInt64:
		return v.i
	case ScalarFloat64:
		return v.f
	case ScalarBool:
		return v.b
	default:
		return nil
	}
}

// String renders the value the way vendor key/value extras expect it.
func (v ScalarValue) String() string {
	switch v.kind {
	case ScalarString:
		return v.s
	case ScalarInt64:
		return strconv.FormatInt(v.i, 10)
	case ScalarFloat64:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case ScalarBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// MarshalJSON encodes the underlying value.
func (v ScalarValue) MarshalJSON() ([]byte, error) {
	if v.kind == ScalarInvalid {
		return nil, fmt.Errorf("marshal invalid scalar value")
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON accepts a JSON string, number or bool. Integral numbers
// decode as Int64.
func (v *ScalarValue) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	sv, ok := ScalarOf(raw)
	if !ok {
		return fmt.Errorf("unsupported scalar value %s", string(b))
	}
	*v = sv
	return nil
}
