package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScalarOf(t *testing.T) {
	tests := []struct {
		name string
		in   any
		kind ScalarKind
		ok   bool
		str  string
	}{
		{"string", "v", ScalarString, true, "v"},
		{"bool", true, ScalarBool, true, "true"},
		{"int", 42, ScalarInt64, true, "42"},
		{"int32", int32(-3), ScalarInt64, true, "-3"},
		{"uint8", uint8(7), ScalarInt64, true, "7"},
		{"float", 1.25, ScalarFloat64, true, "1.25"},
		{"float32", float32(0.5), ScalarFloat64, true, "0.5"},
		{"json int", json.Number("12"), ScalarInt64, true, "12"},
		{"json float", json.Number("1.5"), ScalarFloat64, true, "1.5"},
		{"uint64 overflow", uint64(math.MaxUint64), ScalarInvalid, false, ""},
		{"nil", nil, ScalarInvalid, false, ""},
		{"map", map[string]any{"a": 1}, ScalarInvalid, false, ""},
		{"slice", []string{"a"}, ScalarInvalid, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := ScalarOf(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.str, v.String())
		})
	}
}

func TestScalarValueMarshalJSON(t *testing.T) {
	b, err := json.Marshal(map[string]ScalarValue{"n": Int64Value(3), "s": StringValue("x")})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"n":3,"s":"x"}`, string(b))

	_, err = json.Marshal(ScalarValue{})
	assert.Error(t, err)
}

func TestScalarValueUnmarshalJSON(t *testing.T) {
	var got map[string]ScalarValue
	err := json.Unmarshal([]byte(`{"s":"x","n":3,"f":1.5,"b":true}`), &got)
	assert.NoError(t, err)
	assert.Equal(t, map[string]ScalarValue{
		"s": StringValue("x"),
		"n": Int64Value(3),
		"f": Float64Value(1.5),
		"b": BoolValue(true),
	}, got)

	var v ScalarValue
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &v))
}
