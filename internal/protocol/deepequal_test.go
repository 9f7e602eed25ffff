package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepEqualPrimitives(t *testing.T) {
	assert.True(t, DeepEqual(nil, nil))
	assert.True(t, DeepEqual("a", "a"))
	assert.True(t, DeepEqual(true, true))
	assert.False(t, DeepEqual(true, false))
	assert.False(t, DeepEqual("1", 1))
	assert.False(t, DeepEqual(nil, false))
}

func TestDeepEqualNumbersByValue(t *testing.T) {
	// int vs float64 decodings of the same JSON number compare equal
	assert.True(t, DeepEqual(1, 1.0))
	assert.True(t, DeepEqual(int64(42), float64(42)))
	assert.False(t, DeepEqual(1, 1.0001))
}

func TestDeepEqualArraysOrdered(t *testing.T) {
	assert.True(t, DeepEqual([]any{1, 2}, []any{1, 2}))
	assert.False(t, DeepEqual([]any{1, 2}, []any{2, 1}))
	assert.False(t, DeepEqual([]any{1}, []any{1, 2}))
	assert.True(t, DeepEqual([]any{}, []any{}))
}

func TestDeepEqualObjectsUnordered(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a"}}
	b := map[string]any{"y": []any{"a"}, "x": 1.0}
	assert.True(t, DeepEqual(a, b))

	// null value is distinct from an absent key
	assert.False(t, DeepEqual(map[string]any{"x": nil}, map[string]any{}))
}

func TestDeepEqualNormalizesStructs(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	assert.True(t, DeepEqual(rec{"Alice", 30}, map[string]any{"name": "Alice", "age": 30}))
}

func TestDeepEqualRawMessage(t *testing.T) {
	assert.True(t, DeepEqual(json.RawMessage(`{"a":[1,2]}`), map[string]any{"a": []any{1, 2}}))
}
