package manifest

import (
	"encoding/json"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestValueJSON(t *testing.T) {
	testCases := []struct {
		doc      string
		value    Value
		expected string
	}{
		{doc: "null", value: Null(), expected: `null`},
		{doc: "int", value: Int(42), expected: `42`},
		{doc: "negative int", value: Int(-7), expected: `-7`},
		{doc: "float", value: Float(1.5), expected: `1.5`},
		{doc: "string", value: String("out.jpg"), expected: `"out.jpg"`},
		{doc: "bool", value: Bool(true), expected: `true`},
		{doc: "list", value: StringList([]string{"a", "b"}), expected: `["a","b"]`},
		{doc: "map", value: Map(map[string]Value{"n": Int(1)}), expected: `{"n":1}`},
	}
	for _, tc := range testCases {
		t.Run(tc.doc, func(t *testing.T) {
			data, err := json.Marshal(tc.value)
			assert.NilError(t, err)
			assert.Check(t, is.Equal(string(data), tc.expected))
		})
	}
}

func TestValueFromJSON(t *testing.T) {
	v, err := FromJSON([]byte(`{"count": 3, "ratio": 0.5, "name": "x", "items": [1, 2], "none": null}`))
	assert.NilError(t, err)
	assert.Equal(t, v.Kind(), KindMap)

	fields := v.Fields()
	assert.Equal(t, fields["count"].Kind(), KindInt)
	assert.Equal(t, fields["count"].Int64(), int64(3))
	assert.Equal(t, fields["ratio"].Kind(), KindFloat)
	assert.Equal(t, fields["ratio"].Float64(), 0.5)
	assert.Equal(t, fields["name"].Str(), "x")
	assert.Equal(t, len(fields["items"].Items()), 2)
	assert.Check(t, fields["none"].IsNull())
}

func TestValueLargeIntegerStaysExact(t *testing.T) {
	v, err := FromJSON([]byte(`9007199254740993`))
	assert.NilError(t, err)
	assert.Equal(t, v.Kind(), KindInt)
	assert.Equal(t, v.Int64(), int64(9007199254740993))
}

func TestValueStrings(t *testing.T) {
	v := List(String("a.jpg"), Int(1), String("b.jpg"))
	assert.DeepEqual(t, v.Strings(), []string{"a.jpg", "b.jpg"})
}
