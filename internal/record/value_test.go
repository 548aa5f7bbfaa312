package record

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Bool(true)
	var _ Value = List{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeys_UTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...), which sorts before
	// U+FF61 in UTF-16 but after it in UTF-8.
	obj := Object{
		"\U0001F600": Int(1),
		"\uFF61":     Int(2),
	}
	assert.Equal(t, []string{"\U0001F600", "\uFF61"}, obj.SortedKeys())
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", String("a"), String("a"), true},
		{"different string", String("a"), String("b"), false},
		{"int vs string", Int(1), String("1"), false},
		{"nil equals null", nil, Null{}, true},
		{"lists", List{Int(1), String("x")}, List{Int(1), String("x")}, true},
		{"list length", List{Int(1)}, List{Int(1), Int(2)}, false},
		{"objects", Object{"a": Int(1)}, Object{"a": Int(1)}, true},
		{"object missing key", Object{"a": Int(1)}, Object{"b": Int(1)}, false},
		{"nested", Object{"a": List{Object{"b": Bool(true)}}}, Object{"a": List{Object{"b": Bool(true)}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestIsPrimitive(t *testing.T) {
	assert.True(t, IsPrimitive(String("x")))
	assert.True(t, IsPrimitive(Int(3)))
	assert.True(t, IsPrimitive(Null{}))
	assert.True(t, IsPrimitive(Strings("a", "b")))
	assert.False(t, IsPrimitive(Object{"a": Int(1)}))
	assert.False(t, IsPrimitive(List{List{Int(1)}}))
}

func TestObjectClone_IsDeep(t *testing.T) {
	orig := Object{"tags": Strings("a"), "nested": Object{"n": Int(1)}}
	cp := orig.Clone()

	cp["tags"].(List)[0] = String("changed")
	cp["nested"].(Object)["n"] = Int(2)

	assert.Equal(t, String("a"), orig["tags"].(List)[0])
	assert.Equal(t, Int(1), orig["nested"].(Object)["n"])
}

func TestParseJSON(t *testing.T) {
	v, err := ParseJSON([]byte(`{"name":"acme","count":3,"active":true,"tags":["x"],"gone":null}`))
	require.NoError(t, err)

	want := Object{
		"name":   String("acme"),
		"count":  Int(3),
		"active": Bool(true),
		"tags":   Strings("x"),
		"gone":   Null{},
	}
	assert.True(t, Equal(want, v))
}

func TestParseJSON_RejectsFloats(t *testing.T) {
	_, err := ParseJSON([]byte(`{"amount": 10.5}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "minor units")
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{"b": Int(2), "a": String("x")}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(data))

	var back Object
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(obj, back))
}

func TestFromGo_YAMLShapes(t *testing.T) {
	v, err := FromGo(map[string]any{"n": 5, "s": "x", "l": []any{1, "two"}})
	require.NoError(t, err)
	assert.True(t, Equal(Object{"n": Int(5), "s": String("x"), "l": List{Int(1), String("two")}}, v))

	_, err = FromGo(map[string]any{"f": 1.5})
	assert.Error(t, err)
}

func TestToGo(t *testing.T) {
	got := ToGo(Object{"n": Int(5), "l": Strings("a"), "z": Null{}})
	assert.Equal(t, map[string]any{"n": int64(5), "l": []any{"a"}, "z": nil}, got)
}
