package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"bool", Bool(false), "false"},
		{"null", Null{}, "null"},
		{"nil", nil, "null"},
		{"empty list", List{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"list", List{Int(1), Int(2)}, "[1,2]"},
		{"sorted keys", Object{"z": Int(1), "a": Int(2)}, `{"a":2,"z":1}`},
		{"nested keys", Object{"z": Object{"b": Int(1), "a": Int(2)}}, `{"z":{"a":2,"b":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical(String("<a & b>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalCanonical_Escapes(t *testing.T) {
	got, err := MarshalCanonical(String("q\"b\\n\n\x01"))
	require.NoError(t, err)
	assert.Equal(t, `"q\"b\\n\n\u0001"`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" + combining acute accent normalizes to precomposed U+00E9.
	decomposed, err := MarshalCanonical(String("e\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(String("\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonical_Deterministic(t *testing.T) {
	obj := Object{"c": Int(3), "a": Int(1), "b": List{String("x"), Object{"y": Bool(true), "x": Null{}}}}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for range 20 {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestContentHash_IgnoresVersion(t *testing.T) {
	e := NewEntity("Account", "a1", Object{"name": String("acme")})
	h1, err := ContentHash(e)
	require.NoError(t, err)

	e.Version = 7
	h2, err := ContentHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := ContentHash(e.With("name", String("other")))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestPayloadHash_KeyOrderIndependent(t *testing.T) {
	h1, err := PayloadHash(Object{"a": Int(1), "b": Int(2)})
	require.NoError(t, err)
	h2, err := PayloadHash(Object{"b": Int(2), "a": Int(1)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
