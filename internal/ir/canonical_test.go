package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"max int64", Int(9223372036854775807), "9223372036854775807"},
		{"bool true", Bool(true), "true"},
		{"bool false", Bool(false), "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array of ints", Array{Int(1), Int(2), Int(3)}, "[1,2,3]"},
		{"simple object", Object{"a": Int(1)}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalSortedKeys(t *testing.T) {
	obj := Object{
		"zebra": Int(1),
		"alpha": Int(2),
		"beta":  Object{"y": Int(1), "x": Int(2)},
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":{"x":2,"y":1},"zebra":1}`, string(result))
}

func TestMarshalUTF16KeyOrder(t *testing.T) {
	// U+FF61 sorts before U+1F600 in UTF-8 byte order but after it in UTF-16,
	// because the emoji encodes as a surrogate pair starting 0xD83D.
	obj := Object{
		"\U0001F600": Int(1),
		"\uFF61":     Int(2),
	}

	result, err := Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":1,\"\uFF61\":2}", string(result))
}

func TestMarshalNoHTMLEscaping(t *testing.T) {
	result, err := Marshal(String("<a href=\"x\">&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href=\"x\">&</a>"`, string(result))
}

func TestMarshalLineSeparatorsUnescaped(t *testing.T) {
	result, err := Marshal(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))
}

func TestMarshalControlCharacters(t *testing.T) {
	result, err := Marshal(String("tab\there\nnl\x01"))
	require.NoError(t, err)
	assert.Equal(t, `"tab\there\nnl\u0001"`, string(result))
}

func TestMarshalNFCNormalization(t *testing.T) {
	// Precomposed U+00E9 vs "e" followed by a combining acute accent.
	composed, err := Marshal(String("caf\u00e9"))
	require.NoError(t, err)
	decomposed, err := Marshal(String("cafe\u0301"))
	require.NoError(t, err)
	assert.Equal(t, string(composed), string(decomposed))

	keyComposed := MustMarshal(Object{"caf\u00e9": Int(1)})
	keyDecomposed := MustMarshal(Object{"cafe\u0301": Int(1)})
	assert.Equal(t, string(keyComposed), string(keyDecomposed))
}

func TestMarshalRejectsNull(t *testing.T) {
	_, err := Marshal(Null{})
	require.Error(t, err)

	_, err = Marshal(Object{"subscriber_subset": Null{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber_subset")

	_, err = Marshal(nil)
	require.Error(t, err)
}

func TestMarshalDeterministic(t *testing.T) {
	build := func() Object {
		return Object{
			"date":             String("2016-01-01"),
			"method":           String("last"),
			"aggregation_unit": String("admin3"),
			"locations":        Array{Object{"b": Int(2), "a": Int(1)}},
		}
	}
	first := MustMarshal(build())
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, MustMarshal(build()))
	}
}
