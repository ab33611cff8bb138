package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryIDDeterminism(t *testing.T) {
	params := Object{
		"date":             String("2016-01-01"),
		"aggregation_unit": String("admin3"),
	}

	id1, err := QueryID("daily_location", params, []string{"0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)

	id2, err := QueryID("daily_location", params.Clone(), []string{"0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "QueryID must be deterministic")
	assert.Len(t, id1, IDLength)
	assert.True(t, ValidID(id1))
}

func TestQueryIDChangesWithInput(t *testing.T) {
	params := Object{"dummy_param": String("DUMMY")}

	base := MustQueryID("dummy_query", params, nil)
	otherKind := MustQueryID("other_query", params, nil)
	otherParams := MustQueryID("dummy_query", Object{"dummy_param": String("OTHER")}, nil)
	withChild := MustQueryID("dummy_query", params, []string{base})

	assert.NotEqual(t, base, otherKind, "different kinds must produce different ids")
	assert.NotEqual(t, base, otherParams, "different params must produce different ids")
	assert.NotEqual(t, base, withChild, "children take part in identity")
}

func TestQueryIDChildOrderMatters(t *testing.T) {
	a := MustQueryID("leaf", Object{"n": Int(1)}, nil)
	b := MustQueryID("leaf", Object{"n": Int(2)}, nil)

	ab := MustQueryID("modal_location", Object{}, []string{a, b})
	ba := MustQueryID("modal_location", Object{}, []string{b, a})
	assert.NotEqual(t, ab, ba)
}

func TestQueryIDNilParamsEqualsEmpty(t *testing.T) {
	assert.Equal(t, MustQueryID("k", nil, nil), MustQueryID("k", Object{}, []string{}))
}

func TestQueryIDErrors(t *testing.T) {
	_, err := QueryID("", Object{}, nil)
	require.Error(t, err)

	_, err = QueryID("k", Object{"bad": Null{}}, nil)
	require.Error(t, err)

	assert.Panics(t, func() { MustQueryID("k", Object{"bad": Null{}}, nil) })
}

func TestHashWithDomainSeparation(t *testing.T) {
	// Same data under different domains must not collide.
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain("flowq/query/v1", data), hashWithDomain("flowq/query/v2", data))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("0123456789abcdef0123456789abcdef"))
	assert.False(t, ValidID("0123456789ABCDEF0123456789ABCDEF"))
	assert.False(t, ValidID("short"))
	assert.False(t, ValidID("0123456789abcdef0123456789abcdeg"))
}
