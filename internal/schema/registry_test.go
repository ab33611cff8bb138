package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/ir"
)

// decode parses a JSON specification the way the server does.
func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	v, err := ir.Parse([]byte(s))
	require.NoError(t, err)
	return ir.ToAny(v).(map[string]any)
}

func validSpecs() map[string]string {
	return map[string]string{
		"dummy":          `{"query_kind":"dummy_query","dummy_param":"DUMMY"}`,
		"daily last":     `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3","subscriber_subset":null}`,
		"daily common":   `{"query_kind":"daily_location","date":"2016-01-02","method":"most-common","aggregation_unit":"admin2"}`,
		"modal":          `{"query_kind":"modal_location","aggregation_unit":"admin3","locations":[{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"},{"query_kind":"daily_location","date":"2016-01-02","method":"last","aggregation_unit":"admin3"}]}`,
		"spatial daily":  `{"query_kind":"spatial_aggregate","locations":{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin1"}}`,
		"spatial modal":  `{"query_kind":"spatial_aggregate","locations":{"query_kind":"modal_location","aggregation_unit":"admin1","locations":[{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin1"}]}}`,
		"event count":    `{"query_kind":"event_count","start":"2016-01-01","stop":"2016-01-08","direction":"out","event_types":["sms","calls"]}`,
		"unique":         `{"query_kind":"unique_locations","start_date":"2016-01-01","end_date":"2016-01-03","aggregation_unit":"admin0"}`,
		"introversion":   `{"query_kind":"location_introversion","start_date":"2016-01-01","end_date":"2016-01-03","aggregation_unit":"admin2"}`,
		"trips":          `{"query_kind":"trips_od_matrix","start_date":"2016-01-01 00:00:00","end_date":"2016-01-02T12:00:00","aggregation_unit":"admin3"}`,
	}
}

func TestBuiltinKinds(t *testing.T) {
	assert.Equal(t, []string{
		"dummy_query",
		"daily_location",
		"modal_location",
		"spatial_aggregate",
		"event_count",
		"unique_locations",
		"location_introversion",
		"trips_od_matrix",
	}, Default().Kinds())
	assert.True(t, Default().Has("dummy_query"))
	assert.False(t, Default().Has(NodeEventsUnion), "internal node kinds are not requestable")
}

func TestLoadDummyQuery(t *testing.T) {
	spec, err := Default().Load(decode(t, `{"query_kind":"dummy_query","dummy_param":"DUMMY"}`))
	require.NoError(t, err)
	assert.Equal(t, DummyQuery{DummyParam: "DUMMY"}, spec)

	q, err := Default().Build(spec)
	require.NoError(t, err)
	assert.Equal(t, ir.MustQueryID("dummy_query", ir.Object{"dummy_param": ir.String("DUMMY")}, nil), q.ID())
	assert.Equal(t, []string{"dummy_param"}, q.Columns())

	sql, err := q.SQL(nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'DUMMY' AS dummy_param", sql)
}

func TestBuildIsDeterministic(t *testing.T) {
	for name, s := range validSpecs() {
		t.Run(name, func(t *testing.T) {
			_, q1, err := Default().Compile(decode(t, s))
			require.NoError(t, err)
			_, q2, err := Default().Compile(decode(t, s))
			require.NoError(t, err)

			assert.Equal(t, q1.ID(), q2.ID())
			assert.True(t, ir.ValidID(q1.ID()))

			sql1, err := q1.SQL(nil)
			require.NoError(t, err)
			sql2, err := q2.SQL(nil)
			require.NoError(t, err)
			assert.Equal(t, sql1, sql2)
		})
	}
}

func TestParamsRoundTrip(t *testing.T) {
	for name, s := range validSpecs() {
		t.Run(name, func(t *testing.T) {
			spec, q, err := Default().Compile(decode(t, s))
			require.NoError(t, err)

			// Re-validate the serialised normalised form.
			data, err := json.Marshal(spec.Params())
			require.NoError(t, err)
			again, q2, err := Default().Compile(decode(t, string(data)))
			require.NoError(t, err)

			assert.Equal(t, spec, again)
			assert.Equal(t, q.ID(), q2.ID())
			assert.Equal(t, ir.MustMarshal(spec.Params()), ir.MustMarshal(again.Params()))
		})
	}
}

func TestRebuild(t *testing.T) {
	for name, s := range validSpecs() {
		t.Run(name, func(t *testing.T) {
			spec, q, err := Default().Compile(decode(t, s))
			require.NoError(t, err)

			again, err := Default().Rebuild(spec.Params())
			require.NoError(t, err)
			assert.Equal(t, q.ID(), again.ID())
		})
	}

	_, err := Default().Rebuild(ir.Object{"query_kind": ir.String("nope")})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDefaultsShareIdentity(t *testing.T) {
	_, implicit, err := Default().Compile(decode(t, `{"query_kind":"event_count","start":"2016-01-01","stop":"2016-01-02"}`))
	require.NoError(t, err)
	_, explicit, err := Default().Compile(decode(t, `{"query_kind":"event_count","start":"2016-01-01","stop":"2016-01-02","direction":"both","event_types":["topups","sms","mds","calls","sms"]}`))
	require.NoError(t, err)

	assert.Equal(t, implicit.ID(), explicit.ID())
}

func TestNullSubsetSharesIdentity(t *testing.T) {
	_, withNull, err := Default().Compile(decode(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3","subscriber_subset":null}`))
	require.NoError(t, err)
	_, without, err := Default().Compile(decode(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}`))
	require.NoError(t, err)

	assert.Equal(t, withNull.ID(), without.ID())
}

func TestDifferentSpecsDifferentIdentity(t *testing.T) {
	seen := make(map[string]string)
	for name, s := range validSpecs() {
		_, q, err := Default().Compile(decode(t, s))
		require.NoError(t, err)
		if other, dup := seen[q.ID()]; dup {
			t.Fatalf("%s and %s share identity %s", name, other, q.ID())
		}
		seen[q.ID()] = name
	}
}

func TestSharedSubgraphs(t *testing.T) {
	// Two identical days collapse into one daily_location child.
	spec, err := Default().Load(decode(t, `{"query_kind":"modal_location","aggregation_unit":"admin3","locations":[
		{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"},
		{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}]}`))
	require.NoError(t, err)
	q, err := Default().Build(spec)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, n := range q.Dependencies() {
		kinds[n.Kind()]++
	}
	assert.Equal(t, map[string]int{
		"daily_location":        1,
		NodeSubscriberLocations: 1,
		NodeEventsUnion:         1,
	}, kinds)
	children := q.Root().Children()
	require.Len(t, children, 2)
	assert.Equal(t, children[0], children[1])
}

func TestDailyLocationAndTripsShareLocations(t *testing.T) {
	_, daily, err := Default().Compile(decode(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}`))
	require.NoError(t, err)
	_, trips, err := Default().Compile(decode(t, `{"query_kind":"trips_od_matrix","start_date":"2016-01-01","end_date":"2016-01-02","aggregation_unit":"admin3"}`))
	require.NoError(t, err)

	dailyChild := daily.Node(daily.Root().Children()[0])
	tripsChild := trips.Node(trips.Root().Children()[0])
	assert.Equal(t, NodeSubscriberLocations, dailyChild.Kind())
	assert.Equal(t, dailyChild.ID(), tripsChild.ID(), "equal date ranges must converge on one identity")
}

func TestRenderUsesCachedChild(t *testing.T) {
	_, q, err := Default().Compile(decode(t, validSpecs()["spatial daily"]))
	require.NoError(t, err)

	childID := q.Node(q.Root().Children()[0]).ID()
	sql, err := q.SQL(func(id string) (string, bool) {
		return "cache.x" + id, id == childID
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT pcod, count(*) AS total FROM cache.x"+childID+" GROUP BY pcod ORDER BY pcod", sql)
}

func TestRenderEventCount(t *testing.T) {
	_, q, err := Default().Compile(decode(t, validSpecs()["event count"]))
	require.NoError(t, err)

	childID := q.Node(q.Root().Children()[0]).ID()
	sql, err := q.SQL(nil)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT subscriber, count(*) AS value FROM ("+
			"SELECT msisdn AS subscriber, msisdn_counterpart, datetime, location_id, outgoing FROM events.calls WHERE datetime >= '2016-01-01T00:00:00' AND datetime < '2016-01-08T00:00:00'"+
			" UNION ALL "+
			"SELECT msisdn AS subscriber, msisdn_counterpart, datetime, location_id, outgoing FROM events.sms WHERE datetime >= '2016-01-01T00:00:00' AND datetime < '2016-01-08T00:00:00'"+
			") AS x"+childID+" WHERE outgoing = TRUE GROUP BY subscriber ORDER BY subscriber",
		sql)
}

func TestEveryKindRenders(t *testing.T) {
	for name, s := range validSpecs() {
		t.Run(name, func(t *testing.T) {
			_, q, err := Default().Compile(decode(t, s))
			require.NoError(t, err)
			sql, err := q.SQL(nil)
			require.NoError(t, err)
			assert.NotEmpty(t, sql)
		})
	}
}

func TestSchemas(t *testing.T) {
	schemas := Default().Schemas()
	assert.Len(t, schemas, len(Default().Kinds()))

	daily := schemas["daily_location"].(map[string]any)
	assert.Equal(t, []string{KindField, "date", "method", "aggregation_unit"}, daily["required"])
	props := daily["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "string", "enum": []string{"last", "most-common"}}, props["method"])
	assert.Equal(t, map[string]any{"type": "string", "format": "date"}, props["date"])

	spatial := schemas["spatial_aggregate"].(map[string]any)
	locs := spatial["properties"].(map[string]any)["locations"].(map[string]any)
	assert.Len(t, locs["oneOf"], 2)
	assert.Contains(t, locs, "discriminator")

	events := schemas["event_count"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "both", events["direction"].(map[string]any)["default"])

	// The export must be JSON-serialisable.
	_, err := json.Marshal(schemas)
	require.NoError(t, err)
}

func TestNewRegistryRejectsBadKinds(t *testing.T) {
	decodeDummy := func(*Registry, ir.Object) (Spec, error) { return DummyQuery{}, nil }

	tests := []struct {
		name  string
		kinds []Kind
	}{
		{"empty name", []Kind{{Decode: decodeDummy}}},
		{"no decoder", []Kind{{Name: "k"}}},
		{"duplicate", []Kind{{Name: "k", Decode: decodeDummy}, {Name: "k", Decode: decodeDummy}}},
		{"kind field", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: KindField, Type: TypeString}}}}},
		{"duplicate field", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString}}}}},
		{"enum without choices", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeEnum}}}}},
		{"list without item", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeList}}}}},
		{"forward nested", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeNested, Kinds: []string{"later"}}}}}},
		{"self nested", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeNested, Kinds: []string{"k"}}}}}},
		{"bad default", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeEnum, Choices: []string{"x"}, Default: ir.String("y")}}}}},
		{"required default", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeString, Required: true, Default: ir.String("y")}}}}},
		{"set of nested", []Kind{
			{Name: "leaf", Decode: decodeDummy},
			{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a", Type: TypeList, Set: true, Item: &Field{Type: TypeNested, Kinds: []string{"leaf"}}}}},
		}},
		{"unknown type", []Kind{{Name: "k", Decode: decodeDummy, Fields: []Field{{Name: "a"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.kinds...)
			assert.Error(t, err)
			assert.Panics(t, func() { MustRegistry(tt.kinds...) })
		})
	}
}

func TestTestKindRegistry(t *testing.T) {
	// A registry can be composed from a subset of the built-in kinds.
	builtins := BuiltinKinds()
	r, err := NewRegistry(builtins[0])
	require.NoError(t, err)

	assert.Equal(t, []string{"dummy_query"}, r.Kinds())
	_, err = r.Load(decode(t, `{"query_kind":"daily_location"}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"Unsupported value: daily_location"}, verr.Fields[KindField])
}
