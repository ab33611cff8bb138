package sqlexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/ir"
)

func TestCompileSelect(t *testing.T) {
	tests := []struct {
		name     string
		query    Query
		expected string
	}{
		{
			name: "single column",
			query: Select{
				Columns: []Column{Col("msisdn")},
				From:    Table{Name: "events.calls"},
			},
			expected: "SELECT msisdn FROM events.calls",
		},
		{
			name: "alias and filter",
			query: Select{
				Columns: []Column{{Expr: "msisdn", As: "subscriber"}, Col("datetime")},
				From:    Table{Name: "events.sms"},
				Where: Range{
					Column: "datetime",
					From:   ir.String("2016-01-01"),
					To:     ir.String("2016-01-02"),
				},
			},
			expected: "SELECT msisdn AS subscriber, datetime FROM events.sms WHERE datetime >= '2016-01-01' AND datetime < '2016-01-02'",
		},
		{
			name: "group and order",
			query: Select{
				Columns: []Column{Col("pcod"), {Expr: "count(*)", As: "total"}},
				From:    Table{Name: "cache.x0123"},
				GroupBy: []string{"pcod"},
				OrderBy: []string{"pcod"},
			},
			expected: "SELECT pcod, count(*) AS total FROM cache.x0123 GROUP BY pcod ORDER BY pcod",
		},
		{
			name: "distinct on",
			query: Select{
				DistinctOn: []string{"subscriber"},
				Columns:    []Column{Col("subscriber"), Col("pcod")},
				From:       Table{Name: "locs"},
				OrderBy:    []string{"subscriber", "datetime DESC"},
			},
			expected: "SELECT DISTINCT ON (subscriber) subscriber, pcod FROM locs ORDER BY subscriber, datetime DESC",
		},
		{
			name: "self alias is omitted",
			query: Select{
				Columns: []Column{{Expr: "pcod", As: "pcod"}},
				From:    Table{Name: "t"},
			},
			expected: "SELECT pcod FROM t",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, err := Compile(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sql)
		})
	}
}

func TestCompileSubqueryAndJoin(t *testing.T) {
	inner := Select{
		Columns: []Column{{Expr: "msisdn", As: "subscriber"}, Col("location_id")},
		From:    Table{Name: "events.calls"},
	}
	q := Select{
		Columns: []Column{Col("subscriber"), Col("pcod")},
		From: Join{
			Left:  Subquery{Query: inner, Alias: "ev"},
			Right: Table{Name: "geography.cells_admin3", Alias: "g"},
			Using: []string{"location_id"},
		},
	}

	sql, err := Compile(q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT subscriber, pcod FROM (SELECT msisdn AS subscriber, location_id FROM events.calls) AS ev JOIN geography.cells_admin3 AS g USING (location_id)",
		sql)

	onJoin := Select{
		Columns: []Column{Col("a.x")},
		From: Join{
			Left:  Table{Name: "t", Alias: "a"},
			Right: Table{Name: "u", Alias: "b"},
			On:    "a.x = b.x",
		},
	}
	assert.Equal(t, "SELECT a.x FROM t AS a JOIN u AS b ON a.x = b.x", MustCompile(onJoin))
}

func TestCompileConstantSelect(t *testing.T) {
	q := Select{Columns: []Column{{Expr: "'DUMMY'", As: "dummy_param"}}}
	assert.Equal(t, "SELECT 'DUMMY' AS dummy_param", MustCompile(q))
}

func TestAs(t *testing.T) {
	tbl := As(Table{Name: "cache.xabc"}, "a")
	assert.Equal(t, Table{Name: "cache.xabc", Alias: "a"}, tbl)

	sub := As(Subquery{Query: Select{Columns: []Column{Col("x")}, From: Table{Name: "t"}}, Alias: "old"}, "b")
	assert.Equal(t, "b", sub.(Subquery).Alias)

	j := As(Join{Left: Table{Name: "t"}, Right: Table{Name: "u"}, Using: []string{"k"}}, "j")
	q := Select{Columns: []Column{Col("k")}, From: j}
	assert.Equal(t, "SELECT k FROM (SELECT * FROM t JOIN u USING (k)) AS j", MustCompile(q))
}

func TestCompileUnionAll(t *testing.T) {
	q := UnionAll{Queries: []Query{
		Select{Columns: []Column{Col("msisdn")}, From: Table{Name: "events.calls"}},
		Select{Columns: []Column{Col("msisdn")}, From: Table{Name: "events.sms"}},
	}}
	assert.Equal(t, "SELECT msisdn FROM events.calls UNION ALL SELECT msisdn FROM events.sms", MustCompile(q))

	_, err := Compile(UnionAll{})
	assert.Error(t, err)
}

func TestCompilePredicates(t *testing.T) {
	q := Select{
		Columns: []Column{Col("msisdn")},
		From:    Table{Name: "events.calls"},
		Where: And{Predicates: []Predicate{
			Equals{Column: "outgoing", Value: ir.Bool(true)},
			In{Column: "kind", Values: []ir.Value{ir.String("a"), ir.String("b")}},
			And{},
			Raw{SQL: "location_id IS NOT NULL"},
			Equals{Column: "n", Value: ir.Int(3)},
		}},
	}
	assert.Equal(t,
		"SELECT msisdn FROM events.calls WHERE outgoing = TRUE AND kind IN ('a', 'b') AND location_id IS NOT NULL AND n = 3",
		MustCompile(q))

	empty := Select{Columns: []Column{Col("x")}, From: Table{Name: "t"}, Where: And{}}
	assert.Equal(t, "SELECT x FROM t", MustCompile(empty))
}

func TestLiteralQuoting(t *testing.T) {
	lit, err := Literal(ir.String("O'Brien"))
	require.NoError(t, err)
	assert.Equal(t, "'O''Brien'", lit)

	lit, err = Literal(ir.String("'; DROP TABLE events.calls; --"))
	require.NoError(t, err)
	assert.Equal(t, "'''; DROP TABLE events.calls; --'", lit)

	_, err = Literal(ir.String("a\x00b"))
	assert.Error(t, err)

	_, err = Literal(ir.Array{})
	assert.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		query Query
	}{
		{"nil", nil},
		{"no columns", Select{From: Table{Name: "t"}}},
		{"bad table", Select{Columns: []Column{Col("x")}, From: Table{Name: "t; DROP"}}},
		{"uppercase table", Select{Columns: []Column{Col("x")}, From: Table{Name: "Events"}}},
		{"subquery without alias", Select{Columns: []Column{Col("x")}, From: Subquery{Query: Select{Columns: []Column{Col("x")}, From: Table{Name: "t"}}}}},
		{"join without condition", Select{Columns: []Column{Col("x")}, From: Join{Left: Table{Name: "a"}, Right: Table{Name: "b"}}}},
		{"empty in", Select{Columns: []Column{Col("x")}, From: Table{Name: "t"}, Where: In{Column: "x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.query)
			assert.Error(t, err)
		})
	}
}

func TestCompileDeterministic(t *testing.T) {
	q := Select{
		Columns: []Column{Col("a"), Col("b")},
		From:    Table{Name: "t"},
		Where:   In{Column: "a", Values: []ir.Value{ir.Int(2), ir.Int(1)}},
	}
	first := MustCompile(q)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MustCompile(q))
	}
}
