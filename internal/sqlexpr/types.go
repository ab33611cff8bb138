package sqlexpr

import "github.com/roach88/flowq/internal/ir"

// Query is a sealed interface over the statements a query node can render to.
//
// Query types:
//   - Select: projection over a single source with optional filter and grouping
//   - UnionAll: concatenation of queries with identical column lists
type Query interface {
	queryNode() // Marker method - seals interface to this package
}

// Source is a sealed interface over what a Select can read from.
//
// Source types:
//   - Table: a named relation, e.g. events.calls or cache.x<id>
//   - Subquery: a parenthesised Query with an alias
//   - Join: an inner join of two sources
type Source interface {
	sourceNode() // Marker method - seals interface to this package
}

// Predicate is a sealed interface over WHERE conditions.
//
// Values in predicates come from validated query parameters and are always
// rendered as quoted literals by Compile. Column names are engine-authored.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Column is one item of a select list. Expr is an engine-authored SQL
// expression (a column reference or an aggregate); As is the output name.
type Column struct {
	Expr string
	As   string
}

// Col is shorthand for a column selected under its own name.
func Col(name string) Column {
	return Column{Expr: name}
}

// Select represents
//
//	SELECT [DISTINCT ON (<distinct_on>)] <columns> [FROM <from>]
//	WHERE <where> GROUP BY <group_by> ORDER BY <order_by>
//
// A nil From selects constant expressions only.
type Select struct {
	DistinctOn []string
	Columns    []Column
	From       Source
	Where      Predicate // nil = no filter
	GroupBy    []string
	OrderBy    []string
}

func (Select) queryNode() {}

// UnionAll concatenates its queries in order.
type UnionAll struct {
	Queries []Query
}

func (UnionAll) queryNode() {}

// Table is a named relation with an optional alias.
type Table struct {
	Name  string
	Alias string
}

func (Table) sourceNode() {}

// Subquery wraps a Query so it can be used as a Source. Alias is required
// by PostgreSQL for derived tables.
type Subquery struct {
	Query Query
	Alias string
}

func (Subquery) sourceNode() {}

// Join is an inner join. Exactly one of Using or On must be set.
type Join struct {
	Left  Source
	Right Source
	Using []string
	On    string
}

func (Join) sourceNode() {}

// Equals is <column> = <value>.
type Equals struct {
	Column string
	Value  ir.Value
}

func (Equals) predicateNode() {}

// Range is the half-open interval <column> >= <from> AND <column> < <to>.
type Range struct {
	Column string
	From   ir.Value
	To     ir.Value
}

func (Range) predicateNode() {}

// In is <column> IN (<values>).
type In struct {
	Column string
	Values []ir.Value
}

func (In) predicateNode() {}

// Raw is an engine-authored condition that takes no user values,
// e.g. "pcod_to IS NOT NULL".
type Raw struct {
	SQL string
}

func (Raw) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}
