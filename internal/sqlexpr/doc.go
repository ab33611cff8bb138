// Package sqlexpr is a small structured SQL builder for query node renderers.
//
// Renderers describe their statement as a tree of Query, Source and Predicate
// values; Compile turns the tree into PostgreSQL text. A parent node embeds a
// child either as a Subquery (the child's own tree) or as a Table naming the
// child's materialised cache table, which is how completed results are reused.
//
// User-supplied values only ever appear inside predicates and are quoted by
// Literal. Column expressions, table names and raw predicates are authored by
// the engine and table names are checked against a strict identifier shape.
package sqlexpr
