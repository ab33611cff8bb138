// Package flowdb connects the coordinator to the PostgreSQL data source.
//
// A DB materialises a query by running CREATE TABLE ... AS over the rendered
// statement, storing the rows in <schema>.x<id>. The event tables the
// statement reads are never modified. Result tables are created with
// IF NOT EXISTS, so a materialization repeated after a retry reuses rows an
// earlier attempt already committed.
//
// Discard is a Materializer that only logs statements. It backs the
// flowdb.dry_run setting and local development without a database.
package flowdb
