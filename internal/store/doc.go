// Package store provides SQLite-backed durable storage for query lifecycle
// state.
//
// Three tables are kept:
//   - query_states: current state, last message and update time per identity
//   - query_specs: normalised parameters per identity (write-once)
//   - query_results: result table, columns and SQL per completed identity
//
// # Compare-and-swap
//
// Every state change is a single conditional statement. Leaving "unknown"
// inserts the row with ON CONFLICT DO NOTHING; every other transition is an
// UPDATE guarded by the expected current state. A swap succeeded when exactly
// one row was affected, so two processes sharing the file can never both win
// the same transition.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as Unix nanoseconds in UTC. Parameters are stored as
// RFC 8785 canonical JSON produced by internal/ir.
package store
