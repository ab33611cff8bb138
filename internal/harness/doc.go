// Package harness runs protocol scenarios against an in-process server.
//
// A scenario is a YAML file that sends a sequence of actions through the
// same dispatcher the websocket server uses, checks each reply, and then
// asserts on the recorded trace and the final query states.
//
// # Scenario Format
//
//	name: dummy_roundtrip
//	description: "Run a query and fetch its SQL"
//	fail_kinds: [daily_location]
//	steps:
//	  - send:
//	      action: run_query
//	      params: { query_kind: dummy_query, dummy_param: "x" }
//	      expect:
//	        status: accepted
//	      save: { dummy: query_id }
//	  - await: { query: $dummy, state: completed }
//	  - send:
//	      action: get_sql_for_query_result
//	      params: { query_id: $dummy }
//	      expect:
//	        status: done
//	assertions:
//	  - type: trace_count
//	    action: run_query
//	    count: 1
//	  - type: final_state
//	    query: $dummy
//	    state: completed
//
// Values saved from a reply are referenced as "$name" in later params,
// expectations and assertions. Kinds listed in fail_kinds fail during
// materialization, which drives queries into the errored state.
//
// # Assertion Types
//
//   - trace_contains: a reply for action matched status and data
//   - trace_count: action was sent exactly count times
//   - trace_order: actions were first sent in the listed order
//   - final_state: a query ended in state
//   - materializations: a query was materialized exactly count times
//
// # Deterministic Testing
//
// Every run gets a fresh in-memory SQLite state store and catalog, request
// ids from a sequence generator, and a recording materializer in place of
// the warehouse. Saved query ids are rendered as their "$name" in golden
// snapshots, so traces compare byte for byte across runs.
package harness
