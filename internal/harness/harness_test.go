package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return scenario
}

func TestRun_RecordsStatesAndMaterializations(t *testing.T) {
	scenario := mustParse(t, `
name: states
description: "Final states are collected for saved ids"
steps:
  - send:
      action: run_query
      params: { query_kind: dummy_query, dummy_param: a }
      save: { a: query_id }
  - await: { query: $a, state: completed }
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	id := result.Vars["a"]
	require.Len(t, id, 32)
	assert.Equal(t, "completed", result.States[id])
	assert.Equal(t, 1, result.Materializations[id])
	require.Len(t, result.Trace, 2)
	assert.Equal(t, "req-1", result.Trace[0].RequestID)
	assert.Equal(t, id, result.Trace[1].Await)
}

func TestRun_ExpectationMismatch(t *testing.T) {
	scenario := mustParse(t, `
name: mismatch
description: "A wrong expectation fails the run but later steps still execute"
steps:
  - send:
      action: ping
      expect: { status: error }
  - send:
      action: ping
      expect: { status: done, msg: pong }
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[0] ping: expected status error, got done")
	assert.Len(t, result.Trace, 2)
}

func TestRun_DataMismatch(t *testing.T) {
	scenario := mustParse(t, `
name: data_mismatch
description: "Reply data is subset matched"
steps:
  - send:
      action: get_available_queries
      expect:
        status: done
        data: { available_queries: [dummy_query] }
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected data")
}

func TestRun_MissingSaveFieldStops(t *testing.T) {
	scenario := mustParse(t, `
name: bad_save
description: "Saving a field the reply lacks stops the run"
steps:
  - send:
      action: ping
      save: { q: query_id }
  - send:
      action: ping
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `steps[0]: save $q: reply to ping has no string field "query_id"`)
	assert.Len(t, result.Trace, 1)
}

func TestRun_FailKinds(t *testing.T) {
	scenario := mustParse(t, `
name: fail_kinds
description: "Awaiting completion of a failing kind reports the errored state"
fail_kinds: [dummy_query]
steps:
  - send:
      action: run_query
      params: { query_kind: dummy_query, dummy_param: boom }
      save: { q: query_id }
  - await: { query: $q, state: completed }
assertions:
  - type: final_state
    query: $q
    state: errored
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected completed, got errored")
	assert.Equal(t, "errored", result.States[result.Vars["q"]])
}

func TestRun_AssertionFailure(t *testing.T) {
	scenario := mustParse(t, `
name: assertion_failure
description: "Assertions run after the steps"
steps:
  - send: { action: ping }
assertions:
  - type: trace_count
    action: ping
    count: 2
  - type: trace_order
    actions: [ping]
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0]: Assertion failed: trace_count")
}

func TestRun_ExpandsVariablesInMessages(t *testing.T) {
	scenario := mustParse(t, `
name: expand
description: "Saved values are substituted inside expected messages"
steps:
  - send:
      action: run_query
      params: { query_kind: dummy_query, dummy_param: expand }
      save: { q: query_id }
  - send:
      action: get_query_params
      params: { query_id: $q }
      expect:
        status: done
        data: { query_id: $q }
  - send:
      action: get_query_params
      params: { query_id: "0000000000000000000000000000000a" }
      expect:
        status: error
        msg: "Unknown query id: '0000000000000000000000000000000a'"
`)

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
