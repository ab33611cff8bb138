package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Action: "ping", Status: "done", Msg: "pong"},
		{Seq: 2, Action: "run_query", Status: "accepted", Data: map[string]any{"query_id": "abc"}},
		{Seq: 3, Await: "abc", State: "completed"},
		{Seq: 4, Action: "poll_query", Status: "done", Data: map[string]any{"query_id": "abc", "query_state": "completed"}},
		{Seq: 5, Action: "run_query", Status: "error", Data: map[string]any{"dummy_param": []string{"Missing data for required field."}}},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, "ping", "", nil))
	assert.NoError(t, assertTraceContains(trace, "run_query", "accepted", map[string]any{"query_id": "abc"}))
	assert.NoError(t, assertTraceContains(trace, "run_query", "error",
		map[string]any{"dummy_param": []any{"Missing data for required field."}}))

	err := assertTraceContains(trace, "run_query", "done", nil)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Equal(t, "not found in trace", aerr.Actual)

	assert.Error(t, assertTraceContains(trace, "poll_query", "", map[string]any{"query_state": "queued"}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, []string{"ping", "run_query", "poll_query"}))

	err := assertTraceOrder(trace, []string{"poll_query", "run_query"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_query (pos 4) should be before run_query (pos 2)")

	err = assertTraceOrder(trace, []string{"ping", "get_query_params"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: get_query_params")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, "run_query", 2))
	assert.NoError(t, assertTraceCount(trace, "get_query_schemas", 0))

	err := assertTraceCount(trace, "ping", 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 2 occurrences of ping")
	assert.Contains(t, err.Error(), "Actual: 1 occurrences")
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1",
		Actual:   "0",
		Trace:    sampleTrace()[:3],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "[1] ping -> done")
	assert.Contains(t, msg, "[3] await abc -> completed")
}

func TestMatchSubset(t *testing.T) {
	actual := map[string]any{
		"query_id": "abc",
		"count":    int64(3),
		"nested":   map[string]any{"a": []string{"x", "y"}, "b": true},
	}

	assert.True(t, matchSubset(map[string]any{}, actual))
	assert.True(t, matchSubset(map[string]any{"count": 3}, actual))
	assert.True(t, matchSubset(map[string]any{"nested": map[string]any{"a": []any{"x", "y"}}}, actual))
	assert.False(t, matchSubset(map[string]any{"nested": map[string]any{"a": []any{"x"}}}, actual))
	assert.False(t, matchSubset(map[string]any{"missing": "v"}, actual))
	assert.False(t, matchSubset(map[string]any{"query_id": "abd"}, actual))
	assert.False(t, matchSubset(map[string]any{"query_id": "abc"}, nil))
}
