package server

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
	"github.com/roach88/flowq/internal/testutil"
)

func TestPing(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "ping", nil)
	assert.Equal(t, protocol.StatusDone, reply.Status)
	assert.Equal(t, "pong", reply.Msg)
	assert.Equal(t, "test", reply.RequestID)
}

func TestGetAvailableQueries(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "get_available_queries", nil)
	require.Equal(t, protocol.StatusDone, reply.Status)
	kinds := reply.Data["available_queries"].([]string)
	assert.Equal(t, schema.Default().Kinds(), kinds)
	assert.Contains(t, kinds, "dummy_query")
	assert.Contains(t, kinds, "daily_location")
}

func TestGetQuerySchemas(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "get_query_schemas", nil)
	require.Equal(t, protocol.StatusDone, reply.Status)
	schemas := reply.Data["query_schemas"].(map[string]any)
	assert.Contains(t, schemas, "dummy_query")
	assert.Contains(t, schemas, "modal_location")
}

func TestRunQuery_EndToEnd(t *testing.T) {
	mat := testutil.NewRecordingMaterializer()
	f := newFixture(t, mat)

	reply := f.call(t, "run_query", dummyParams())
	require.Equal(t, protocol.StatusAccepted, reply.Status, reply.Msg)
	id := reply.Data["query_id"].(string)
	assert.Len(t, id, 32)

	// Same specification, same identity.
	again := f.call(t, "run_query", dummyParams())
	assert.Equal(t, id, again.Data["query_id"])

	poll := f.call(t, "poll_query", map[string]any{"query_id": id})
	require.Equal(t, protocol.StatusDone, poll.Status)
	assert.Equal(t, id, poll.Data["query_id"])
	assert.NotEqual(t, string(querystate.Unknown), poll.Data["query_state"])

	f.awaitState(t, id, querystate.Completed)
	poll = f.call(t, "poll_query", map[string]any{"query_id": id})
	assert.Equal(t, string(querystate.Completed), poll.Data["query_state"])
	assert.Equal(t, 1, mat.Count(id))
}

func TestRunQuery_ValidationError(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "run_query", map[string]any{"query_kind": "dummy_query", "extra": "x"})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Empty(t, reply.Msg)
	assert.Equal(t, []string{schema.MsgRequired}, reply.Data["dummy_param"])
	assert.Equal(t, []string{schema.MsgUnknownField}, reply.Data["extra"])
}

func TestRunQuery_UnknownKindCreatesNothing(t *testing.T) {
	mat := testutil.NewRecordingMaterializer()
	f := newFixture(t, mat)

	reply := f.call(t, "run_query", map[string]any{"query_kind": "nope"})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, []string{"Unsupported value: nope"}, reply.Data["query_kind"])
	assert.NotContains(t, reply.Data, "query_id")
	assert.Empty(t, mat.Calls())
	assert.Equal(t, 0.0, testCounter(t, f, "flowq_queries_triggered_total"))
}

func TestRunQuery_LogsQueryRun(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	f := newFixture(t, testutil.NewRecordingMaterializer(), protocol.WithLogger(logger))

	reply := f.dispatcher.Dispatch(context.Background(), protocol.Request{
		Action:    "run_query",
		RequestID: "req-42",
		Params:    dummyParams(),
	})
	require.Equal(t, protocol.StatusAccepted, reply.Status)

	out := buf.String()
	assert.Contains(t, out, `"msg":"query run"`)
	assert.Contains(t, out, `"request_id":"req-42"`)
	assert.Contains(t, out, `"action":"run_query"`)
	assert.Contains(t, out, `"query_kind":"dummy_query"`)
	assert.Contains(t, out, `"query_id":"`+reply.Data["query_id"].(string)+`"`)
}

func TestPollQuery_NeverTriggered(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "poll_query", map[string]any{"query_id": "deadbeef"})
	assert.Equal(t, protocol.StatusDone, reply.Status)
	assert.Equal(t, map[string]any{"query_id": "deadbeef", "query_state": "unknown"}, reply.Data)
}

func TestPollQuery_MissingID(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	reply := f.call(t, "poll_query", nil)
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "Internal server error: wrong arguments passed to handler for action 'poll_query'.", reply.Msg)
}

func TestGetQueryParams(t *testing.T) {
	f := newFixture(t, testutil.NewRecordingMaterializer())

	run := f.call(t, "run_query", dummyParams())
	id := run.Data["query_id"].(string)

	reply := f.call(t, "get_query_params", map[string]any{"query_id": id})
	require.Equal(t, protocol.StatusDone, reply.Status)
	assert.Equal(t, id, reply.Data["query_id"])
	assert.Equal(t, dummyParams(), reply.Data["query_params"])

	reply = f.call(t, "get_query_params", map[string]any{"query_id": "deadbeef"})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "Unknown query id: 'deadbeef'", reply.Msg)
}

func TestGetSQLForQueryResult(t *testing.T) {
	mat := testutil.NewBlockingMaterializer()
	f := newFixture(t, mat)
	defer mat.Release()

	reply := f.call(t, "get_sql_for_query_result", map[string]any{"query_id": "deadbeef"})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "Query with ID 'deadbeef' is unknown; cannot get SQL.", reply.Msg)

	run := f.call(t, "run_query", dummyParams())
	id := run.Data["query_id"].(string)
	<-mat.Started()
	f.awaitState(t, id, querystate.Running)

	reply = f.call(t, "get_sql_for_query_result", map[string]any{"query_id": id})
	assert.Equal(t, protocol.StatusError, reply.Status)
	assert.Equal(t, "Query with ID '"+id+"' is running; cannot get SQL.", reply.Msg)

	mat.Release()
	f.awaitState(t, id, querystate.Completed)

	reply = f.call(t, "get_sql_for_query_result", map[string]any{"query_id": id})
	require.Equal(t, protocol.StatusDone, reply.Status, reply.Msg)
	assert.Equal(t, "SELECT * FROM cache.x"+id, reply.Data["sql"])
	assert.Equal(t, id, reply.Data["query_id"])
}

func TestRunQuery_ErroredVisibleOnlyThroughPoll(t *testing.T) {
	mat := testutil.NewRecordingMaterializer()
	f := newFixture(t, mat)

	_, q, err := schema.Default().Compile(dummyParams())
	require.NoError(t, err)
	mat.Fail(q.ID(), testutil.ErrMaterialize)

	reply := f.call(t, "run_query", dummyParams())
	assert.Equal(t, protocol.StatusAccepted, reply.Status)
	f.awaitState(t, q.ID(), querystate.Errored)

	poll := f.call(t, "poll_query", map[string]any{"query_id": q.ID()})
	assert.Equal(t, "errored", poll.Data["query_state"])

	reply = f.call(t, "get_sql_for_query_result", map[string]any{"query_id": q.ID()})
	assert.Equal(t, "Query with ID '"+q.ID()+"' is errored; cannot get SQL.", reply.Msg)
}
