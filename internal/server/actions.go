package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/flowq/internal/ctxlog"
	"github.com/roach88/flowq/internal/graph"
	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/protocol"
	"github.com/roach88/flowq/internal/querystate"
	"github.com/roach88/flowq/internal/schema"
)

// MsgValidationFailed is the reply message for a rejected specification.
// The field errors travel in data.
const MsgValidationFailed = ""

// Coordinator is the execution side used by the actions.
type Coordinator interface {
	Trigger(ctx context.Context, q *graph.Query, params ir.Object) (querystate.State, error)
	Poll(ctx context.Context, id string) (querystate.Record, error)
	Params(ctx context.Context, id string) (ir.Object, bool, error)
	Result(ctx context.Context, id string) (querystate.Result, bool, error)
}

// Actions returns the baseline action set bound to registry and coord.
func Actions(registry *schema.Registry, coord Coordinator) []protocol.Action {
	h := handlers{registry: registry, coord: coord}
	return []protocol.Action{
		{Name: "ping", Handle: h.ping},
		{Name: "get_available_queries", Handle: h.availableQueries},
		{Name: "get_query_schemas", Handle: h.querySchemas},
		{Name: "run_query", AnyParams: true, Handle: h.runQuery},
		{Name: "poll_query", Params: []string{"query_id"}, Handle: h.pollQuery},
		{Name: "get_query_params", Params: []string{"query_id"}, Handle: h.queryParams},
		{Name: "get_sql_for_query_result", Params: []string{"query_id"}, Handle: h.sqlForResult},
	}
}

// NewDispatcher builds a dispatcher serving Actions.
func NewDispatcher(registry *schema.Registry, coord Coordinator, opts ...protocol.Option) (*protocol.Dispatcher, error) {
	return protocol.NewDispatcher(Actions(registry, coord), opts...)
}

type handlers struct {
	registry *schema.Registry
	coord    Coordinator
}

func (h handlers) ping(context.Context, map[string]any) (protocol.Reply, error) {
	return protocol.Done("pong", nil), nil
}

func (h handlers) availableQueries(context.Context, map[string]any) (protocol.Reply, error) {
	return protocol.Done("", map[string]any{"available_queries": h.registry.Kinds()}), nil
}

func (h handlers) querySchemas(context.Context, map[string]any) (protocol.Reply, error) {
	return protocol.Done("", map[string]any{"query_schemas": h.registry.Schemas()}), nil
}

func (h handlers) runQuery(ctx context.Context, params map[string]any) (protocol.Reply, error) {
	spec, q, err := h.registry.Compile(params)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return protocol.Fail(MsgValidationFailed, verr.Data()), nil
		}
		return protocol.Reply{}, err
	}

	ctxlog.FromContext(ctx).InfoContext(ctx, "query run", "query_kind", spec.Kind(), "query_id", q.ID())
	if _, err := h.coord.Trigger(ctx, q, spec.Params()); err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Accepted("", map[string]any{"query_id": q.ID()}), nil
}

func (h handlers) pollQuery(ctx context.Context, params map[string]any) (protocol.Reply, error) {
	id, err := protocol.StringParam(params, "query_id")
	if err != nil {
		return protocol.Reply{}, err
	}
	rec, err := h.coord.Poll(ctx, id)
	if err != nil {
		return protocol.Reply{}, err
	}
	return protocol.Done("", map[string]any{"query_id": id, "query_state": string(rec.State)}), nil
}

func (h handlers) queryParams(ctx context.Context, params map[string]any) (protocol.Reply, error) {
	id, err := protocol.StringParam(params, "query_id")
	if err != nil {
		return protocol.Reply{}, err
	}
	spec, ok, err := h.coord.Params(ctx, id)
	if err != nil {
		return protocol.Reply{}, err
	}
	if !ok {
		return protocol.Fail(fmt.Sprintf("Unknown query id: '%s'", id), nil), nil
	}
	return protocol.Done("", map[string]any{"query_id": id, "query_params": ir.ToAny(spec)}), nil
}

func (h handlers) sqlForResult(ctx context.Context, params map[string]any) (protocol.Reply, error) {
	id, err := protocol.StringParam(params, "query_id")
	if err != nil {
		return protocol.Reply{}, err
	}
	rec, err := h.coord.Poll(ctx, id)
	if err != nil {
		return protocol.Reply{}, err
	}
	notReady := protocol.Fail(fmt.Sprintf("Query with ID '%s' is %s; cannot get SQL.", id, rec.State), nil)
	if rec.State != querystate.Completed {
		return notReady, nil
	}
	res, ok, err := h.coord.Result(ctx, id)
	if err != nil {
		return protocol.Reply{}, err
	}
	if !ok {
		return notReady, nil
	}
	return protocol.Done("", map[string]any{"query_id": id, "sql": "SELECT * FROM " + res.Table}), nil
}
