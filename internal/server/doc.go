// Package server binds the query actions to the protocol dispatcher and
// serves them over websockets.
//
// Actions covers ping, get_available_queries, get_query_schemas, run_query,
// poll_query, get_query_params and get_sql_for_query_result. run_query only
// validates, builds the graph and triggers the coordinator; it replies
// accepted before any materialization starts.
//
// Server accepts websocket connections at / and /ws and also serves
// /healthz and /metrics. Client is the matching Go client.
package server
