// Package graph holds the composable query graph.
//
// Nodes live in an arena owned by a Builder and refer to their children by
// Handle. Each node's identity is computed by ir.QueryID over its kind, its
// normalised parameters and the identities of its children, so identity is a
// pure function of structure. The Builder indexes nodes by identity and
// returns the existing handle when an equal node is added again.
//
// Rendering is pull-based: nothing is rendered at construction time.
// Query.Render asks each node's RenderFunc for its statement, feeding it
// either a child's inlined statement or the table that already holds the
// child's result.
package graph
