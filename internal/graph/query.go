package graph

import (
	"fmt"

	"github.com/roach88/flowq/internal/sqlexpr"
)

// Query is a built, immutable query graph with a designated root.
// It is safe for concurrent use.
type Query struct {
	nodes []*Node
	root  Handle
}

// Resolver reports the table holding the materialised result of id, if any.
type Resolver func(id string) (table string, ok bool)

// ID returns the root node's identity.
func (q *Query) ID() string { return q.nodes[q.root].id }

// Kind returns the root node's kind.
func (q *Query) Kind() string { return q.nodes[q.root].kind }

// Columns returns the root node's output columns.
func (q *Query) Columns() []string { return q.nodes[q.root].Columns() }

// Root returns the root node.
func (q *Query) Root() *Node { return q.nodes[q.root] }

// Node returns the node for h.
func (q *Query) Node(h Handle) *Node { return q.nodes[h] }

// Dependencies returns every distinct node reachable from the root, children
// before parents, excluding the root itself.
func (q *Query) Dependencies() []*Node {
	seen := make(map[Handle]bool)
	var out []*Node
	var visit func(h Handle)
	visit = func(h Handle) {
		if seen[h] {
			return
		}
		seen[h] = true
		for _, c := range q.nodes[h].children {
			visit(c)
		}
		if h != q.root {
			out = append(out, q.nodes[h])
		}
	}
	visit(q.root)
	return out
}

// Render builds the root's statement on demand. Children that resolve returns
// a table for are read from that table; all others are rendered recursively
// and inlined. A nil resolve inlines everything.
func (q *Query) Render(resolve Resolver) (sqlexpr.Query, error) {
	r := renderer{q: q, resolve: resolve, memo: make(map[Handle]sqlexpr.Query)}
	return r.render(q.root)
}

// SQL renders and compiles the root's statement.
func (q *Query) SQL(resolve Resolver) (string, error) {
	expr, err := q.Render(resolve)
	if err != nil {
		return "", err
	}
	return sqlexpr.Compile(expr)
}

type renderer struct {
	q       *Query
	resolve Resolver
	memo    map[Handle]sqlexpr.Query
}

func (r *renderer) render(h Handle) (sqlexpr.Query, error) {
	if expr, ok := r.memo[h]; ok {
		return expr, nil
	}
	n := r.q.nodes[h]

	sources := make([]sqlexpr.Source, len(n.children))
	for i, c := range n.children {
		child := r.q.nodes[c]
		if r.resolve != nil {
			if table, ok := r.resolve(child.id); ok {
				sources[i] = sqlexpr.Table{Name: table}
				continue
			}
		}
		expr, err := r.render(c)
		if err != nil {
			return nil, err
		}
		sources[i] = sqlexpr.Subquery{Query: expr, Alias: "x" + child.id}
	}

	expr, err := n.render(n.params, sources)
	if err != nil {
		return nil, fmt.Errorf("render %s %s: %w", n.kind, n.id, err)
	}
	r.memo[h] = expr
	return expr, nil
}
