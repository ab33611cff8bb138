package graph

import (
	"fmt"

	"github.com/roach88/flowq/internal/ir"
	"github.com/roach88/flowq/internal/sqlexpr"
)

// Handle addresses a node inside the arena of the Builder that created it.
type Handle int

// RenderFunc produces the statement for one node. children holds one Source
// per child in declaration order: either the child's own rendered statement
// as a subquery or the table holding its materialised result.
type RenderFunc func(params ir.Object, children []sqlexpr.Source) (sqlexpr.Query, error)

// Def describes a node to add to a Builder. Params must already be validated
// and normalised; construction does no validation of its own.
type Def struct {
	Kind    string
	Params  ir.Object
	Columns []string
	Render  RenderFunc
}

// Node is an immutable query node. Nodes are only created by Builder.Add.
type Node struct {
	id       string
	kind     string
	params   ir.Object
	columns  []string
	children []Handle
	render   RenderFunc
}

// ID returns the content-addressed identity of the node.
func (n *Node) ID() string { return n.id }

// Kind returns the node's kind tag.
func (n *Node) Kind() string { return n.kind }

// Params returns a copy of the node's normalised parameters.
func (n *Node) Params() ir.Object { return n.params.Clone() }

// Columns returns the node's ordered output column names.
func (n *Node) Columns() []string { return append([]string(nil), n.columns...) }

// Children returns the handles of the node's children in order.
func (n *Node) Children() []Handle { return append([]Handle(nil), n.children...) }

// Builder is a per-build registry of nodes. Adding a node whose identity is
// already present returns the existing handle, so equal subtrees collapse
// into one node.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	nodes []*Node
	index map[string]Handle
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]Handle)}
}

// Add computes the identity of def over children and inserts it unless a node
// with that identity already exists. Children must be handles previously
// returned by this Builder, which makes cycles impossible.
func (b *Builder) Add(def Def, children ...Handle) (Handle, error) {
	if def.Kind == "" {
		return 0, fmt.Errorf("add node: empty kind")
	}
	if def.Render == nil {
		return 0, fmt.Errorf("add node %s: no renderer", def.Kind)
	}
	if len(def.Columns) == 0 {
		return 0, fmt.Errorf("add node %s: no columns", def.Kind)
	}

	childIDs := make([]string, len(children))
	for i, h := range children {
		if h < 0 || int(h) >= len(b.nodes) {
			return 0, fmt.Errorf("add node %s: child %d: invalid handle %d", def.Kind, i, h)
		}
		childIDs[i] = b.nodes[h].id
	}

	id, err := ir.QueryID(def.Kind, def.Params, childIDs)
	if err != nil {
		return 0, fmt.Errorf("add node %s: %w", def.Kind, err)
	}
	if h, ok := b.index[id]; ok {
		return h, nil
	}

	params := def.Params.Clone()
	if params == nil {
		params = ir.Object{}
	}
	n := &Node{
		id:       id,
		kind:     def.Kind,
		params:   params,
		columns:  append([]string(nil), def.Columns...),
		children: append([]Handle(nil), children...),
		render:   def.Render,
	}
	h := Handle(len(b.nodes))
	b.nodes = append(b.nodes, n)
	b.index[id] = h
	return h, nil
}

// Lookup returns the handle for id if the Builder holds such a node.
func (b *Builder) Lookup(id string) (Handle, bool) {
	h, ok := b.index[id]
	return h, ok
}

// Len returns the number of distinct nodes in the Builder.
func (b *Builder) Len() int { return len(b.nodes) }

// Query freezes the graph reachable from root into a Query.
// The Builder may keep being used afterwards.
func (b *Builder) Query(root Handle) (*Query, error) {
	if root < 0 || int(root) >= len(b.nodes) {
		return nil, fmt.Errorf("invalid root handle %d", root)
	}
	nodes := b.nodes[:len(b.nodes):len(b.nodes)]
	return &Query{nodes: nodes, root: root}, nil
}
