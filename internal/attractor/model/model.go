// Package model defines the attributed directed graph that a parsed DOT
// pipeline compiles to: nodes, edges, subgraph-derived classes, and the
// attribute maps every other attractor package (dot, style, validate, cond,
// engine) reads from and writes into.
package model

import "fmt"

// Graph is a single digraph compiled from a DOT source file.
type Graph struct {
	Name  string
	Attrs map[string]string

	Nodes map[string]*Node
	Edges []*Edge
}

// NewGraph returns an empty graph with the given name.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: map[string]string{},
		Nodes: map[string]*Node{},
	}
}

// AddNode registers n under its ID. Redeclaring a node is not an error: DOT
// allows repeated attribute blocks for the same node ID, so callers that
// want merge-on-redeclare semantics should look the node up first.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("model: nil node")
	}
	if n.ID == "" {
		return fmt.Errorf("model: node has empty ID")
	}
	g.Nodes[n.ID] = n
	return nil
}

// AddEdge appends e to the graph's edge list, stamping its declaration
// order if the caller hasn't already set one.
func (g *Graph) AddEdge(e *Edge) error {
	if e == nil {
		return fmt.Errorf("model: nil edge")
	}
	if e.From == "" || e.To == "" {
		return fmt.Errorf("model: edge missing endpoint (from=%q to=%q)", e.From, e.To)
	}
	if e.Order == 0 {
		e.Order = len(g.Edges)
	}
	g.Edges = append(g.Edges, e)
	return nil
}

// Outgoing returns, in declaration order, the edges whose From is id.
func (g *Graph) Outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e != nil && e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns, in declaration order, the edges whose To is id.
func (g *Graph) Incoming(id string) []*Edge {
	var in []*Edge
	for _, e := range g.Edges {
		if e != nil && e.To == id {
			in = append(in, e)
		}
	}
	return in
}

// NodeIDs returns every node ID, in declaration order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.Nodes))
	for id, n := range g.Nodes {
		idx := n.Order
		if idx < 0 || idx >= len(ids) {
			ids = append(ids, id)
			continue
		}
		ids[idx] = id
	}
	out := make([]string, 0, len(g.Nodes))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Node is one vertex of the pipeline graph.
type Node struct {
	ID      string
	Attrs   map[string]string
	Classes []string
	Order   int
}

// NewNode returns a node with the given ID and empty attribute/class sets.
func NewNode(id string) *Node {
	return &Node{
		ID:    id,
		Attrs: map[string]string{},
	}
}

// Attr returns the node's attribute value for key, or def if unset or blank.
func (n *Node) Attr(key, def string) string {
	if n == nil {
		return def
	}
	if v, ok := n.Attrs[key]; ok && v != "" {
		return v
	}
	return def
}

// AttrSet reports whether key was explicitly present on the node, regardless
// of value — used where "unset" and "set to empty string" must be
// distinguished (e.g. the reasoning_effort sentinel in package style).
func (n *Node) AttrSet(key string) bool {
	if n == nil {
		return false
	}
	_, ok := n.Attrs[key]
	return ok
}

// Shape returns the node's `shape` attribute, defaulting to "box" — DOT's
// own default node shape and the shape the handler registry treats as the
// generic codergen handler.
func (n *Node) Shape() string {
	return n.Attr("shape", "box")
}

// Label returns the node's `label` attribute, falling back to its ID.
func (n *Node) Label() string {
	return n.Attr("label", n.ID)
}

// Prompt returns the node's `prompt` attribute, or "" if it has none.
func (n *Node) Prompt() string {
	return n.Attr("prompt", "")
}

// TypeOverride returns the node's explicit `type` attribute, which the
// handler registry prefers over the shape-to-type default mapping.
func (n *Node) TypeOverride() string {
	return n.Attr("type", "")
}

// ClassList returns the node's CSS-like classes: any explicit `class`
// attribute (space or comma separated) plus classes derived from an
// enclosing subgraph's label.
func (n *Node) ClassList() []string {
	var out []string
	if raw, ok := n.Attrs["class"]; ok {
		out = append(out, splitClassAttr(raw)...)
	}
	out = append(out, n.Classes...)
	return out
}

func splitClassAttr(raw string) []string {
	var out []string
	start := -1
	flush := func(end int) {
		if start >= 0 && end > start {
			out = append(out, raw[start:end])
		}
		start = -1
	}
	for i, r := range raw {
		if r == ' ' || r == ',' {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(raw))
	return out
}

// Edge is one directed connection between two nodes.
type Edge struct {
	From  string
	To    string
	Attrs map[string]string
	Order int
}

// NewEdge returns an edge between from and to with an empty attribute set.
func NewEdge(from, to string) *Edge {
	return &Edge{
		From:  from,
		To:    to,
		Attrs: map[string]string{},
	}
}

// Attr returns the edge's attribute value for key, or def if unset or blank.
func (e *Edge) Attr(key, def string) string {
	if e == nil {
		return def
	}
	if v, ok := e.Attrs[key]; ok && v != "" {
		return v
	}
	return def
}

// Condition returns the edge's `condition` attribute, or "" if unconditional.
func (e *Edge) Condition() string {
	return e.Attr("condition", "")
}

// Label returns the edge's `label` attribute, or "" if unlabeled.
func (e *Edge) Label() string {
	return e.Attr("label", "")
}

// Fidelity returns the edge's `fidelity` override, or "" if unset.
func (e *Edge) Fidelity() string {
	return e.Attr("fidelity", "")
}

// ThreadID returns the edge's `thread_id` override, or "" if unset.
func (e *Edge) ThreadID() string {
	return e.Attr("thread_id", "")
}
