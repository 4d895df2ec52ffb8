// Package fidelity resolves, for each step of a pipeline run, which of six
// context-fidelity modes governs the handler's preamble and assembles that
// preamble's content. Resolution (mode + thread id) and assembly are kept
// separate: the resolver answers "which mode", the builder answers "what
// text", so callers that only need to know the mode (e.g. validation) never
// pay for building a preamble they'll discard.
package fidelity

import (
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/model"
)

// Modes is the closed set of recognized fidelity values.
var Modes = map[string]bool{
	"full":           true,
	"truncate":       true,
	"compact":        true,
	"summary:low":    true,
	"summary:medium": true,
	"summary:high":   true,
}

// DefaultMode is the compile-time fallback when no level of the chain names
// a recognized mode.
const DefaultMode = "compact"

// ResolveFidelityAndThread chooses a step's fidelity mode and, when the mode
// is "full", the thread id whose conversation history the mode reuses.
func ResolveFidelityAndThread(g *model.Graph, incoming *model.Edge, node *model.Node) (mode string, threadKey string) {
	mode = ResolveMode(g, incoming, node)
	if mode == "full" {
		threadKey = ResolveThreadKey(g, incoming, node)
	}
	return mode, threadKey
}

// ResolveMode walks the chain: edge fidelity, node fidelity, graph
// default_fidelity, compile-time default. The first non-empty, recognized
// value wins.
func ResolveMode(g *model.Graph, incoming *model.Edge, node *model.Node) string {
	candidate := ""
	if incoming != nil {
		candidate = strings.TrimSpace(incoming.Attr("fidelity", ""))
	}
	if candidate == "" && node != nil {
		candidate = strings.TrimSpace(node.Attr("fidelity", ""))
	}
	if candidate == "" && g != nil {
		candidate = strings.TrimSpace(g.Attrs["default_fidelity"])
	}
	if candidate == "" {
		candidate = DefaultMode
	}
	candidate = strings.ToLower(candidate)
	if Modes[candidate] {
		return candidate
	}
	return DefaultMode
}

// ResolveThreadKey walks: edge override, node override, derived subgraph
// class, previous node id.
func ResolveThreadKey(g *model.Graph, incoming *model.Edge, node *model.Node) string {
	if incoming != nil {
		if v := strings.TrimSpace(incoming.Attr("thread_id", "")); v != "" {
			return v
		}
	}
	if node != nil {
		if v := strings.TrimSpace(node.Attr("thread_id", "")); v != "" {
			return v
		}
	}
	if node != nil {
		if classes := node.ClassList(); len(classes) > 0 && strings.TrimSpace(classes[0]) != "" {
			return strings.TrimSpace(classes[0])
		}
	}
	if incoming != nil && strings.TrimSpace(incoming.From) != "" {
		return strings.TrimSpace(incoming.From)
	}
	if node != nil {
		return node.ID
	}
	return ""
}
