// Package validate implements the closed set of structural and attribute
// lint rules a pipeline graph must pass before a run starts: six rules that
// produce hard errors and four that produce warnings. Callers needing
// additional project-specific checks can pass extra LintRule values to
// Validate; they run after the built-ins and never suppress them.
package validate

import (
	"fmt"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// LintRule is the interface for custom lint rules that can be passed to
// Validate alongside the built-ins.
type LintRule interface {
	Name() string
	Apply(g *model.Graph) []Diagnostic
}

// Validate runs all built-in lint rules and any extra rules against the graph.
// Extra rules are appended after built-in rules.
func Validate(g *model.Graph, extraRules ...LintRule) []Diagnostic {
	var diags []Diagnostic
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}

	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintExitNode(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintExitNoOutgoing(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintFidelityValid(g)...)
	diags = append(diags, lintRetryTargetsExist(g)...)
	diags = append(diags, lintGoalGateHasRetry(g)...)
	diags = append(diags, lintPromptOnCodergenNodes(g)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(g)...)
		}
	}
	return diags
}

func ValidateOrError(g *model.Graph, extraRules ...LintRule) error {
	diags := Validate(g, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintStartNode(g *model.Graph) []Diagnostic {
	var ids []string
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		if n.Shape() == "Mdiamond" || n.Shape() == "circle" || strings.EqualFold(id, "start") {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("pipeline must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintExitNode(g *model.Graph) []Diagnostic {
	var ids []string
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		if n.Shape() == "Msquare" || n.Shape() == "doublecircle" || strings.EqualFold(id, "exit") || strings.EqualFold(id, "end") {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Diagnostic{{
			Rule:     "terminal_node",
			Severity: SeverityError,
			Message:  "pipeline must have at least one exit node (found 0)",
		}}
	}
	return nil
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing from-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_target_exists",
				Severity: SeverityError,
				Message:  "edge references missing to-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func findStartNodeID(g *model.Graph) string {
	for id, n := range g.Nodes {
		if n != nil && (n.Shape() == "Mdiamond" || n.Shape() == "circle") {
			return id
		}
	}
	for id := range g.Nodes {
		if strings.EqualFold(id, "start") {
			return id
		}
	}
	return ""
}

func findAllExitNodeIDs(g *model.Graph) []string {
	var ids []string
	seen := map[string]bool{}
	for id, n := range g.Nodes {
		if n != nil && (n.Shape() == "Msquare" || n.Shape() == "doublecircle") {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}
	for id := range g.Nodes {
		if (strings.EqualFold(id, "exit") || strings.EqualFold(id, "end")) && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	start := findStartNodeID(g)
	if start == "" {
		return nil
	}
	if len(g.Incoming(start)) > 0 {
		return []Diagnostic{{
			Rule:     "start_no_incoming",
			Severity: SeverityError,
			Message:  "start node must have no incoming edges",
			NodeID:   start,
		}}
	}
	return nil
}

func lintExitNoOutgoing(g *model.Graph) []Diagnostic {
	exitIDs := findAllExitNodeIDs(g)
	if len(exitIDs) == 0 {
		return nil
	}
	var diags []Diagnostic
	for _, exit := range exitIDs {
		if len(g.Outgoing(exit)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     "exit_no_outgoing",
				Severity: SeverityError,
				Message:  "exit node must have no outgoing edges",
				NodeID:   exit,
			})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	start := findStartNodeID(g)
	if start == "" {
		return nil
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if e == nil {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	var diags []Diagnostic
	for id := range g.Nodes {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityError,
				Message:  "node is not reachable from start",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintFidelityValid(g *model.Graph) []Diagnostic {
	valid := map[string]bool{
		"full":           true,
		"truncate":       true,
		"compact":        true,
		"summary:low":    true,
		"summary:medium": true,
		"summary:high":   true,
	}
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		if f := strings.TrimSpace(n.Attr("fidelity", "")); f != "" && !valid[f] {
			diags = append(diags, Diagnostic{
				Rule:     "fidelity_valid",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("invalid fidelity value %q", f),
				NodeID:   id,
			})
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if f := strings.TrimSpace(e.Attr("fidelity", "")); f != "" && !valid[f] {
			diags = append(diags, Diagnostic{
				Rule:     "fidelity_valid",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("invalid fidelity value %q", f),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintRetryTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		for _, k := range []string{"retry_target", "fallback_retry_target"} {
			t := strings.TrimSpace(n.Attr(k, ""))
			if t == "" {
				continue
			}
			if _, ok := g.Nodes[t]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "retry_target_exists",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%s references missing node %q", k, t),
					NodeID:   id,
				})
			}
		}
	}
	return diags
}

func lintGoalGateHasRetry(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		if strings.EqualFold(n.Attr("goal_gate", "false"), "true") {
			if strings.TrimSpace(n.Attr("retry_target", "")) == "" && strings.TrimSpace(n.Attr("fallback_retry_target", "")) == "" &&
				strings.TrimSpace(g.Attrs["retry_target"]) == "" && strings.TrimSpace(g.Attrs["fallback_retry_target"]) == "" {
				diags = append(diags, Diagnostic{
					Rule:     "goal_gate_has_retry",
					Severity: SeverityWarning,
					Message:  "goal_gate node has no retry_target/fallback_retry_target (node or graph)",
					NodeID:   id,
				})
			}
		}
	}
	return diags
}

func lintPromptOnCodergenNodes(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		// Best-effort: default handler is codergen for shape box.
		if n.Shape() != "box" {
			continue
		}
		if strings.TrimSpace(n.Prompt()) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "prompt_on_llm_nodes",
				Severity: SeverityWarning,
				Message:  "codergen node has empty prompt (label will be used)",
				NodeID:   id,
			})
		}
	}
	return diags
}

// TypeKnownRule is an optional extra rule (not part of the closed built-in
// set) that warns when a node's explicit type override is not in the set of
// known handler types. The known types are provided at construction time so
// the validate package does not depend on the engine's handler registry.
type TypeKnownRule struct {
	KnownTypes map[string]bool
}

func NewTypeKnownRule(knownTypes []string) *TypeKnownRule {
	m := make(map[string]bool, len(knownTypes))
	for _, t := range knownTypes {
		m[t] = true
	}
	return &TypeKnownRule{KnownTypes: m}
}

func (r *TypeKnownRule) Name() string { return "type_known" }

func (r *TypeKnownRule) Apply(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil {
			continue
		}
		t := strings.TrimSpace(n.Attr("type", ""))
		if t == "" {
			continue
		}
		if !r.KnownTypes[t] {
			diags = append(diags, Diagnostic{
				Rule:     "type_known",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node type %q is not recognized by the handler registry", t),
				NodeID:   id,
			})
		}
	}
	return diags
}
