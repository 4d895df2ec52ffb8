package engine

import (
	"strconv"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/model"
)

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// findStartNodeID returns the id of the node whose resolved type is "start",
// in declaration order, or "" if the graph has none.
func findStartNodeID(g *model.Graph) string {
	if g == nil {
		return ""
	}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		typ := strings.TrimSpace(n.TypeOverride())
		if typ == "" {
			typ = shapeToType(n.Shape())
		}
		if typ == "start" {
			return id
		}
	}
	return ""
}

// stripAccelerator removes one leading accelerator prefix of form "[X] ",
// "X) ", or "X - ", exposing the underlying label text.
func stripAccelerator(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2 && s[0] == '[' {
		if idx := strings.Index(s, "] "); idx > 0 && idx < 5 {
			return strings.TrimSpace(s[idx+2:])
		}
	}
	if len(s) > 2 {
		if s[1] == ')' && s[2] == ' ' {
			return strings.TrimSpace(s[3:])
		}
		if strings.HasPrefix(s[1:], " - ") {
			return strings.TrimSpace(s[4:])
		}
	}
	return s
}

// acceleratorKey extracts the shortcut key from one of the prefixes
// stripAccelerator recognizes, if present.
func acceleratorKey(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && s[0] == '[' {
		if idx := strings.Index(s, "] "); idx > 0 && idx < 5 {
			return s[1:idx], true
		}
	}
	if len(s) > 2 {
		if s[1] == ')' && s[2] == ' ' {
			return s[0:1], true
		}
		if strings.HasPrefix(s[1:], " - ") {
			return s[0:1], true
		}
	}
	return "", false
}

// normalizeLabel strips one accelerator prefix, lowercases, and collapses
// whitespace, per spec §4.6.1's preferred-label match normalization.
func normalizeLabel(label string) string {
	s := strings.ToLower(stripAccelerator(label))
	return strings.Join(strings.Fields(s), " ")
}

func truncateResponse(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
