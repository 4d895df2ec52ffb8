package engine

import (
	"strconv"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/cond"
	"github.com/danshapiro/kilroy/internal/attractor/model"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

func edgeWeight(e *model.Edge) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(e.Attr("weight", "0")), 64)
	if err != nil {
		return 0
	}
	return f
}

// bestEdge picks the highest-weight edge of edges, breaking ties by target
// id ascending. edges must be non-empty.
func bestEdge(edges []*model.Edge) *model.Edge {
	if len(edges) == 0 {
		return nil
	}
	best := edges[0]
	for _, e := range edges[1:] {
		switch {
		case edgeWeight(e) > edgeWeight(best):
			best = e
		case edgeWeight(e) == edgeWeight(best) && e.To < best.To:
			best = e
		}
	}
	return best
}

// selectNextEdge implements spec §4.6.1's five-step edge selection cascade.
// The first step yielding one or more candidates supplies the winner.
func selectNextEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}

	var condMatched []*model.Edge
	for _, e := range edges {
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, out, ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			condMatched = append(condMatched, e)
		}
	}
	if len(condMatched) > 0 {
		return bestEdge(condMatched), nil
	}

	if strings.TrimSpace(out.PreferredLabel) != "" {
		want := normalizeLabel(out.PreferredLabel)
		var labelMatched []*model.Edge
		for _, e := range edges {
			if normalizeLabel(e.Label()) == want {
				labelMatched = append(labelMatched, e)
			}
		}
		if len(labelMatched) > 0 {
			return bestEdge(labelMatched), nil
		}
	}

	for _, id := range out.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == id {
				return e, nil
			}
		}
	}

	var unconditional []*model.Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition()) == "" {
			unconditional = append(unconditional, e)
		}
	}
	if len(unconditional) > 0 {
		return bestEdge(unconditional), nil
	}

	// A FAIL outcome routes only through a condition, preferred label,
	// suggestion or unconditional edge; with none of those it has no next edge.
	if out.Status == runtime.StatusFail {
		return nil, nil
	}

	return bestEdge(edges), nil
}
