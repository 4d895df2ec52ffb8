package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/parallel"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// BranchRunner runs one fan-out branch's sub-traversal: starting at the
// branch's node id, against its isolated context clone, until the
// sub-traversal reaches a parallel.fan_in node, an exit node, or an
// unroutable failure (spec §4.7). The engine supplies this at construction
// time since only it knows how to run a sub-traversal of the graph.
type BranchRunner func(ctx context.Context, branchNodeID string, branchCtx *runtime.Context) runtime.Outcome

// ParallelHandler fans a node's outgoing edges out into concurrent branch
// sub-traversals through parallel.FanOut, each branch running on its own
// runtime.Context.Clone of the node's context.
type ParallelHandler struct {
	Run                BranchRunner
	MaxParallelDefault int
}

func (h *ParallelHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	if h.Run == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel: no branch runner configured"}
	}
	edges := exec.Graph.Outgoing(exec.Node.ID)
	if len(edges) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel node has no outgoing edges"}
	}
	branches := make([]parallel.Branch, 0, len(edges))
	for _, e := range edges {
		branches = append(branches, parallel.Branch{ID: e.To, Context: exec.Context.Clone()})
	}
	cfg := parallel.Config{
		MaxParallel: parseInt(exec.Node.Attr("extra.max_parallel", ""), h.maxParallelDefault()),
		Join:        parallel.JoinPolicy(strings.TrimSpace(exec.Node.Attr("extra.join_policy", "wait_all"))),
		K:           parseInt(exec.Node.Attr("extra.k", ""), 0),
		Error:       parallel.ErrorPolicy(strings.TrimSpace(exec.Node.Attr("extra.error_policy", "continue"))),
	}
	runner := h.Run
	results, out := parallel.FanOut(ctx, branches, cfg, func(bctx context.Context, b parallel.Branch) runtime.Outcome {
		return runner(bctx, b.ID, b.Context)
	})
	summary, err := json.Marshal(results)
	if out.ContextUpdates == nil {
		out.ContextUpdates = map[string]any{}
	}
	if err == nil {
		out.ContextUpdates["parallel.results"] = string(summary)
	}
	return out
}

func (h *ParallelHandler) maxParallelDefault() int {
	if h.MaxParallelDefault > 0 {
		return h.MaxParallelDefault
	}
	return 4
}

// FanInHandler reads parallel.results written by the matching fan-out node,
// ranks branch records per spec §4.7's (success_class, score_desc, id_asc)
// tuple (package parallel.Winner), and surfaces the winner.
type FanInHandler struct{}

func (h *FanInHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	raw, _ := exec.Context.Get("parallel.results")
	s, _ := raw.(string)
	if strings.TrimSpace(s) == "" {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel.fan_in: no parallel.results in context"}
	}
	var results []parallel.Result
	if err := json.Unmarshal([]byte(s), &results); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("parallel.fan_in: decode parallel.results: %v", err)}
	}
	best, ok := parallel.Winner(results)
	if !ok {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel.fan_in: no branch results to rank"}
	}
	status := runtime.StatusSuccess
	if best.Outcome.Status == runtime.StatusPartialSuccess {
		status = runtime.StatusPartialSuccess
	}
	return runtime.Outcome{
		Status: status,
		ContextUpdates: map[string]any{
			"parallel.fan_in.best_id":      best.BranchID,
			"parallel.fan_in.best_outcome": string(best.Outcome.Status),
		},
	}
}
