// Package engine executes a parsed pipeline graph (package model) to
// completion: resolving each node to a handler, applying retry/backoff and
// fidelity-aware preambles, selecting the next edge via the five-step
// cascade, and persisting a resumable checkpoint after every step.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/kilroy/internal/attractor/eventsink"
	"github.com/danshapiro/kilroy/internal/attractor/fidelity"
	"github.com/danshapiro/kilroy/internal/attractor/model"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
	"github.com/danshapiro/kilroy/internal/attractor/validate"
)

// Engine executes one parsed pipeline graph against a registry of handlers
// and an event sink. It owns no collaborators directly — those are wired
// into the registry's handlers (spec §6.1) — but does own the single-
// threaded traversal state: current node, completed-nodes log, per-node
// retry counts, and the context store (spec §4.6).
type Engine struct {
	Graph    *model.Graph
	Registry *HandlerRegistry
	Sink     runtime.Sink
	RunID    string

	// LogsRoot, when non-empty, is the directory checkpoint.json is written
	// to after every step.
	LogsRoot string

	// CommitCheckpoint, when set, is called with a commit message after
	// every checkpoint write; the optional git-backed checkpoint recorder
	// (see gitutil) is wired in through this hook rather than a hard
	// dependency, keeping git entirely opt-in (spec carries no git
	// requirement).
	CommitCheckpoint func(message string) (sha string, err error)

	// MaxSteps bounds the main loop as a circuit breaker; 0 means unlimited.
	MaxSteps int

	// LiveContext points at the run's in-flight context for the duration of
	// Run, letting a caller (internal/server's SSE/context-inspection
	// endpoints) read a consistent snapshot of pipeline state while a run
	// is still in progress. Safe for concurrent reads: runtime.Context
	// guards its own fields with a mutex.
	LiveContext *runtime.Context

	now func() time.Time
}

// NewEngine returns an Engine wired with the default handler registry.
// deps.BranchRunner defaults to the engine's own sub-traversal runner if
// left nil, so callers normally don't set it themselves.
func NewEngine(g *model.Graph, sink runtime.Sink, runID string, deps HandlerDeps) *Engine {
	if sink == nil {
		sink = eventsink.NewMemory()
	}
	eng := &Engine{Graph: g, Sink: sink, RunID: runID, now: time.Now}
	if deps.BranchRunner == nil {
		deps.BranchRunner = eng.runBranch
	}
	eng.Registry = NewDefaultRegistry(deps)
	return eng
}

// expandGoal substitutes $goal tokens in every node's prompt with the
// graph's goal attribute (spec §6.2), run once before validation.
func expandGoal(g *model.Graph) {
	if g == nil {
		return
	}
	goal := g.Attrs["goal"]
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if p, ok := n.Attrs["prompt"]; ok && strings.Contains(p, "$goal") {
			n.Attrs["prompt"] = strings.ReplaceAll(p, "$goal", goal)
		}
	}
}

// Prepare applies the built-in goal-expansion transform plus any extra
// transforms, then validates the graph (spec §4.6 "Initialization"),
// returning the full diagnostic set and erroring if any diagnostic is
// ERROR severity.
func Prepare(g *model.Graph, extra *TransformRegistry) ([]validate.Diagnostic, error) {
	if g == nil {
		return nil, fmt.Errorf("engine: graph is nil")
	}
	reg := NewTransformRegistry()
	reg.Register(goalExpansionTransform{})
	if extra != nil {
		for _, t := range extra.List() {
			reg.Register(t)
		}
	}
	for _, t := range reg.List() {
		if err := t.Apply(g); err != nil {
			return nil, fmt.Errorf("engine: transform %s: %w", t.ID(), err)
		}
	}
	diags := validate.Validate(g, validate.NewTypeKnownRule(knownHandlerTypes))
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			return diags, fmt.Errorf("engine: validation failed: %s: %s", d.Rule, d.Message)
		}
	}
	return diags, nil
}

// RunOptions configures a single Run call.
type RunOptions struct {
	// Resume, when non-nil, restores context/completed-nodes/retry-counts
	// from a prior checkpoint and resumes from the successor of its
	// current_node, resolved through the same edge selector against the
	// last recorded outcome for that node (spec §4.6 "Initialization").
	Resume *runtime.Checkpoint
}

// runState is the traversal's owned mutable state (spec §4.6).
type runState struct {
	ctx             *runtime.Context
	completed       []string
	nodeRetries     map[string]int
	nodeVisits      map[string]int
	signatureCounts map[string]int

	// incomingEdge is the edge actually traversed to reach the node currently
	// being processed, or nil for the start node (or any node reached other
	// than by following a graph edge, e.g. a goal-gate retry jump). Used for
	// fidelity/thread-id resolution (spec §4.4 item (1): "the traversed
	// edge's fidelity"), not an arbitrary declared incoming edge.
	incomingEdge *model.Edge
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Engine) emit(kind runtime.EventKind, nodeID string, data map[string]any) {
	if e.Sink == nil {
		return
	}
	ev := runtime.NewEvent(kind, e.clock())
	ev.RunID = e.RunID
	ev.NodeID = nodeID
	if data != nil {
		ev.Data = data
	}
	e.Sink.Emit(ev)
}

func seedContext(ctx *runtime.Context, g *model.Graph) {
	goal := g.Attrs["goal"]
	ctx.Set("pipeline.name", g.Name)
	ctx.Set("pipeline.goal", goal)
	ctx.Set("goal", goal)
}

// Run executes the graph from its start node (or a resumed node) to
// completion, returning the final outcome and the last checkpoint taken.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*runtime.FinalOutcome, *runtime.Checkpoint, error) {
	st := &runState{
		ctx:             runtime.NewContext(),
		nodeRetries:     map[string]int{},
		nodeVisits:      map[string]int{},
		signatureCounts: map[string]int{},
	}
	seedContext(st.ctx, e.Graph)
	e.LiveContext = st.ctx

	current := findStartNodeID(e.Graph)
	if current == "" {
		return nil, nil, fmt.Errorf("engine: graph has no start node")
	}
	outcomeOf := map[string]runtime.Outcome{}

	if opts.Resume != nil {
		cp := opts.Resume
		st.ctx.ReplaceSnapshot(cp.ContextValues, cp.Logs)
		st.completed = append([]string{}, cp.CompletedNodes...)
		for k, v := range cp.NodeRetries {
			st.nodeRetries[k] = v
		}
		lastStatus, _ := st.ctx.Get("outcome")
		lastOut := runtime.Outcome{}
		if s, ok := lastStatus.(string); ok {
			lastOut.Status = runtime.StageStatus(s)
		}
		if label, ok := st.ctx.Get("preferred_label"); ok {
			if s, ok := label.(string); ok {
				lastOut.PreferredLabel = s
			}
		}
		failureClass := classifyFailureClass(lastOut)
		next, err := resolveNextHop(e.Graph, cp.CurrentNode, lastOut, st.ctx, failureClass)
		if err == nil && next != nil {
			current = next.Edge.To
			st.incomingEdge = next.Edge
		} else {
			current = cp.CurrentNode
		}
	}

	e.emit(runtime.EventPipelineStart, current, map[string]any{"start_node": current})

	finalize := func(fo *runtime.FinalOutcome) (*runtime.FinalOutcome, *runtime.Checkpoint, error) {
		e.emit(runtime.EventPipelineFinalize, fo.FailedNodeID, map[string]any{"status": string(fo.Status)})
		cp := e.buildCheckpoint(st, current)
		return fo, cp, nil
	}

	fail := func(nodeID, reason string) (*runtime.FinalOutcome, *runtime.Checkpoint, error) {
		return finalize(&runtime.FinalOutcome{
			Timestamp:      e.clock(),
			Status:         runtime.FinalFail,
			RunID:          e.RunID,
			FailedNodeID:   nodeID,
			FailureReason:  reason,
			CompletedNodes: st.completed,
		})
	}

	steps := 0
	for {
		for {
			if err := ctx.Err(); err != nil {
				return fail(current, "canceled")
			}
			steps++
			if e.MaxSteps > 0 && steps > e.MaxSteps {
				return fail(current, "step limit exceeded")
			}
			n := e.Graph.Nodes[current]
			if n == nil {
				return fail(current, fmt.Sprintf("node %q not found", current))
			}
			typ, handler, ok := e.Registry.Resolve(n)
			if !ok {
				return fail(current, fmt.Sprintf("no handler registered for type %q", typ))
			}

			out := e.executeWithRetry(ctx, st, n, handler, typ)
			st.ctx.ApplyUpdates(out.ContextUpdates)
			st.ctx.Set("outcome", string(out.Status))
			if out.PreferredLabel != "" {
				st.ctx.Set("preferred_label", out.PreferredLabel)
			}
			outcomeOf[current] = out
			st.completed = append(st.completed, current)
			e.emit(runtime.EventNodeComplete, current, map[string]any{"status": string(out.Status)})

			if typ == "exit" {
				e.checkpointNow(st, current)
				break
			}

			failureClass := classifyFailureClass(out)
			next, err := resolveNextHop(e.Graph, current, out, st.ctx, failureClass)
			if err != nil {
				return fail(current, err.Error())
			}
			if next == nil {
				if out.Status == runtime.StatusFail || out.Status == runtime.StatusRetry {
					reason := out.FailureReason
					if reason == "" {
						reason = fmt.Sprintf("no outgoing edge matched status %q", out.Status)
					}
					return fail(current, reason)
				}
				return fail(current, "no outgoing edge from non-exit node")
			}

			if parseBool(next.Edge.Attr("loop_restart", "false"), false) {
				e.emit(runtime.EventLoopRestart, current, map[string]any{"target": next.Edge.To})
				e.applyLoopRestart(st)
			}

			current = next.Edge.To
			st.incomingEdge = next.Edge
			e.checkpointNow(st, current)

			st.nodeVisits[current]++
			if limit := maxNodeVisits(e.Graph); limit > 0 && st.nodeVisits[current] > limit {
				return fail(current, "max_node_visits exceeded")
			}
		}

		target, gateNodeID, gateFailed := e.firstFailingGoalGate(e.Graph, outcomeOf)
		if gateFailed && target == "" {
			return fail(gateNodeID, "goal gate failed with no resolvable retry target")
		}
		if target != "" {
			e.emit(runtime.EventGoalGateRetry, gateNodeID, map[string]any{"target": target})
			current = target
			st.incomingEdge = nil
			continue
		}

		fo := &runtime.FinalOutcome{
			Timestamp:      e.clock(),
			Status:         runtime.FinalSuccess,
			RunID:          e.RunID,
			CompletedNodes: st.completed,
		}
		e.emit(runtime.EventPipelineComplete, "", nil)
		return finalize(fo)
	}
}

// applyLoopRestart clears the context (re-seeding pipeline.name/goal and any
// explicitly persisted keys), the completed-nodes log, and retry counts.
func (e *Engine) applyLoopRestart(st *runState) {
	persistKeys := loopRestartPersistKeyNames(e.Graph)
	preserved := map[string]any{}
	for _, k := range persistKeys {
		if v, ok := st.ctx.Get(k); ok {
			preserved[k] = v
		}
	}
	st.ctx = runtime.NewContext()
	seedContext(st.ctx, e.Graph)
	for k, v := range preserved {
		st.ctx.Set(k, v)
	}
	st.completed = nil
	st.nodeRetries = map[string]int{}
}

// firstFailingGoalGate walks goal-gated nodes in declaration order and
// returns the retry target for the first one whose last recorded outcome is
// not a success. gateFailed is true and target is "" when a gate fails with
// no resolvable retry target.
func (e *Engine) firstFailingGoalGate(g *model.Graph, outcomeOf map[string]runtime.Outcome) (target, gateNodeID string, gateFailed bool) {
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if n == nil || !parseBool(n.Attr("goal_gate", "false"), false) {
			continue
		}
		out, ok := outcomeOf[id]
		if ok && (out.Status == runtime.StatusSuccess || out.Status == runtime.StatusPartialSuccess) {
			continue
		}
		t := resolveRetryTarget(g, id)
		if t == "" {
			t = strings.TrimSpace(g.Attrs["retry_target"])
		}
		if t == "" {
			t = strings.TrimSpace(g.Attrs["fallback_retry_target"])
		}
		if t == "" {
			return "", id, true
		}
		return t, id, false
	}
	return "", "", false
}

// executeWithRetry implements spec §4.6 main-step items 2-4: resolve
// max-retries, compute the preamble, call the handler, and retry a RETRY
// outcome whose failure class is retryable, up to the resolved limit. A
// handler that panics or times out yields a FAIL outcome, which is returned
// without a retry.
func (e *Engine) executeWithRetry(ctx context.Context, st *runState, n *model.Node, h Handler, typ string) runtime.Outcome {
	maxRetries := parseInt(n.Attr("max_retries", ""), 0)
	if maxRetries <= 0 {
		maxRetries = parseInt(e.Graph.Attrs["default_max_retry"], 0)
	}
	allowPartial := parseBool(n.Attr("allow_partial", "false"), false)
	skipRetry := false
	if sr, ok := h.(SkipRetryer); ok {
		skipRetry = sr.SkipRetry()
	}

	mode, _ := fidelity.ResolveFidelityAndThread(e.Graph, st.incomingEdge, n)

	timeout := time.Duration(parseInt(n.Attr("timeout", ""), 0)) * time.Second

	e.emit(runtime.EventNodeStart, n.ID, map[string]any{"type": typ})

	attempt := 0
	var out runtime.Outcome
	for {
		preamble := fidelity.BuildPreamble(fidelity.PreambleInput{
			Mode:      mode,
			RunID:     e.RunID,
			Goal:      e.Graph.Attrs["goal"],
			PrevNode:  lastCompleted(st.completed),
			Completed: completedStages(st.completed, n.ID),
			Ctx:       st.ctx,
		})
		out = e.invokeHandler(ctx, h, Execution{Node: n, Graph: e.Graph, Context: st.ctx, Preamble: preamble, RunID: e.RunID}, timeout)
		if co, err := out.Canonicalize(); err == nil {
			out = co
		}

		if skipRetry || (out.Status != runtime.StatusRetry && out.Status != runtime.StatusFail) {
			break
		}

		failureClass := classifyFailureClass(out)
		if out.Status == runtime.StatusRetry && shouldRetryOutcome(out, failureClass) && attempt < maxRetries {
			attempt++
			st.nodeRetries[n.ID] = attempt
			e.emit(runtime.EventNodeRetry, n.ID, map[string]any{"attempt": attempt, "reason": out.FailureReason})
			delay := backoffDelayForNode(e.RunID, e.Graph, n, attempt)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
				}
			}
			continue
		}

		if out.Status == runtime.StatusRetry {
			if allowPartial {
				out.Status = runtime.StatusPartialSuccess
			} else {
				out.Status = runtime.StatusFail
				if strings.TrimSpace(out.FailureReason) == "" {
					out.FailureReason = "retry exhausted"
				}
			}
		}
		break
	}
	return out
}

// invokeHandler calls h.Execute with panic recovery and an optional
// per-node timeout, matching spec §5's "exceeding the timeout signals
// cancellation and surfaces as a FAIL with failure_reason=timeout".
func (e *Engine) invokeHandler(ctx context.Context, h Handler, exec Execution, timeout time.Duration) runtime.Outcome {
	hctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan runtime.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("handler panic: %v", r)}
			}
		}()
		done <- h.Execute(hctx, exec)
	}()
	select {
	case out := <-done:
		return out
	case <-hctx.Done():
		if hctx.Err() == context.DeadlineExceeded {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "timeout"}
		}
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "canceled"}
	}
}

// runBranch is the default BranchRunner: it runs an independent sub-
// traversal of the graph starting at startNodeID, against its own isolated
// context, stopping the first time it would enter a parallel.fan_in node,
// an exit node, or hits an unroutable failure (spec §4.7).
func (e *Engine) runBranch(ctx context.Context, startNodeID string, branchCtx *runtime.Context) runtime.Outcome {
	current := startNodeID
	nodeRetries := map[string]int{}
	st := &runState{ctx: branchCtx, nodeRetries: nodeRetries}
	var lastOut runtime.Outcome
	steps := 0
	for {
		steps++
		if e.MaxSteps > 0 && steps > e.MaxSteps {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "branch step limit exceeded"}
		}
		select {
		case <-ctx.Done():
			return runtime.Outcome{Status: runtime.StatusSkipped, Notes: "branch canceled"}
		default:
		}
		n := e.Graph.Nodes[current]
		if n == nil {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("branch: node %q not found", current)}
		}
		typ, handler, ok := e.Registry.Resolve(n)
		if !ok {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("branch: no handler for type %q", typ)}
		}
		if typ == "parallel.fan_in" || typ == "exit" {
			return lastOut
		}

		out := e.executeWithRetry(ctx, st, n, handler, typ)
		branchCtx.ApplyUpdates(out.ContextUpdates)
		branchCtx.Set("outcome", string(out.Status))
		if out.PreferredLabel != "" {
			branchCtx.Set("preferred_label", out.PreferredLabel)
		}
		lastOut = out

		failureClass := classifyFailureClass(out)
		next, err := resolveNextHop(e.Graph, current, out, branchCtx, failureClass)
		if err != nil || next == nil {
			return lastOut
		}
		current = next.Edge.To
		st.incomingEdge = next.Edge
	}
}

func lastCompleted(completed []string) string {
	if len(completed) == 0 {
		return ""
	}
	return completed[len(completed)-1]
}

func completedStages(completed []string, upToExclusive string) []fidelity.Stage {
	out := make([]fidelity.Stage, 0, len(completed))
	for _, id := range completed {
		if id == upToExclusive {
			continue
		}
		out = append(out, fidelity.Stage{NodeID: id})
	}
	return out
}

func (e *Engine) buildCheckpoint(st *runState, current string) *runtime.Checkpoint {
	cp := runtime.NewCheckpoint()
	cp.Timestamp = e.clock()
	cp.CurrentNode = current
	cp.CompletedNodes = append([]string{}, st.completed...)
	for k, v := range st.nodeRetries {
		cp.NodeRetries[k] = v
	}
	cp.ContextValues = st.ctx.SnapshotValues()
	cp.Logs = st.ctx.SnapshotLogs()
	return cp
}

// checkpointNow persists a checkpoint (spec §4.6 main-step item 8) when
// LogsRoot is configured, optionally committing it to git via
// CommitCheckpoint.
func (e *Engine) checkpointNow(st *runState, current string) {
	if strings.TrimSpace(e.LogsRoot) == "" {
		return
	}
	cp := e.buildCheckpoint(st, current)
	if err := cp.Save(filepath.Join(e.LogsRoot, "checkpoint.json")); err != nil {
		return
	}
	if e.CommitCheckpoint != nil {
		if sha, err := e.CommitCheckpoint(fmt.Sprintf("checkpoint: %s", current)); err == nil {
			cp.GitCommitSHA = sha
			_ = cp.Save(filepath.Join(e.LogsRoot, "checkpoint.json"))
		}
	}
}
