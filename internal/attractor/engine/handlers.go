package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/kilroy/internal/attractor/backend"
	"github.com/danshapiro/kilroy/internal/attractor/interview"
	"github.com/danshapiro/kilroy/internal/attractor/model"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
	"github.com/danshapiro/kilroy/internal/attractor/toolrunner"
)

// Execution bundles everything a Handler needs to act on one node: the node
// and graph it belongs to, the shared context handle, the fidelity-resolved
// preamble for this step, and the run id for logging/correlation.
type Execution struct {
	Node     *model.Node
	Graph    *model.Graph
	Context  *runtime.Context
	Preamble string
	RunID    string
}

// Handler is the single operation every node-type implementation exposes
// (spec §4.5): given a node (via Execution) and a cancellation signal,
// produce an Outcome. The engine wraps every invocation with retry, timeout,
// and event emission.
type Handler interface {
	Execute(ctx context.Context, exec Execution) runtime.Outcome
}

// SkipRetryer is an optional marker interface: a handler that implements it
// and returns true executes exactly once regardless of outcome status. Only
// ConditionalHandler needs this — its outcome is always SUCCESS and retrying
// it would be meaningless busywork.
type SkipRetryer interface {
	SkipRetry() bool
}

// shapeTypeTable is the fixed shape-to-type dispatch table spec §4.5 names.
var shapeTypeTable = map[string]string{
	"Mdiamond":      "start",
	"Msquare":       "exit",
	"box":           "codergen",
	"hexagon":       "wait.human",
	"diamond":       "conditional",
	"component":     "parallel",
	"tripleoctagon": "parallel.fan_in",
	"parallelogram": "tool",
	"house":         "stack.manager_loop",
}

// shapeToType maps a DOT shape to its default handler type; unrecognized
// shapes default to codergen, since box is the common case.
func shapeToType(shape string) string {
	if t, ok := shapeTypeTable[shape]; ok {
		return t
	}
	return "codergen"
}

// knownHandlerTypes lists every type the default registry resolves, used to
// build validate.NewTypeKnownRule without validate depending on engine.
var knownHandlerTypes = []string{
	"start", "exit", "codergen", "wait.human", "conditional",
	"parallel", "parallel.fan_in", "tool", "stack.manager_loop",
}

// HandlerRegistry resolves a node's type attribute (or its shape-derived
// default) to the Handler responsible for executing it.
type HandlerRegistry struct {
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

func (r *HandlerRegistry) Register(typ string, h Handler) {
	if r == nil || h == nil || strings.TrimSpace(typ) == "" {
		return
	}
	r.handlers[typ] = h
}

func (r *HandlerRegistry) KnownTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Resolve returns the node's effective type and its handler, in that order.
func (r *HandlerRegistry) Resolve(n *model.Node) (string, Handler, bool) {
	typ := strings.TrimSpace(n.TypeOverride())
	if typ == "" {
		typ = shapeToType(n.Shape())
	}
	h, ok := r.handlers[typ]
	return typ, h, ok
}

// HandlerDeps are the injected collaborators (spec §6.1) the default
// registry wires its handlers against.
type HandlerDeps struct {
	Backend           backend.Backend
	Interviewer       interview.Interviewer
	ToolRunner        toolrunner.ToolRunner
	BranchRunner      BranchRunner
	SubPipelineRunner SubPipelineRunner

	MaxParallelDefault int
}

// NewDefaultRegistry builds the nine built-in handlers described in spec
// §4.5, wired against deps.
func NewDefaultRegistry(deps HandlerDeps) *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register("start", &StartHandler{})
	r.Register("exit", &ExitHandler{})
	r.Register("conditional", &ConditionalHandler{})
	r.Register("codergen", &CodergenHandler{Backend: deps.Backend})
	r.Register("wait.human", &WaitHumanHandler{Interviewer: deps.Interviewer})
	r.Register("tool", &ToolHandler{Runner: deps.ToolRunner})
	r.Register("parallel", &ParallelHandler{Run: deps.BranchRunner, MaxParallelDefault: deps.MaxParallelDefault})
	r.Register("parallel.fan_in", &FanInHandler{})
	r.Register("stack.manager_loop", &ManagerLoopHandler{Run: deps.SubPipelineRunner})
	return r
}

// StartHandler is a no-op that always succeeds.
type StartHandler struct{}

func (h *StartHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	return runtime.Outcome{Status: runtime.StatusSuccess}
}

// ExitHandler is the terminal marker; the execution loop performs goal-gate
// checks after it returns.
type ExitHandler struct{}

func (h *ExitHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	return runtime.Outcome{Status: runtime.StatusSuccess}
}

// ConditionalHandler is a no-op; the real work is the engine's edge
// selector evaluating the node's outgoing conditions.
type ConditionalHandler struct{}

func (h *ConditionalHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	return runtime.Outcome{Status: runtime.StatusSuccess}
}

func (h *ConditionalHandler) SkipRetry() bool { return true }

// CodergenHandler expands the node's prompt, delegates to the injected
// generative backend, and augments the result with last_stage/last_response.
type CodergenHandler struct {
	Backend backend.Backend
}

func (h *CodergenHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	if h.Backend == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "codergen: no backend configured"}
	}
	prompt := exec.Node.Prompt()
	if prompt == "" {
		prompt = exec.Node.Label()
	}
	full := prompt
	if strings.TrimSpace(exec.Preamble) != "" {
		full = exec.Preamble + "\n\n" + prompt
	}
	resp, out, err := h.Backend.Run(ctx, exec.Node.ID, full)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: err.Error()}
	}
	result := runtime.Outcome{Status: runtime.StatusSuccess}
	if out != nil {
		result = *out
	}
	if result.ContextUpdates == nil {
		result.ContextUpdates = map[string]any{}
	}
	result.ContextUpdates["last_stage"] = exec.Node.ID
	result.ContextUpdates["last_response"] = truncateResponse(resp, 2000)
	return result
}

// WaitHumanHandler derives a question and multiple-choice options from the
// node and its outgoing edges, delegates to the injected Interviewer, and
// maps the answer back onto an edge label.
type WaitHumanHandler struct {
	Interviewer interview.Interviewer
}

func (h *WaitHumanHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	if h.Interviewer == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "wait.human: no interviewer configured"}
	}
	edges := exec.Graph.Outgoing(exec.Node.ID)
	options := make([]interview.Option, 0, len(edges))
	for _, e := range edges {
		label := e.Label()
		text := stripAccelerator(label)
		if text == "" {
			text = e.To
		}
		key, ok := acceleratorKey(label)
		if !ok {
			key = text
		}
		options = append(options, interview.Option{Key: key, Label: text, To: e.To})
	}
	q := interview.Question{
		Stage:   exec.Node.ID,
		Text:    exec.Node.Prompt(),
		Type:    interview.QuestionMultipleChoice,
		Options: options,
	}
	if len(options) == 0 {
		q.Type = interview.QuestionFreeform
	}
	ans := h.Interviewer.Ask(q)
	for _, o := range options {
		if ans.Value != "" && (o.Key == ans.Value || o.To == ans.Value) {
			return runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: o.Label}
		}
	}
	if strings.TrimSpace(ans.Text) != "" {
		return runtime.Outcome{Status: runtime.StatusSuccess, ContextUpdates: map[string]any{"human.response": ans.Text}}
	}
	if def := strings.TrimSpace(exec.Node.Attr("human.default_choice", "")); def != "" {
		return runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: def}
	}
	return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "wait.human: no matching answer for any outgoing edge"}
}

// ToolHandler resolves the node's shell command and runs it via the
// injected ToolRunner.
type ToolHandler struct {
	Runner toolrunner.ToolRunner
}

func (h *ToolHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	if h.Runner == nil {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "tool: no tool runner configured"}
	}
	cmdStr := strings.TrimSpace(exec.Node.Attr("extra.tool_command", ""))
	if cmdStr == "" {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "tool: extra.tool_command is empty"}
	}
	timeout := time.Duration(parseInt(exec.Node.Attr("timeout", ""), 30)) * time.Second
	stdout, stderr, exitCode, err := h.Runner.Exec(ctx, cmdStr, timeout)
	updates := map[string]any{
		"tool.output":    stdout,
		"tool.stderr":    stderr,
		"tool.exit_code": exitCode,
	}
	if err == context.DeadlineExceeded {
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "timeout", ContextUpdates: updates}
	}
	if exitCode != 0 {
		return runtime.Outcome{
			Status:        runtime.StatusFail,
			FailureReason: fmt.Sprintf("tool exited with code %d: %s", exitCode, strings.TrimSpace(stderr)),
			ContextUpdates: updates,
		}
	}
	return runtime.Outcome{Status: runtime.StatusSuccess, ContextUpdates: updates}
}

// SubPipelineRunner supervises a child pipeline on behalf of
// ManagerLoopHandler, forwarding whatever Outcome it produces.
type SubPipelineRunner func(ctx context.Context, exec Execution) runtime.Outcome

// ManagerLoopHandler is out of core scope beyond the contract spec §4.5
// names: it consumes an injected sub-pipeline runner and forwards its
// Outcome unchanged.
type ManagerLoopHandler struct {
	Run SubPipelineRunner
}

func (h *ManagerLoopHandler) Execute(ctx context.Context, exec Execution) runtime.Outcome {
	if h.Run == nil {
		return runtime.Outcome{Status: runtime.StatusSkipped, Notes: "stack.manager_loop: no sub-pipeline runner configured"}
	}
	return h.Run(ctx, exec)
}
