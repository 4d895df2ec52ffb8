package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/danshapiro/kilroy/internal/attractor/backend"
	"github.com/danshapiro/kilroy/internal/attractor/dot"
	"github.com/danshapiro/kilroy/internal/attractor/eventsink"
	"github.com/danshapiro/kilroy/internal/attractor/interview"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
	"github.com/danshapiro/kilroy/internal/attractor/toolrunner"
)

func simpleDeps() HandlerDeps {
	return HandlerDeps{
		Backend:     &backend.Simulated{},
		Interviewer: &interview.AutoApprove{},
		ToolRunner:  &toolrunner.OSExec{},
	}
}

func TestEngine_Run_StraightLineSuccess(t *testing.T) {
	src := `
digraph G {
  goal="ship it"
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	mem := eventsink.NewMemory()
	eng := NewEngine(g, mem, "run-1", simpleDeps())

	fo, cp, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected success, got %s (failed_node=%s reason=%s)", fo.Status, fo.FailedNodeID, fo.FailureReason)
	}
	if len(fo.CompletedNodes) != 3 {
		t.Fatalf("expected 3 completed nodes, got %v", fo.CompletedNodes)
	}
	if cp == nil {
		t.Fatal("expected a non-nil checkpoint")
	}
	if cp.CurrentNode != "done" {
		t.Fatalf("expected checkpoint current_node=done, got %s", cp.CurrentNode)
	}

	evs := mem.Snapshot()
	if len(evs) == 0 {
		t.Fatal("expected events to have been emitted")
	}
	if evs[0].Kind != runtime.EventPipelineStart {
		t.Fatalf("expected first event to be pipeline start, got %s", evs[0].Kind)
	}
	if evs[len(evs)-1].Kind != runtime.EventPipelineFinalize {
		t.Fatalf("expected last event to be pipeline finalize, got %s", evs[len(evs)-1].Kind)
	}
}

func TestEngine_Run_NoHandlerForUnknownShapeDefaultsToCodergen(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  mystery [shape=oval]
  done [shape=Msquare]
  start -> mystery
  mystery -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	eng := NewEngine(g, nil, "run-2", simpleDeps())
	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected unrecognized shape to default to codergen and succeed, got %s: %s", fo.Status, fo.FailureReason)
	}
}

func TestEngine_Run_ConditionalEdgeSelection(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  check [shape=diamond]
  good [shape=box]
  bad [shape=box]
  done [shape=Msquare]
  start -> check
  check -> good [condition="outcome=success"]
  check -> bad [condition="outcome=fail"]
  good -> done
  bad -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	eng := NewEngine(g, nil, "run-3", simpleDeps())
	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected success, got %s: %s", fo.Status, fo.FailureReason)
	}
	found := false
	for _, id := range fo.CompletedNodes {
		if id == "good" {
			found = true
		}
		if id == "bad" {
			t.Fatal("expected the success-conditioned edge to win, but bad was visited")
		}
	}
	if !found {
		t.Fatalf("expected good to be visited, completed=%v", fo.CompletedNodes)
	}
}

func TestEngine_Run_GoalGateRetryWalksBackOnFailure(t *testing.T) {
	// build is goal-gated and always fails (alwaysRetryBackend exhausts its
	// single retry into a FAIL); the unconditional build->verify edge still
	// carries the FAIL outcome through to exit, so the goal-gate walk at
	// pipeline end is what sends execution back to start, not in-line edge
	// selection. With a bounded MaxSteps this should never reach success and
	// should terminate via the step-limit circuit breaker while having
	// emitted at least one goal-gate retry.
	src := `
digraph G {
  graph [retry.backoff.initial_delay_ms=0]
  start [shape=Mdiamond]
  build [shape=box, max_retries=1, goal_gate=true, retry_target=start]
  verify [shape=diamond]
  done [shape=Msquare]
  start -> build
  build -> verify
  verify -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	deps := simpleDeps()
	deps.Backend = &alwaysRetryBackend{}
	mem := eventsink.NewMemory()
	eng := NewEngine(g, mem, "run-4", deps)
	eng.MaxSteps = 20
	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalFail {
		t.Fatalf("expected the perpetually-failing goal gate to exhaust the step limit, got %s: %s", fo.Status, fo.FailureReason)
	}

	sawGoalGateRetry := false
	for _, ev := range mem.Snapshot() {
		if ev.Kind == runtime.EventGoalGateRetry {
			sawGoalGateRetry = true
		}
	}
	if !sawGoalGateRetry {
		t.Fatal("expected at least one goal-gate retry event before the step limit was hit")
	}
}

func TestEngine_Run_LoopRestartClearsCompletedNodes(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  iterate [shape=box]
  gate [shape=diamond]
  done [shape=Msquare]
  start -> iterate
  iterate -> gate
  gate -> done [condition="outcome=success", loop_restart=true]
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	mem := eventsink.NewMemory()
	eng := NewEngine(g, mem, "run-5", simpleDeps())
	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected success, got %s: %s", fo.Status, fo.FailureReason)
	}
	sawRestart := false
	for _, ev := range mem.Snapshot() {
		if ev.Kind == runtime.EventLoopRestart {
			sawRestart = true
		}
	}
	if !sawRestart {
		t.Fatal("expected a loop_restart event to have been emitted")
	}
	if len(fo.CompletedNodes) != 1 || fo.CompletedNodes[0] != "done" {
		t.Fatalf("expected loop_restart to clear completed nodes so only done remains, got %v", fo.CompletedNodes)
	}
}

func TestEngine_Run_StampsRunIDOnEveryEvent(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	mem := eventsink.NewMemory()
	eng := NewEngine(g, mem, "run-6", simpleDeps())
	if _, _, err := eng.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, ev := range mem.Snapshot() {
		if ev.RunID != "run-6" {
			t.Fatalf("expected every event to carry run_id=run-6, got %q on %s", ev.RunID, ev.Kind)
		}
	}
}

func TestEngine_Run_LiveContextIsPopulatedDuringAndAfterRun(t *testing.T) {
	src := `
digraph G {
  goal="build a thing"
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	eng := NewEngine(g, nil, "run-7", simpleDeps())
	if eng.LiveContext != nil {
		t.Fatal("expected LiveContext to be nil before Run")
	}
	if _, _, err := eng.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.LiveContext == nil {
		t.Fatal("expected LiveContext to be set after Run")
	}
	goal, ok := eng.LiveContext.Get("goal")
	if !ok || goal != "build a thing" {
		t.Fatalf("expected LiveContext to retain the seeded goal, got %v (ok=%v)", goal, ok)
	}
}

func TestEngine_Run_ContextCancellationFailsCleanly(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	eng := NewEngine(g, nil, "run-8", simpleDeps())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fo, _, err := eng.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalFail || fo.FailureReason != "canceled" {
		t.Fatalf("expected an immediate cancellation to fail with reason=canceled, got status=%s reason=%s", fo.Status, fo.FailureReason)
	}
}

func TestEngine_Run_ResumeContinuesFromCheckpoint(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  work [shape=box]
  more [shape=box]
  done [shape=Msquare]
  start -> work
  work -> more
  more -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	tmp := t.TempDir()
	eng := NewEngine(g, nil, "run-9", simpleDeps())
	eng.LogsRoot = tmp

	checkpointHits := 0
	// Run to completion once to produce a real checkpoint on disk; Resume
	// below then starts from that saved checkpoint.
	if _, cp, err := eng.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	} else if cp == nil {
		t.Fatal("expected non-nil checkpoint")
	} else {
		checkpointHits++
	}
	if checkpointHits != 1 {
		t.Fatalf("expected exactly one checkpoint build, got %d", checkpointHits)
	}

	cpPath := filepath.Join(tmp, "checkpoint.json")
	if _, err := os.Stat(cpPath); err != nil {
		t.Fatalf("expected a checkpoint.json on disk: %v", err)
	}

	loaded, err := runtime.LoadCheckpoint(cpPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !loaded.VerifyChecksum() {
		t.Fatal("expected the saved checkpoint to verify its own checksum")
	}

	eng2 := NewEngine(g, nil, "run-9-resumed", simpleDeps())
	fo, _, err := eng2.Run(context.Background(), RunOptions{Resume: loaded})
	if err != nil {
		t.Fatalf("Run with Resume: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected resumed run to succeed, got %s: %s", fo.Status, fo.FailureReason)
	}
}

func TestLoadRunConfigFile_ValidatesAndDecodesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yamlSrc := `
repo_path: /tmp/repo
logs_root: /tmp/logs
max_parallel_default: 2
checkpoint:
  git_commits: false
backend:
  kind: simulated
interview:
  kind: auto
`
	if err := os.WriteFile(path, []byte(yamlSrc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if cfg.RepoPath != "/tmp/repo" {
		t.Fatalf("unexpected repo_path: %s", cfg.RepoPath)
	}
	if cfg.MaxParallelDefault != 2 {
		t.Fatalf("unexpected max_parallel_default: %d", cfg.MaxParallelDefault)
	}
	if cfg.Backend.Kind != "simulated" {
		t.Fatalf("unexpected backend.kind: %s", cfg.Backend.Kind)
	}
}

func TestLoadRunConfigFile_RejectsUnknownBackendKind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	yamlSrc := `
backend:
  kind: not-a-real-backend
`
	if err := os.WriteFile(path, []byte(yamlSrc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadRunConfigFile(path); err == nil {
		t.Fatal("expected schema validation to reject an unrecognized backend.kind")
	}
}

func TestNewRunID_ReturnsDistinctSortableIDs(t *testing.T) {
	a, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID: %v", err)
	}
	b, err := NewRunID()
	if err != nil {
		t.Fatalf("NewRunID: %v", err)
	}
	if a == b {
		t.Fatal("expected two calls to NewRunID to return distinct IDs")
	}
	if len(a) != 26 {
		t.Fatalf("expected a 26-character ULID, got %d chars: %s", len(a), a)
	}
}

func TestRunWithConfig_EndToEndAgainstSimulatedBackend(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	tmp := t.TempDir()
	cfg := &RunConfigFile{LogsRoot: tmp}
	cfg.Backend.Kind = "simulated"

	res, err := RunWithConfig(context.Background(), []byte(src), cfg, "", nil)
	if err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("expected success, got %s: %s", res.FinalStatus, res.FailureReason)
	}
	if res.RunID == "" {
		t.Fatal("expected RunWithConfig to mint a run ID when none is supplied")
	}
	if _, err := os.Stat(filepath.Join(tmp, "final.json")); err != nil {
		t.Fatalf("expected final.json to be written: %v", err)
	}
}

func TestRunWithConfig_ThenResume_RoundTrips(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`
	tmp := t.TempDir()
	cfg := &RunConfigFile{LogsRoot: tmp}

	if _, err := RunWithConfig(context.Background(), []byte(src), cfg, "run-fixed", nil); err != nil {
		t.Fatalf("RunWithConfig: %v", err)
	}

	res, err := Resume(context.Background(), []byte(src), cfg, tmp, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("expected resumed run to succeed, got %s: %s", res.FinalStatus, res.FailureReason)
	}
}

func TestEngine_Run_RetriesThenFailsWhenExhausted(t *testing.T) {
	src := `
digraph G {
  graph [retry.backoff.initial_delay_ms=0]
  start [shape=Mdiamond]
  flaky [shape=box, max_retries=2]
  done [shape=Msquare]
  start -> flaky
  flaky -> done [condition="outcome=success"]
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	deps := simpleDeps()
	deps.Backend = &alwaysRetryBackend{}
	mem := eventsink.NewMemory()
	eng := NewEngine(g, mem, "run-retry", deps)

	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalFail {
		t.Fatalf("expected retries to exhaust into a failure, got %s", fo.Status)
	}

	retries := 0
	for _, ev := range mem.Snapshot() {
		if ev.Kind == runtime.EventNodeRetry {
			retries++
		}
	}
	if retries != 2 {
		t.Fatalf("expected max_retries=2 to produce exactly 2 retry events, got %d", retries)
	}
}

// alwaysRetryBackend always reports RETRY, exercising executeWithRetry's
// backoff-then-exhaust path independent of the Simulated backend's
// always-succeed behavior.
type alwaysRetryBackend struct{}

func (b *alwaysRetryBackend) Run(ctx context.Context, nodeID, prompt string) (string, *runtime.Outcome, error) {
	out := runtime.Outcome{Status: runtime.StatusRetry, FailureReason: "request timeout"}
	return "", &out, nil
}

func TestEngine_Run_AllowPartialCoercesExhaustedRetryToPartialSuccess(t *testing.T) {
	src := `
digraph G {
  graph [retry.backoff.initial_delay_ms=0]
  start [shape=Mdiamond]
  flaky [shape=box, max_retries=1, allow_partial=true]
  done [shape=Msquare]
  start -> flaky
  flaky -> done
}
`
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("dot.Parse: %v", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	deps := simpleDeps()
	deps.Backend = &alwaysRetryBackend{}
	eng := NewEngine(g, nil, "run-partial", deps)

	fo, _, err := eng.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fo.Status != runtime.FinalSuccess {
		t.Fatalf("expected allow_partial to let the pipeline reach exit despite exhausted retries, got %s: %s", fo.Status, fo.FailureReason)
	}
}
