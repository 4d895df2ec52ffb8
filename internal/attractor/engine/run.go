package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/backend"
	"github.com/danshapiro/kilroy/internal/attractor/dot"
	"github.com/danshapiro/kilroy/internal/attractor/eventsink"
	"github.com/danshapiro/kilroy/internal/attractor/gitutil"
	"github.com/danshapiro/kilroy/internal/attractor/interview"
	"github.com/danshapiro/kilroy/internal/attractor/model"
	"github.com/danshapiro/kilroy/internal/attractor/runtime"
	"github.com/danshapiro/kilroy/internal/attractor/toolrunner"
)

// Result is a run's terminal summary, returned by RunWithConfig and Resume
// to callers (the CLI and internal/server) that don't otherwise walk a
// runtime.FinalOutcome directly.
type Result struct {
	RunID          string
	LogsRoot       string
	FinalStatus    runtime.FinalStatus
	FailedNodeID   string
	FailureReason  string
	CompletedNodes []string
	GitCommitSHA   string
	Warnings       []string
}

func backendFromConfig(cfg *RunConfigFile) backend.Backend {
	if cfg != nil && strings.EqualFold(cfg.Backend.Kind, "http") {
		return &backend.HTTPBackend{BaseURL: cfg.Backend.BaseURL, APIKey: cfg.Backend.APIKey}
	}
	return &backend.Simulated{}
}

func interviewerFromConfig(cfg *RunConfigFile) interview.Interviewer {
	if cfg != nil && strings.EqualFold(cfg.Interview.Kind, "terminal") {
		return &interview.Terminal{In: os.Stdin, Out: os.Stdout}
	}
	return &interview.AutoApprove{}
}

func commitHookFromConfig(cfg *RunConfigFile) func(string) (string, error) {
	if cfg == nil || !cfg.Checkpoint.GitCommits || strings.TrimSpace(cfg.RepoPath) == "" {
		return nil
	}
	repo := cfg.RepoPath
	return func(message string) (string, error) {
		if err := gitutil.AddAll(repo); err != nil {
			return "", err
		}
		return gitutil.CommitAllowEmpty(repo, message)
	}
}

func buildEngineFromGraph(g *model.Graph, cfg *RunConfigFile, runID string, sink runtime.Sink) *Engine {
	deps := HandlerDeps{
		Backend:            backendFromConfig(cfg),
		Interviewer:        interviewerFromConfig(cfg),
		ToolRunner:         &toolrunner.OSExec{Dir: cfg.RepoPath},
		MaxParallelDefault: cfg.MaxParallelDefault,
	}
	eng := NewEngine(g, sink, runID, deps)
	eng.LogsRoot = cfg.LogsRoot
	eng.CommitCheckpoint = commitHookFromConfig(cfg)
	return eng
}

func finalize(runID, logsRoot string, fo *runtime.FinalOutcome, cp *runtime.Checkpoint) *Result {
	res := &Result{
		RunID:          runID,
		LogsRoot:       logsRoot,
		FinalStatus:    fo.Status,
		FailedNodeID:   fo.FailedNodeID,
		FailureReason:  fo.FailureReason,
		CompletedNodes: fo.CompletedNodes,
	}
	if cp != nil {
		res.GitCommitSHA = cp.GitCommitSHA
	}
	if strings.TrimSpace(logsRoot) != "" {
		_ = fo.Save(filepath.Join(logsRoot, "final.json"))
	}
	return res
}

// RunWithConfig parses dotSource, prepares and validates the graph, builds
// an Engine wired from cfg, and runs it to completion.
func RunWithConfig(ctx context.Context, dotSource []byte, cfg *RunConfigFile, runID string, sink runtime.Sink) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: run config is nil")
	}
	g, err := dot.Parse(dotSource)
	if err != nil {
		return nil, fmt.Errorf("engine: parse graph: %w", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		return nil, err
	}
	if strings.TrimSpace(runID) == "" {
		runID, err = NewRunID()
		if err != nil {
			return nil, err
		}
	}
	if sink == nil && strings.TrimSpace(cfg.LogsRoot) != "" {
		fs, err := eventsink.NewFileSink(filepath.Join(cfg.LogsRoot, "progress.ndjson"))
		if err != nil {
			return nil, err
		}
		defer fs.Close()
		sink = fs
	}
	eng := buildEngineFromGraph(g, cfg, runID, sink)
	fo, cp, err := eng.Run(ctx, RunOptions{})
	if err != nil {
		return nil, err
	}
	return finalize(runID, cfg.LogsRoot, fo, cp), nil
}

// Resume restores a run from {logsRoot}/checkpoint.json and continues it
// against the same graph and config.
func Resume(ctx context.Context, dotSource []byte, cfg *RunConfigFile, logsRoot string, sink runtime.Sink) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: run config is nil")
	}
	cp, err := runtime.LoadCheckpoint(filepath.Join(logsRoot, "checkpoint.json"))
	if err != nil {
		return nil, fmt.Errorf("engine: load checkpoint: %w", err)
	}
	if !cp.VerifyChecksum() {
		return nil, fmt.Errorf("engine: checkpoint at %s failed checksum verification", logsRoot)
	}
	g, err := dot.Parse(dotSource)
	if err != nil {
		return nil, fmt.Errorf("engine: parse graph: %w", err)
	}
	if _, err := Prepare(g, nil); err != nil {
		return nil, err
	}
	runID, err := NewRunID()
	if err != nil {
		return nil, err
	}
	cfg.LogsRoot = logsRoot
	eng := buildEngineFromGraph(g, cfg, runID, sink)
	fo, newCP, err := eng.Run(ctx, RunOptions{Resume: cp})
	if err != nil {
		return nil, err
	}
	return finalize(runID, logsRoot, fo, newCP), nil
}
