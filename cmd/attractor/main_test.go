package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func buildAttractorBinary(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	// wd is .../cmd/attractor
	root := filepath.Dir(filepath.Dir(wd))
	bin := filepath.Join(t.TempDir(), "attractor")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/attractor")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v\n%s", err, string(out))
	}
	return bin
}

func runAttractor(t *testing.T, bin string, args ...string) (exitCode int, output string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		t.Fatalf("attractor timed out\n%s", string(out))
	}
	if err == nil {
		return 0, string(out)
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("attractor failed to start: %v\n%s", err, string(out))
	}
	return ee.ExitCode(), string(out)
}

const validPipeline = `
digraph G {
  goal="smoke test the CLI"
  start [shape=Mdiamond]
  work [shape=box]
  done [shape=Msquare]
  start -> work
  work -> done
}
`

const invalidPipeline = `
digraph G {
  start [shape=Mdiamond]
  orphan [shape=box]
}
`

func writeRunConfigYAML(t *testing.T, logsRoot string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	body := "logs_root: " + logsRoot + "\nbackend:\n  kind: simulated\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAttractor_NoArgsPrintsUsageAndExits1(t *testing.T) {
	bin := buildAttractorBinary(t)
	code, out := runAttractor(t, bin)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d: %s", code, out)
	}
	if !strings.Contains(out, "usage:") {
		t.Fatalf("expected usage text, got: %s", out)
	}
}

func TestAttractor_UnknownSubcommandExits1(t *testing.T) {
	bin := buildAttractorBinary(t)
	code, out := runAttractor(t, bin, "frobnicate")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d: %s", code, out)
	}
	if !strings.Contains(out, "usage:") {
		t.Fatalf("expected usage text on unknown subcommand, got: %s", out)
	}
}

func TestAttractor_Run_SucceedsAgainstSimulatedBackend(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "pipeline.dot")
	if err := os.WriteFile(graphPath, []byte(validPipeline), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	logsRoot := filepath.Join(dir, "logs")
	cfgPath := writeRunConfigYAML(t, logsRoot)

	code, out := runAttractor(t, bin, "run", "--graph", graphPath, "--config", cfgPath)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, out)
	}
	if !strings.Contains(out, "status=success") {
		t.Fatalf("expected status=success in output, got: %s", out)
	}
	if _, err := os.Stat(filepath.Join(logsRoot, "final.json")); err != nil {
		t.Fatalf("expected final.json to be written: %v", err)
	}
}

func TestAttractor_Run_MissingGraphFlagPrintsUsage(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	cfgPath := writeRunConfigYAML(t, filepath.Join(dir, "logs"))

	code, out := runAttractor(t, bin, "run", "--config", cfgPath)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d: %s", code, out)
	}
	if !strings.Contains(out, "usage:") {
		t.Fatalf("expected usage text, got: %s", out)
	}
}

func TestAttractor_Resume_ContinuesFromCheckpoint(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "pipeline.dot")
	if err := os.WriteFile(graphPath, []byte(validPipeline), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	logsRoot := filepath.Join(dir, "logs")
	cfgPath := writeRunConfigYAML(t, logsRoot)

	// First run completes and leaves a checkpoint.json behind.
	if code, out := runAttractor(t, bin, "run", "--graph", graphPath, "--config", cfgPath); code != 0 {
		t.Fatalf("initial run failed: %d: %s", code, out)
	}

	code, out := runAttractor(t, bin, "resume", "--graph", graphPath, "--config", cfgPath, "--logs-root", logsRoot)
	if code != 0 {
		t.Fatalf("expected resume to succeed, got %d: %s", code, out)
	}
	if !strings.Contains(out, "status=success") {
		t.Fatalf("expected status=success in resumed output, got: %s", out)
	}
}

func TestAttractor_Validate_ValidGraphExitsZero(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "pipeline.dot")
	if err := os.WriteFile(graphPath, []byte(validPipeline), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	code, out := runAttractor(t, bin, "validate", graphPath)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, out)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("expected an 'ok' line, got: %s", out)
	}
}

func TestAttractor_Validate_GraphWithDeadEndExitsNonzero(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "pipeline.dot")
	if err := os.WriteFile(graphPath, []byte(invalidPipeline), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	code, _ := runAttractor(t, bin, "validate", graphPath)
	if code == 0 {
		t.Fatal("expected a graph with no exit node reachable from orphan to fail validation")
	}
}

func TestAttractor_Validate_GlobExpandsMultipleFiles(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()
	for _, name := range []string{"a.dot", "b.dot"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(validPipeline), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	code, out := runAttractor(t, bin, "validate", filepath.Join(dir, "*.dot"))
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, out)
	}
	if strings.Count(out, "ok") != 2 {
		t.Fatalf("expected both glob-matched files to report ok, got: %s", out)
	}
}

func TestAttractor_Validate_NoMatchesExitsNonzero(t *testing.T) {
	bin := buildAttractorBinary(t)
	dir := t.TempDir()

	code, out := runAttractor(t, bin, "validate", filepath.Join(dir, "*.dot"))
	if code != 1 {
		t.Fatalf("expected exit code 1 when nothing matches, got %d: %s", code, out)
	}
	if !strings.Contains(out, "no pipeline files matched") {
		t.Fatalf("expected a no-matches message, got: %s", out)
	}
}
