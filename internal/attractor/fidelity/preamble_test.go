package fidelity

import (
	"strings"
	"testing"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

func stages(n int) []Stage {
	out := make([]Stage, n)
	for i := range out {
		out[i] = Stage{NodeID: "node" + string(rune('a'+i)), Status: runtime.StatusSuccess}
	}
	return out
}

func TestBuildPreamble_Truncate_OnlyGoalAndRunID(t *testing.T) {
	in := PreambleInput{Mode: "truncate", RunID: "r1", Goal: "ship it", Completed: stages(3)}
	out := BuildPreamble(in)
	if !strings.Contains(out, "ship it") || !strings.Contains(out, "r1") {
		t.Fatalf("expected goal and run id in output: %s", out)
	}
	if strings.Contains(out, "CompletedStages") {
		t.Fatalf("truncate must not include stage log: %s", out)
	}
}

func TestBuildPreamble_Compact_IncludesStagesAndContext(t *testing.T) {
	ctx := runtime.NewContext()
	for i := 0; i < 30; i++ {
		ctx.Set(string(rune('a'+i)), i)
	}
	in := PreambleInput{Mode: "compact", RunID: "r1", Goal: "g", Completed: stages(2), Ctx: ctx}
	out := BuildPreamble(in)
	if !strings.Contains(out, "CompletedStages:") {
		t.Fatalf("compact must include completed stages: %s", out)
	}
	if !strings.Contains(out, "more keys") {
		t.Fatalf("compact must cap context entries at 20: %s", out)
	}
}

func TestBuildPreamble_SummaryLow_OnlyCount(t *testing.T) {
	in := PreambleInput{Mode: "summary:low", RunID: "r1", Goal: "g", Completed: stages(7)}
	out := BuildPreamble(in)
	if !strings.Contains(out, "CompletedStageCount: 7") {
		t.Fatalf("summary:low must report a count: %s", out)
	}
	if strings.Contains(out, "node") {
		t.Fatalf("summary:low must not list stage names: %s", out)
	}
}

func TestBuildPreamble_SummaryMedium_LastFiveStages(t *testing.T) {
	in := PreambleInput{Mode: "summary:medium", RunID: "r1", Goal: "g", Completed: stages(8)}
	out := BuildPreamble(in)
	lines := strings.Split(out, "\n")
	count := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "- node") {
			count++
		}
	}
	if count != 5 {
		t.Fatalf("summary:medium must list exactly 5 stages, got %d in %s", count, out)
	}
}

func TestBuildPreamble_SummaryHigh_LastTenStagesAndThirtyContextEntries(t *testing.T) {
	ctx := runtime.NewContext()
	for i := 0; i < 40; i++ {
		ctx.Set(string(rune('A'+i)), i)
	}
	in := PreambleInput{Mode: "summary:high", RunID: "r1", Goal: "g", Completed: stages(15), Ctx: ctx}
	out := BuildPreamble(in)
	stageLines := 0
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "- node") {
			stageLines++
		}
	}
	if stageLines != 10 {
		t.Fatalf("summary:high must list exactly 10 stages, got %d", stageLines)
	}
	if !strings.Contains(out, "more keys") {
		t.Fatalf("summary:high must cap context entries at 30: %s", out)
	}
}

func TestBuildPreamble_Full_IncludesEverything(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("k", "v")
	in := PreambleInput{
		Mode:          "full",
		RunID:         "r1",
		Goal:          "g",
		PrevNode:      "prev",
		Completed:     stages(1),
		ThreadHistory: "user: hi\nassistant: hello",
		Ctx:           ctx,
	}
	out := BuildPreamble(in)
	if !strings.Contains(out, "PreviousNode: prev") {
		t.Fatalf("full must include previous node: %s", out)
	}
	if !strings.Contains(out, "ThreadHistory:") {
		t.Fatalf("full must include thread history: %s", out)
	}
	if !strings.Contains(out, "k=v") {
		t.Fatalf("full must include every context entry: %s", out)
	}
}
