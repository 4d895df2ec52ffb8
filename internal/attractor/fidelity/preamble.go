package fidelity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// Stage is one entry of the completed-node log, carrying the outcome status
// recorded for that node — the per-mode preambles need both the name and
// whether it succeeded.
type Stage struct {
	NodeID string
	Status runtime.StageStatus
}

// PreambleInput carries everything a per-mode builder might need. Not every
// field is used by every mode.
type PreambleInput struct {
	Mode string

	RunID string
	Goal  string

	PrevNode  string
	Completed []Stage

	// ThreadHistory is the full conversation transcript for the resolved
	// thread id, when the backend exposes one (stateful providers). Used
	// only by "full".
	ThreadHistory string

	Ctx *runtime.Context
}

// BuildPreamble assembles the text handed to a handler as context, per the
// resolved mode's distinct content rules.
func BuildPreamble(in PreambleInput) string {
	switch in.Mode {
	case "truncate":
		return buildTruncate(in)
	case "compact":
		return buildCompact(in)
	case "summary:low":
		return buildSummaryLow(in)
	case "summary:medium":
		return buildSummaryMedium(in)
	case "summary:high":
		return buildSummaryHigh(in)
	default: // "full" and any unrecognized fallback
		return buildFull(in)
	}
}

// header opens every mode's preamble with the goal (labelled "Pipeline") and
// the run id. The graph's name is not part of it.
func header(in PreambleInput) []string {
	return []string{
		fmt.Sprintf("Pipeline: %s", strings.TrimSpace(in.Goal)),
		fmt.Sprintf("RunID: %s", strings.TrimSpace(in.RunID)),
	}
}

// buildFull reuses the thread's full conversation history when the backend
// supplied one, plus the goal/run-id header, the complete completed-node
// log, and every context entry.
func buildFull(in PreambleInput) string {
	lines := header(in)
	if strings.TrimSpace(in.PrevNode) != "" {
		lines = append(lines, fmt.Sprintf("PreviousNode: %s", strings.TrimSpace(in.PrevNode)))
	}
	if len(in.Completed) > 0 {
		lines = append(lines, "CompletedStages:")
		for _, s := range in.Completed {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.NodeID, s.Status))
		}
	}
	lines = append(lines, "Context:")
	lines = append(lines, contextLines(in.Ctx, 0)...)
	if strings.TrimSpace(in.ThreadHistory) != "" {
		lines = append(lines, "ThreadHistory:", in.ThreadHistory)
	}
	return strings.Join(lines, "\n")
}

// buildTruncate returns the goal/run-id header only.
func buildTruncate(in PreambleInput) string {
	return strings.Join(header(in), "\n")
}

// buildCompact adds the completed-stage log with statuses and the first
// twenty context entries in insertion order.
func buildCompact(in PreambleInput) string {
	lines := header(in)
	if len(in.Completed) > 0 {
		lines = append(lines, "CompletedStages:")
		for _, s := range in.Completed {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.NodeID, s.Status))
		}
	}
	lines = append(lines, "Context:")
	lines = append(lines, contextLinesInsertionOrder(in.Ctx, 20)...)
	return strings.Join(lines, "\n")
}

// buildSummaryLow adds only a count of completed stages.
func buildSummaryLow(in PreambleInput) string {
	lines := header(in)
	lines = append(lines, fmt.Sprintf("CompletedStageCount: %d", len(in.Completed)))
	return strings.Join(lines, "\n")
}

// buildSummaryMedium adds the last five completed stages with statuses.
func buildSummaryMedium(in PreambleInput) string {
	lines := header(in)
	tail := lastN(in.Completed, 5)
	if len(tail) > 0 {
		lines = append(lines, "RecentStages:")
		for _, s := range tail {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.NodeID, s.Status))
		}
	}
	return strings.Join(lines, "\n")
}

// buildSummaryHigh adds the last ten completed stages with statuses plus the
// first thirty context entries.
func buildSummaryHigh(in PreambleInput) string {
	lines := header(in)
	tail := lastN(in.Completed, 10)
	if len(tail) > 0 {
		lines = append(lines, "RecentStages:")
		for _, s := range tail {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.NodeID, s.Status))
		}
	}
	lines = append(lines, "Context:")
	lines = append(lines, contextLines(in.Ctx, 30)...)
	return strings.Join(lines, "\n")
}

func lastN(stages []Stage, n int) []Stage {
	if len(stages) <= n {
		return stages
	}
	return stages[len(stages)-n:]
}

// contextLines returns key=value lines sorted by key, capped at max entries
// (0 means unlimited).
func contextLines(ctx *runtime.Context, max int) []string {
	if ctx == nil {
		return nil
	}
	vals := ctx.SnapshotValues()
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return formatContextEntries(vals, keys, max)
}

// contextLinesInsertionOrder returns key=value lines in the order keys were
// first set, capped at max entries.
func contextLinesInsertionOrder(ctx *runtime.Context, max int) []string {
	if ctx == nil {
		return nil
	}
	vals := ctx.SnapshotValues()
	keys := ctx.SnapshotKeysInsertionOrder()
	return formatContextEntries(vals, keys, max)
}

func formatContextEntries(vals map[string]any, keys []string, max int) []string {
	var lines []string
	for i, k := range keys {
		if max > 0 && i >= max {
			lines = append(lines, fmt.Sprintf("... (%d more keys)", len(keys)-max))
			break
		}
		lines = append(lines, fmt.Sprintf("- %s=%v", k, vals[k]))
	}
	return lines
}
