// Package parallel implements the fan-out/fan-in subsystem (spec §4.7):
// bounded-concurrency branch dispatch over isolated context clones, the
// three join policies, the three error policies, and fan-in ranking.
//
// FanOut dispatches through a bounded worker pool in this package (jobs
// channel, sync.WaitGroup, ordered result collection). Per-branch
// isolation is done via runtime.Context.Clone — branch clones never share
// backing storage with the parent (spec invariant (h)).
package parallel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// JoinPolicy is the fan-out node's wait/completion strategy.
type JoinPolicy string

const (
	JoinWaitAll      JoinPolicy = "wait_all"
	JoinFirstSuccess JoinPolicy = "first_success"
	JoinKOfN         JoinPolicy = "k_of_n"
)

// ErrorPolicy governs how a branch failure affects the fan-out as a whole.
type ErrorPolicy string

const (
	ErrorContinue ErrorPolicy = "continue"
	ErrorFailFast ErrorPolicy = "fail_fast"
	ErrorIgnore   ErrorPolicy = "ignore"
)

// Branch is one fan-out branch: an id (the branch's starting node) and an
// isolated context clone for its sub-traversal to run against.
type Branch struct {
	ID      string
	Context *runtime.Context
}

// Result is one branch's structured outcome record, ranked during fan-in
// and summarized to context key parallel.results.
type Result struct {
	BranchID string         `json:"branch_id"`
	Outcome  runtime.Outcome `json:"outcome"`
	// Score is an optional numeric ranking hint read from the branch's
	// final context delta (context key "score"); HasScore reports whether
	// one was present.
	Score    float64        `json:"score,omitempty"`
	HasScore bool           `json:"-"`
	Context  map[string]any `json:"context,omitempty"`
}

// Runner executes one branch's sub-traversal: starting at the branch's
// node, against its isolated context, until it reaches a fan-in node, an
// exit node, or an unroutable failure. The caller (engine package) supplies
// this since only it knows how to run a sub-traversal of the graph.
type Runner func(ctx context.Context, branch Branch) runtime.Outcome

// Config holds the fan-out node's extra.* policy attributes.
type Config struct {
	MaxParallel int // default 4
	Join        JoinPolicy
	K           int // required, positive, when Join == JoinKOfN
	Error       ErrorPolicy
}

func (c Config) maxParallel() int {
	if c.MaxParallel > 0 {
		return c.MaxParallel
	}
	return 4
}

func (c Config) join() JoinPolicy {
	if c.Join == "" {
		return JoinWaitAll
	}
	return c.Join
}

func (c Config) errorPolicy() ErrorPolicy {
	if c.Error == "" {
		return ErrorContinue
	}
	return c.Error
}

// rank orders statuses SUCCESS > PARTIAL_SUCCESS > RETRY > FAIL > SKIPPED,
// per spec §4.7's fan-in ranking tuple.
func rank(s runtime.StageStatus) int {
	switch s {
	case runtime.StatusSuccess:
		return 0
	case runtime.StatusPartialSuccess:
		return 1
	case runtime.StatusRetry:
		return 2
	case runtime.StatusFail:
		return 3
	case runtime.StatusSkipped:
		return 4
	default:
		return 5
	}
}

func isSuccess(s runtime.StageStatus) bool {
	return s == runtime.StatusSuccess || s == runtime.StatusPartialSuccess
}

// FanOut dispatches branches concurrently, up to cfg.MaxParallel, applying
// the configured join and error policies, and returns every branch's
// result (ordered by branch id for determinism) plus the fan-out node's own
// outcome.
func FanOut(ctx context.Context, branches []Branch, cfg Config, run Runner) ([]Result, runtime.Outcome) {
	if len(branches) == 0 {
		return nil, runtime.Outcome{Status: runtime.StatusFail, FailureReason: "parallel node has no outgoing edges"}
	}
	if cfg.join() == JoinKOfN && cfg.K <= 0 {
		return nil, runtime.Outcome{Status: runtime.StatusFail, FailureReason: "k_of_n join policy requires a positive extra.k"}
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(branches))
	var (
		mu           sync.Mutex
		successCount int
		failFastHit  bool
	)

	type job struct {
		idx    int
		branch Branch
	}
	jobs := make(chan job)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			select {
			case <-branchCtx.Done():
				results[j.idx] = Result{BranchID: j.branch.ID, Outcome: runtime.Outcome{Status: runtime.StatusSkipped, Notes: "cancelled before start"}}
				continue
			default:
			}
			out := run(branchCtx, j.branch)
			res := Result{BranchID: j.branch.ID, Outcome: out, Context: j.branch.Context.SnapshotValues()}
			if scoreRaw, ok := res.Context["score"]; ok {
				if f, ok := toFloat(scoreRaw); ok {
					res.Score, res.HasScore = f, true
				}
			}
			results[j.idx] = res

			mu.Lock()
			effective := out.Status
			if cfg.errorPolicy() == ErrorIgnore && !isSuccess(effective) {
				effective = runtime.StatusSuccess
			}
			if isSuccess(effective) {
				successCount++
			}
			switch cfg.join() {
			case JoinFirstSuccess:
				if isSuccess(effective) {
					cancel()
				}
			case JoinKOfN:
				if successCount >= cfg.K {
					cancel()
				}
			}
			if cfg.errorPolicy() == ErrorFailFast && effective == runtime.StatusFail {
				failFastHit = true
				cancel()
			}
			mu.Unlock()
		}
	}

	workers := cfg.maxParallel()
	if workers > len(branches) {
		workers = len(branches)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for idx, b := range branches {
		jobs <- job{idx: idx, branch: b}
	}
	close(jobs)
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].BranchID < results[j].BranchID })

	return results, summarize(results, cfg, successCount, failFastHit)
}

func summarize(results []Result, cfg Config, successCount int, failFastHit bool) runtime.Outcome {
	switch cfg.join() {
	case JoinFirstSuccess:
		if successCount > 0 {
			return runtime.Outcome{Status: runtime.StatusSuccess, Notes: fmt.Sprintf("first_success: %d/%d branches succeeded", successCount, len(results))}
		}
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "no branch succeeded (first_success)"}
	case JoinKOfN:
		if successCount >= cfg.K {
			return runtime.Outcome{Status: runtime.StatusSuccess, Notes: fmt.Sprintf("k_of_n: %d/%d required succeeded", successCount, cfg.K)}
		}
		return runtime.Outcome{Status: runtime.StatusFail, FailureReason: fmt.Sprintf("k_of_n: only %d/%d required succeeded", successCount, cfg.K)}
	default: // wait_all
		if cfg.errorPolicy() == ErrorFailFast && failFastHit {
			return runtime.Outcome{Status: runtime.StatusFail, FailureReason: "a branch failed (fail_fast)"}
		}
		if successCount == len(results) {
			return runtime.Outcome{Status: runtime.StatusSuccess, Notes: fmt.Sprintf("wait_all: all %d branches succeeded", len(results))}
		}
		return runtime.Outcome{Status: runtime.StatusPartialSuccess, Notes: fmt.Sprintf("wait_all: %d/%d branches succeeded", successCount, len(results))}
	}
}

// Winner ranks results by (success_class, score_desc, id_asc) per spec
// §4.7 and returns the best one. ok is false when results is empty.
func Winner(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	best := results[0]
	for _, r := range results[1:] {
		if better(r, best) {
			best = r
		}
	}
	return best, true
}

func better(a, b Result) bool {
	ra, rb := rank(a.Outcome.Status), rank(b.Outcome.Status)
	if ra != rb {
		return ra < rb
	}
	if a.HasScore != b.HasScore {
		return a.HasScore
	}
	if a.HasScore && a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.BranchID < b.BranchID
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		s := strings.TrimSpace(fmt.Sprint(v))
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
			return f, true
		}
		return 0, false
	}
}
