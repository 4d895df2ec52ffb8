package cond

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// Evaluate evaluates a minimal AND-only condition language used on edges.
//
// Grammar (per attractor-spec.md Section 10):
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal | Key
//	Key           ::= 'outcome' | 'preferred_label' | 'context.' Path | Path
//	Operator      ::= '=' | '!='
//
// Missing keys resolve to empty string. A 'context.' key falls back to the
// key without the prefix; any other key is looked up in the context as is.
// A bare Key clause is true when its value is non-empty, not an empty list
// or map, and not "false", "0" or "no". Comparisons are string comparisons,
// except that an 'outcome' literal is first canonicalized, so aliases such
// as "failure" match "fail".
func Evaluate(condition string, outcome runtime.Outcome, ctx *runtime.Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	clauses := strings.Split(condition, "&&")
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, outcome, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, outcome runtime.Outcome, ctx *runtime.Context) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		k := strings.TrimSpace(parts[0])
		want := strings.TrimSpace(parts[1])
		got := resolveKey(k, outcome, ctx)
		want = canonicalizeCompareValue(k, want)
		return got != want, nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return false, fmt.Errorf("invalid clause: %q", clause)
		}
		k := strings.TrimSpace(parts[0])
		want := strings.TrimSpace(parts[1])
		got := resolveKey(k, outcome, ctx)
		want = canonicalizeCompareValue(k, want)
		return got == want, nil
	}
	// Bare key: truthy if non-empty and not "false"/"0"/"no"; an empty list
	// or map is falsy regardless of how it stringifies (spec §4.2).
	raw, ok := resolveKeyRaw(strings.TrimSpace(clause), outcome, ctx)
	if !ok || raw == nil {
		return false, nil
	}
	if isEmptyCollection(raw) {
		return false, nil
	}
	got := fmt.Sprint(raw)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

// isEmptyCollection reports whether v is a slice, array, or map with zero
// elements. Non-collection values (including nil interfaces already handled
// by the caller) report false.
func isEmptyCollection(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	default:
		return false
	}
}

// resolveKeyRaw mirrors resolveKey but returns the context/outcome value
// before stringification, so bare-key truthiness can inspect collection
// types directly instead of testing their fmt.Sprint output.
func resolveKeyRaw(key string, outcome runtime.Outcome, ctx *runtime.Context) (any, bool) {
	switch key {
	case "outcome":
		co, err := outcome.Canonicalize()
		if err != nil {
			return string(outcome.Status), true
		}
		return string(co.Status), true
	case "preferred_label":
		return outcome.PreferredLabel, true
	}
	if strings.HasPrefix(key, "context.") {
		if ctx != nil {
			if v, ok := ctx.Get(key); ok {
				return v, true
			}
			short := strings.TrimPrefix(key, "context.")
			if v, ok := ctx.Get(short); ok {
				return v, true
			}
		}
		return nil, false
	}
	if ctx != nil {
		if v, ok := ctx.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

func resolveKey(key string, outcome runtime.Outcome, ctx *runtime.Context) string {
	switch key {
	case "outcome":
		co, err := outcome.Canonicalize()
		if err != nil {
			return string(outcome.Status)
		}
		return string(co.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	}
	if strings.HasPrefix(key, "context.") {
		if ctx != nil {
			if v, ok := ctx.Get(key); ok && v != nil {
				return fmt.Sprint(v)
			}
			// Also try without "context." prefix for convenience.
			short := strings.TrimPrefix(key, "context.")
			if v, ok := ctx.Get(short); ok && v != nil {
				return fmt.Sprint(v)
			}
		}
		return ""
	}
	if ctx != nil {
		if v, ok := ctx.Get(key); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// canonicalizeCompareValue normalizes the comparison value for outcome conditions
// so that aliases like "skip"/"skipped" and "failure"/"fail" match correctly.
func canonicalizeCompareValue(key, value string) string {
	if key != "outcome" {
		return value
	}
	if canonical, err := runtime.ParseStageStatus(value); err == nil {
		return string(canonical)
	}
	return value
}
