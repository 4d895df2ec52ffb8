package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Context is the shared key/value store that flows through a pipeline run.
// Handlers read prior outcomes and graph attributes from it and write their
// own results back through ApplyUpdates. It is safe for concurrent use: the
// parallel fan-out subsystem clones it per branch via Clone, so the parent
// and every branch each own an independent, lock-protected store.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	order  []string // key insertion order, first-set wins
	logs   []string
}

// NewContext returns an empty context.
func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) noteKeyLocked(key string) {
	if _, ok := c.values[key]; !ok {
		c.order = append(c.order, key)
	}
}

// Get returns the value stored under key and whether it was present.
func (c *Context) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value stored under key coerced to a string, or def
// if the key is unset. Non-string values are formatted with fmt.Sprint,
// matching the string-coercion rule the condition evaluator relies on.
func (c *Context) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Set stores value under key.
func (c *Context) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteKeyLocked(key)
	c.values[key] = value
}

// ApplyUpdates merges updates into the context. A nil value is stored as-is
// (not deleted) — outcomes that explicitly set a key to null are expressing
// "this key is now nil", not "remove this key".
func (c *Context) ApplyUpdates(updates map[string]any) {
	if c == nil || len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		c.noteKeyLocked(k)
		c.values[k] = v
	}
}

// AppendLog appends a line to the context's log buffer, used for fidelity
// preambles and checkpoint persistence.
func (c *Context) AppendLog(line string) {
	if c == nil || strings.TrimSpace(line) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, line)
}

// SnapshotValues returns a shallow copy of every stored key/value pair,
// suitable for checkpoint persistence or preamble assembly.
func (c *Context) SnapshotValues() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// SnapshotKeys returns every stored key in sorted order.
func (c *Context) SnapshotKeys() []string {
	vals := c.SnapshotValues()
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SnapshotKeysInsertionOrder returns every stored key in the order it was
// first set, used by fidelity modes that dump context entries "in insertion
// order" rather than sorted.
func (c *Context) SnapshotKeysInsertionOrder() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// SnapshotLogs returns a copy of the accumulated log lines.
func (c *Context) SnapshotLogs() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}

// ReplaceSnapshot overwrites the context's values and logs wholesale, used
// when resuming a run from a saved Checkpoint.
func (c *Context) ReplaceSnapshot(values map[string]any, logs []string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]any, len(values))
	c.order = nil
	for k, v := range values {
		c.noteKeyLocked(k)
		c.values[k] = v
	}
	c.logs = append([]string{}, logs...)
}

// Clone returns an independent copy of c: a new Context backed by its own
// map and slice, sharing no storage with the original. Used by the parallel
// fan-out subsystem to give every branch an isolated context (spec
// invariant: branch clones never share backing storage with the parent).
func (c *Context) Clone() *Context {
	if c == nil {
		return NewContext()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	clone := &Context{
		values: make(map[string]any, len(c.values)),
		order:  append([]string{}, c.order...),
		logs:   append([]string{}, c.logs...),
	}
	for k, v := range c.values {
		clone.values[k] = v
	}
	return clone
}
