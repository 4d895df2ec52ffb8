// Package eventsink provides concrete runtime.Sink implementations: a
// durable ndjson file sink for real runs and an in-memory sink for tests.
package eventsink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// FileSink appends every event as one JSON line to a file, creating parent
// directories as needed. Safe for concurrent use: writes are serialized by
// a mutex, matching the append-only discipline spec §5 requires of event
// buffers under concurrent fan-out branches.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileSink opens (creating if necessary) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, f: f}, nil
}

func (s *FileSink) Emit(e runtime.Event) {
	if s == nil {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.f.Write(append(b, '\n'))
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	return s.f.Close()
}

// Memory accumulates events in a slice, for tests and programmatic callers
// that want to inspect a run's event stream directly instead of reading
// ndjson back off disk.
type Memory struct {
	mu     sync.Mutex
	Events []runtime.Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Emit(e runtime.Event) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, e)
}

// Snapshot returns a copy of the accumulated events.
func (m *Memory) Snapshot() []runtime.Event {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]runtime.Event{}, m.Events...)
}

// Multi fans a single Emit out to every wrapped sink, in order. Used when a
// run wants both durable ndjson logging and an in-memory view (e.g. the
// HTTP server's SSE stream alongside the run's log file).
type Multi struct {
	Sinks []runtime.Sink
}

func (m Multi) Emit(e runtime.Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(e)
		}
	}
}
