package runtime

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

// Checkpoint is the durable, resumable snapshot of a run's execution state,
// written to {logs_root}/checkpoint.json after every completed node (spec
// §6.3). It carries no git dependency: GitCommitSHA is populated only when
// the optional git-backed checkpoint recorder is enabled (see gitutil).
type Checkpoint struct {
	Timestamp      time.Time      `json:"timestamp"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	NodeRetries    map[string]int `json:"node_retries"`
	ContextValues  map[string]any `json:"context"`
	Logs           []string       `json:"logs"`

	// GitCommitSHA is set only when RunConfigFile.Checkpoint.GitCommits is
	// enabled; empty otherwise.
	GitCommitSHA string `json:"git_commit_sha,omitempty"`

	// Checksum is a blake3 digest of every other field, computed on Save.
	// LoadCheckpoint does not check it; VerifyChecksum does, and Resume
	// calls it, so a truncated or corrupted checkpoint file is detected
	// before it is trusted for resume.
	Checksum string `json:"checksum,omitempty"`

	// Extra carries handler- and engine-internal bookkeeping (e.g. the last
	// resolved fidelity/thread key, loop_restart counters) that doesn't
	// belong in the checkpoint's stable public shape.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewCheckpoint returns an empty checkpoint ready to be populated and saved.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		NodeRetries:   map[string]int{},
		ContextValues: map[string]any{},
	}
}

// Save writes the checkpoint to path as indented JSON, stamping a fresh
// checksum over the rest of the document first.
func (cp *Checkpoint) Save(path string) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	cp.Checksum = ""
	digestInput, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal for checksum: %w", err)
	}
	sum := blake3.Sum256(digestInput)
	cp.Checksum = hex.EncodeToString(sum[:])

	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadCheckpoint reads and decodes a checkpoint.json file. It does not
// re-verify the checksum (checksums are a corruption tripwire for tooling
// that writes checkpoints outside the engine, not a security boundary);
// callers that need to verify use VerifyChecksum explicitly.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &cp, nil
}

// VerifyChecksum reports whether cp.Checksum matches a freshly computed
// digest of the rest of the document.
func (cp *Checkpoint) VerifyChecksum() bool {
	if cp == nil || cp.Checksum == "" {
		return false
	}
	want := cp.Checksum
	cp.Checksum = ""
	digestInput, err := json.Marshal(cp)
	cp.Checksum = want
	if err != nil {
		return false
	}
	sum := blake3.Sum256(digestInput)
	return hex.EncodeToString(sum[:]) == want
}
