// Package backend provides concrete implementations of the engine's
// generative-backend collaborator (spec §6.1): Simulated for tests/dry-runs
// and HTTPBackend for any JSON-over-HTTP generative endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danshapiro/kilroy/internal/attractor/runtime"
)

// Backend is the codergen handler's sole collaborator: given a prompt it
// returns either a raw string response (wrapped in a SUCCESS outcome by the
// caller) or an explicit Outcome it has already constructed itself.
type Backend interface {
	Run(ctx context.Context, nodeID, prompt string) (response string, outcome *runtime.Outcome, err error)
}

// Simulated returns a canned response without making any outbound call.
// Useful for dry runs, tests, and pipelines whose codergen nodes are
// exercised by fixtures.
type Simulated struct {
	// Response, when set, is returned verbatim; otherwise a default
	// per-node message is synthesized.
	Response string
}

func (b *Simulated) Run(ctx context.Context, nodeID, prompt string) (string, *runtime.Outcome, error) {
	resp := b.Response
	if resp == "" {
		resp = "[simulated] response for node " + nodeID
	}
	out := runtime.Outcome{Status: runtime.StatusSuccess, Notes: "simulated codergen completed"}
	return resp, &out, nil
}

// HTTPBackend calls a single JSON-over-HTTP generative endpoint: POST a
// {"prompt": "..."} body, expect a {"response": "..."} body back. This is
// deliberately generic rather than tied to any one vendor's wire format —
// spec §6.1 only requires Run(node, prompt, contextView) → (string|Outcome);
// a real deployment wraps a provider-specific Backend around the same HTTP
// client pattern.
type HTTPBackend struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Timeout time.Duration
}

type httpRequest struct {
	Prompt string `json:"prompt"`
	NodeID string `json:"node_id,omitempty"`
}

type httpResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (b *HTTPBackend) httpClient() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

func (b *HTTPBackend) Run(ctx context.Context, nodeID, prompt string) (string, *runtime.Outcome, error) {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(httpRequest{Prompt: prompt, NodeID: nodeID})
	if err != nil {
		return "", nil, fmt.Errorf("backend: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.BaseURL, "/")+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	resp, err := b.httpClient().Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("backend: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		status := runtime.StatusFail
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			status = runtime.StatusRetry
		}
		out := runtime.Outcome{
			Status:        status,
			FailureReason: fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
		return "", &out, nil
	}
	var decoded httpResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", nil, fmt.Errorf("backend: decode response: %w", err)
	}
	if decoded.Error != "" {
		out := runtime.Outcome{Status: runtime.StatusFail, FailureReason: decoded.Error}
		return "", &out, nil
	}
	return decoded.Response, nil, nil
}
