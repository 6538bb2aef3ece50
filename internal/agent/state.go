package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// stateFile holds the agent's enrollment under the state directory.
const stateFile = "agent.json"

// State is the agent's durable view of its enrollment. The WireGuard
// private key lives in its own file (see internal/wireguard); everything
// here is safe to read with the key absent.
type State struct {
	NodeID       string    `json:"node_id,omitempty"`
	Token        string    `json:"token,omitempty"`
	OverlayIP    string    `json:"overlay_ip,omitempty"`
	HubPublicKey string    `json:"hub_public_key,omitempty"`
	HubEndpoint  string    `json:"hub_endpoint,omitempty"`
	AppliedHash  string    `json:"applied_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Enrolled reports whether this host has a node identity.
func (s State) Enrolled() bool {
	return s.NodeID != "" && s.Token != ""
}

// LoadState reads the persisted state. A missing file is a fresh install
// and returns a zero state.
func LoadState(dir string) (State, error) {
	raw, err := os.ReadFile(filepath.Join(dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("agent: read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("agent: state file is corrupt: %w", err)
	}
	return st, nil
}

// Save persists the state atomically with owner-only permissions; the file
// carries the bearer token.
func (s State) Save(dir string) error {
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("agent: marshal state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("agent: create state dir: %w", err)
	}
	path := filepath.Join(dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("agent: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("agent: install state: %w", err)
	}
	return nil
}

// WriteDump writes a diagnostic snapshot next to the state file and returns
// its path. Used when the agent hits an invariant violation (exit code 10);
// the path goes into the final log line.
func WriteDump(dir string, v interface{}) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("agent: marshal dump: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("agent: create state dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("dump-%s.json", time.Now().UTC().Format("20060102T150405Z")))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("agent: write dump: %w", err)
	}
	return path, nil
}
