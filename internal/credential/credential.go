// Package credential supplies the optional Anthropic API key and resolves
// the assistant backend executable.
package credential

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const apiKeyEnv = "ANTHROPIC_API_KEY"

// Store looks up the API key used to authenticate the assistant backend.
// An empty key is valid: the backend falls back to its own ambient
// authentication (e.g. a logged-in CLI).
type Store struct {
	DataDir string
}

func NewStore(dataDir string) *Store {
	return &Store{DataDir: dataDir}
}

// APIKey returns the configured key, or "" when none is configured.
// The environment wins over the key file so one-off overrides work.
func (s *Store) APIKey() string {
	if key := strings.TrimSpace(os.Getenv(apiKeyEnv)); key != "" {
		return key
	}
	raw, err := os.ReadFile(filepath.Join(s.DataDir, "anthropic_api_key"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// ResolveBackend locates the assistant CLI executable. configured may be
// empty, in which case PATH is searched. Absence is a hard start-time error
// with actionable instructions, not a silent fallback.
func ResolveBackend(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("assistant backend not found at %s: %w", configured, err)
		}
		return configured, nil
	}
	path, err := exec.LookPath("claude")
	if err != nil {
		return "", fmt.Errorf("claude executable not found in PATH; install it with `npm install -g @anthropic-ai/claude-code` or set backend_path in the config file")
	}
	return path, nil
}
