package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dsifry/metarelay/internal/pathutil"
)

// ResolveWorkspacePath resolves the directory the daemon keeps its
// runtime state in (lock file, sync snapshot). If empty,
// it falls back to ~/.metarelay.
func ResolveWorkspacePath(workspacePath string) (string, error) {
	if trimmed := strings.TrimSpace(workspacePath); trimmed != "" {
		return pathutil.Expand(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".metarelay"), nil
}

// GetLockPath returns the single-instance lock file path for the daemon.
func GetLockPath(workspacePath string) (string, error) {
	base, err := ResolveWorkspacePath(workspacePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "daemon.lock"), nil
}
