package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for kvlab state.
// Preference order:
// 1. $XDG_STATE_HOME/kvlab
// 2. ~/.local/state/kvlab
// 3. $XDG_RUNTIME_DIR/kvlab
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "kvlab"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kvlab"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "kvlab"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kvlab"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// SessionDBPath returns the default SQLite database for session state.
func SessionDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions.db"), nil
}
