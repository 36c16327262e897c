package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for kvlab durable data.
// Preference order:
// 1. $XDG_DATA_HOME/kvlab
// 2. ~/.local/share/kvlab
// 3. $XDG_RUNTIME_DIR/kvlab
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, "kvlab"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "kvlab"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", "kvlab"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kvlab"), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// LabsDir returns the default directory holding lab definition files.
func LabsDir() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "labs"), nil
}
