// Package pause implements the emergency pause sentinel. Presence of the
// sentinel file halts all side-effecting loop transitions; only existence is
// checked, never content.
package pause

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const SentinelName = "PAUSED"

// Flag is a handle to the pause sentinel for one factory directory.
type Flag struct {
	path string
}

func NewFlag(factoryDir string) *Flag {
	return &Flag{path: filepath.Join(factoryDir, "state", SentinelName)}
}

// Path returns the sentinel file location.
func (f *Flag) Path() string {
	return f.path
}

// IsSet reports whether the sentinel exists. A stat error other than
// not-exist is treated as set: when in doubt, stay paused.
func (f *Flag) IsSet() bool {
	_, err := os.Stat(f.path)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}

// Set creates the sentinel with a human-readable reason body. Setting an
// already-set flag keeps the original file.
func (f *Flag) Set(reason string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create pause sentinel: %w", err)
	}
	defer file.Close()

	fmt.Fprintf(file, "paused_at: %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return file.Sync()
}

// Clear removes the sentinel. Clearing an absent flag is a no-op.
func (f *Flag) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pause sentinel: %w", err)
	}
	return nil
}
