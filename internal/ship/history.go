package ship

import (
	"fmt"
	"os"
	"path/filepath"

	goyaml "gopkg.in/yaml.v3"

	"github.com/ytakagi/factory/internal/lock"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/yaml"
)

// ShipRecord is one entry in the append-only merge history.
type ShipRecord struct {
	ID           string         `yaml:"id"`
	TaskID       string         `yaml:"task_id"`
	Mode         model.ShipMode `yaml:"mode"`
	Outcome      Outcome        `yaml:"outcome"`
	Reason       string         `yaml:"reason,omitempty"`
	TargetBranch string         `yaml:"target_branch"`
	Ref          string         `yaml:"ref,omitempty"`
	Timestamp    string         `yaml:"timestamp"`
}

// MergeHistory is the persisted state/merge_history.yaml document.
type MergeHistory struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Records       []ShipRecord `yaml:"records"`
}

// History appends ship records to the merge history file. Entries are never
// rewritten or removed; concurrent controllers serialize on a file lock.
type History struct {
	path     string
	lockPath string
}

func NewHistory(factoryDir string) *History {
	return &History{
		path:     filepath.Join(factoryDir, "state", "merge_history.yaml"),
		lockPath: filepath.Join(factoryDir, "locks", "merge_history.lock"),
	}
}

// Path returns the history file location.
func (h *History) Path() string {
	return h.path
}

// Append adds one record under the file lock.
func (h *History) Append(record ShipRecord) error {
	if err := os.MkdirAll(filepath.Dir(h.lockPath), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	fl := lock.NewFileLock(h.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock merge history: %w", err)
	}
	defer fl.Unlock()

	history, err := h.read()
	if err != nil {
		return err
	}

	history.Records = append(history.Records, record)

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := yaml.AtomicWrite(h.path, history); err != nil {
		return fmt.Errorf("write merge history: %w", err)
	}
	return nil
}

// Records returns all history entries, oldest first.
func (h *History) Records() ([]ShipRecord, error) {
	history, err := h.read()
	if err != nil {
		return nil, err
	}
	return history.Records, nil
}

func (h *History) read() (*MergeHistory, error) {
	content, err := os.ReadFile(h.path)
	if os.IsNotExist(err) {
		return &MergeHistory{
			SchemaVersion: yaml.CurrentSchemaVersion,
			FileType:      "merge_history",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read merge history: %w", err)
	}

	var history MergeHistory
	if err := goyaml.Unmarshal(content, &history); err != nil {
		return nil, fmt.Errorf("parse merge history: %w", err)
	}
	if history.SchemaVersion == 0 {
		history.SchemaVersion = yaml.CurrentSchemaVersion
	}
	if history.FileType == "" {
		history.FileType = "merge_history"
	}
	return &history, nil
}
