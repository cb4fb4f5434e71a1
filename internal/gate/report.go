package gate

import (
	"github.com/ytakagi/factory/internal/contract"
)

const (
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusDeferred = "deferred"
)

// CheckResult is the outcome of one required check.
type CheckResult struct {
	Name     string `yaml:"name"`
	Status   string `yaml:"status"`
	Reason   string `yaml:"reason,omitempty"`
	Command  string `yaml:"command"`
	ExitCode int    `yaml:"exit_code"`
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`
}

// DocsDriftResult summarizes the docs-drift rule evaluation.
type DocsDriftResult struct {
	Status     string                    `yaml:"status"`
	Violations []contract.DriftViolation `yaml:"violations,omitempty"`
}

// Report is the persisted preflight report. It is written atomically before
// Run returns, pass or fail, so a crash mid-gate never loses the evidence.
type Report struct {
	SchemaVersion  int             `yaml:"schema_version"`
	FileType       string          `yaml:"file_type"`
	TaskID         string          `yaml:"task_id"`
	GeneratedAt    string          `yaml:"generated_at"`
	RepoRoot       string          `yaml:"repo_root"`
	ContractPath   string          `yaml:"contract_path"`
	ChangedFiles   []string        `yaml:"changed_files"`
	RequiredChecks []string        `yaml:"required_checks"`
	Checks         []CheckResult   `yaml:"checks"`
	DocsDrift      DocsDriftResult `yaml:"docs_drift"`
	Status         string          `yaml:"status"`
	ArtifactPath   string          `yaml:"artifact_path"`
}

// Passed reports whether every check and the docs-drift evaluation passed.
func (r *Report) Passed() bool {
	return r.Status == StatusPassed
}

// FailedChecks returns the names of checks that failed.
func (r *Report) FailedChecks() []string {
	var failed []string
	for _, check := range r.Checks {
		if check.Status == StatusFailed {
			failed = append(failed, check.Name)
		}
	}
	return failed
}
