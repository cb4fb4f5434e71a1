package gate

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goyaml "gopkg.in/yaml.v3"

	"github.com/ytakagi/factory/internal/contract"
	"github.com/ytakagi/factory/internal/logging"
)

const testContract = `schema_version: 1
file_type: factory_contract
risk_tiers:
  - tier: medium
    path_globs:
      - "internal/*"
    required_checks:
      - lint
      - unit_tests
      - reviewer_subagent
docs_drift_rules:
  - path_glob: "internal/api/*"
    must_update:
      - docs/api.md
checks:
  lint:
    command: "make lint"
    timeout_sec: 60
  unit_tests:
    command: "make test"
`

// fakeRunner records commands and returns scripted results.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]CommandResult
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if res, ok := f.results[command]; ok {
		return res, nil
	}
	return CommandResult{ExitCode: 0}, nil
}

func newTestGate(t *testing.T, contractContent string, runner CommandRunner) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	contractPath := filepath.Join(dir, "factory-contract.yaml")
	require.NoError(t, os.WriteFile(contractPath, []byte(contractContent), 0644))

	logger := logging.New(io.Discard, "gate", logging.LevelError)
	g := New(contractPath, filepath.Join(dir, "reports"), runner, logger, 0)
	return g, dir
}

func readReportFile(t *testing.T, path string) *Report {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var r Report
	require.NoError(t, goyaml.Unmarshal(content, &r))
	return &r
}

func TestGate_RunPasses(t *testing.T) {
	runner := &fakeRunner{}
	g, _ := newTestGate(t, testContract, runner)

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/queue/store.go"})
	require.NoError(t, err)

	assert.True(t, report.Passed())
	assert.Equal(t, []string{contract.CheckContractValidate, "lint", "unit_tests", contract.CheckReviewerSubagent}, report.RequiredChecks)

	// contract_validate first, reviewer deferred, both commands ran
	require.Len(t, report.Checks, 4)
	assert.Equal(t, contract.CheckContractValidate, report.Checks[0].Name)
	assert.Equal(t, StatusPassed, report.Checks[0].Status)
	assert.Equal(t, StatusDeferred, report.Checks[3].Status)
	assert.ElementsMatch(t, []string{"make lint", "make test"}, runner.calls)

	// Report persisted before return
	persisted := readReportFile(t, report.ArtifactPath)
	assert.Equal(t, "preflight_report", persisted.FileType)
	assert.Equal(t, StatusPassed, persisted.Status)
}

func TestGate_FailingCheckProducesFailedReport(t *testing.T) {
	runner := &fakeRunner{results: map[string]CommandResult{
		"make test": {ExitCode: 2, Stderr: "FAIL: TestSomething"},
	}}
	g, _ := newTestGate(t, testContract, runner)

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/a.go"})
	require.NoError(t, err)

	assert.False(t, report.Passed())
	assert.Equal(t, []string{"unit_tests"}, report.FailedChecks())

	persisted := readReportFile(t, report.ArtifactPath)
	assert.Equal(t, StatusFailed, persisted.Status)
}

func TestGate_TimeoutFailsCheck(t *testing.T) {
	runner := &fakeRunner{results: map[string]CommandResult{
		"make lint": {ExitCode: -1, TimedOut: true},
	}}
	g, _ := newTestGate(t, testContract, runner)

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/a.go"})
	require.NoError(t, err)

	assert.False(t, report.Passed())
	for _, check := range report.Checks {
		if check.Name == "lint" {
			assert.Equal(t, StatusFailed, check.Status)
			assert.Equal(t, "timeout", check.Reason)
		}
	}
}

func TestGate_InvalidContractIsReportContent(t *testing.T) {
	invalid := `schema_version: 1
file_type: factory_contract
risk_tiers: []
`
	g, _ := newTestGate(t, invalid, &fakeRunner{})

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/a.go"})
	require.NoError(t, err)

	assert.False(t, report.Passed())
	require.Len(t, report.Checks, 1)
	assert.Equal(t, contract.CheckContractValidate, report.Checks[0].Name)
	assert.Equal(t, StatusFailed, report.Checks[0].Status)

	// Evidence persisted even for the validation failure
	_, statErr := os.Stat(report.ArtifactPath)
	assert.NoError(t, statErr)
}

func TestGate_MissingContractIsInfrastructureError(t *testing.T) {
	logger := logging.New(io.Discard, "gate", logging.LevelError)
	g := New(filepath.Join(t.TempDir(), "absent.yaml"), t.TempDir(), &fakeRunner{}, logger, 0)

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/a.go"})
	require.Error(t, err)
	assert.Nil(t, report)
}

func TestGate_DocsDriftFailsGate(t *testing.T) {
	g, _ := newTestGate(t, testContract, &fakeRunner{})

	report, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo", []string{"internal/api/handler.go"})
	require.NoError(t, err)

	assert.False(t, report.Passed())
	assert.Equal(t, StatusFailed, report.DocsDrift.Status)
	require.Len(t, report.DocsDrift.Violations, 1)
	assert.Equal(t, []string{"docs/api.md"}, report.DocsDrift.Violations[0].Missing)
	assert.Empty(t, report.FailedChecks(), "drift alone fails the gate, not the checks")
}

func TestGate_DeterministicForChangedSet(t *testing.T) {
	g, _ := newTestGate(t, testContract, &fakeRunner{})

	first, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo",
		[]string{"internal/b.go", "internal/a.go", "internal/a.go"})
	require.NoError(t, err)

	second, err := g.Run(context.Background(), "task_0000000001_deadbeef", "/repo",
		[]string{"internal/a.go", "internal/b.go"})
	require.NoError(t, err)

	assert.Equal(t, []string{"internal/a.go", "internal/b.go"}, first.ChangedFiles)
	assert.Equal(t, first.ChangedFiles, second.ChangedFiles)
	assert.Equal(t, first.RequiredChecks, second.RequiredChecks)
	assert.Equal(t, first.Status, second.Status)
}
