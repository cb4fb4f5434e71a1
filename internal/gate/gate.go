// Package gate runs the deterministic preflight gate: required checks are
// resolved from the contract's risk tiers, executed under per-check
// timeouts, and the full evidence is persisted as a report before the
// verdict is returned.
package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ytakagi/factory/internal/contract"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/yaml"
)

// Gate evaluates one changed-file set against the contract.
type Gate struct {
	contractPath      string
	reportsDir        string
	runner            CommandRunner
	logger            *logging.Logger
	defaultTimeoutSec int
	flight            singleflight.Group
}

// New creates a gate. defaultTimeoutSec caps checks whose contract
// definition carries no timeout_sec; zero means the contract default.
func New(contractPath, reportsDir string, runner CommandRunner, logger *logging.Logger, defaultTimeoutSec int) *Gate {
	if runner == nil {
		runner = ExecRunner{}
	}
	if defaultTimeoutSec <= 0 {
		defaultTimeoutSec = contract.DefaultCheckTimeoutSec
	}
	return &Gate{
		contractPath:      contractPath,
		reportsDir:        reportsDir,
		runner:            runner,
		logger:            logger,
		defaultTimeoutSec: defaultTimeoutSec,
	}
}

// ReportPath returns where the report for a task is persisted.
func (g *Gate) ReportPath(taskID string) string {
	return filepath.Join(g.reportsDir, fmt.Sprintf("preflight_%s.yaml", taskID))
}

// Run evaluates the gate for one task. The returned error is non-nil only
// for infrastructure failures (unreadable contract, unwritable report); a
// failing check is report content, not an error. Concurrent runs with the
// same task and changed-file set share one evaluation.
func (g *Gate) Run(ctx context.Context, taskID, repoRoot string, changedFiles []string) (*Report, error) {
	changed := normalizeChangedFiles(changedFiles)

	key := fmt.Sprintf("%s:%s", taskID, fingerprint(changed))
	result, err, _ := g.flight.Do(key, func() (any, error) {
		return g.run(ctx, taskID, repoRoot, changed)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Report), nil
}

func (g *Gate) run(ctx context.Context, taskID, repoRoot string, changed []string) (*Report, error) {
	report := &Report{
		SchemaVersion:  yaml.CurrentSchemaVersion,
		FileType:       "preflight_report",
		TaskID:         taskID,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		RepoRoot:       repoRoot,
		ContractPath:   g.contractPath,
		ChangedFiles:   changed,
		DocsDrift:      DocsDriftResult{Status: StatusPassed},
		Status:         StatusFailed,
		ArtifactPath:   g.ReportPath(taskID),
	}

	c, err := contract.Load(g.contractPath)
	if err != nil {
		var verr *contract.ValidationError
		if !errors.As(err, &verr) {
			// Unreadable contract is an infrastructure failure
			return nil, fmt.Errorf("gate: %w", err)
		}
		report.Checks = append(report.Checks, CheckResult{
			Name:     contract.CheckContractValidate,
			Status:   StatusFailed,
			Command:  "schema-validate",
			ExitCode: 1,
			Stderr:   verr.Error(),
		})
		g.logger.Warnf("contract validation failed task=%s err=%v", taskID, verr)
		return report, g.writeReport(report)
	}

	report.Checks = append(report.Checks, CheckResult{
		Name:    contract.CheckContractValidate,
		Status:  StatusPassed,
		Command: "schema-validate",
	})

	report.RequiredChecks = c.RequiredChecksForFiles(changed)

	for _, name := range report.RequiredChecks {
		switch name {
		case contract.CheckContractValidate:
			continue
		case contract.CheckReviewerSubagent:
			// Resolved by the loop after the gate, never run here
			report.Checks = append(report.Checks, CheckResult{
				Name:    contract.CheckReviewerSubagent,
				Status:  StatusDeferred,
				Command: "handled_by_factory_loop",
			})
			continue
		}

		def, ok := c.Checks[name]
		if !ok {
			report.Checks = append(report.Checks, CheckResult{
				Name:     name,
				Status:   StatusFailed,
				Reason:   "missing_check_definition",
				ExitCode: 127,
			})
			continue
		}

		report.Checks = append(report.Checks, g.runCheck(ctx, repoRoot, name, def))
	}

	if violations := c.DocsDriftViolations(changed); len(violations) > 0 {
		report.DocsDrift = DocsDriftResult{Status: StatusFailed, Violations: violations}
	}

	if len(report.FailedChecks()) == 0 && report.DocsDrift.Status == StatusPassed {
		report.Status = StatusPassed
	}

	g.logger.Infof("gate finished task=%s status=%s checks=%d changed=%d",
		taskID, report.Status, len(report.Checks), len(changed))

	return report, g.writeReport(report)
}

func (g *Gate) runCheck(ctx context.Context, repoRoot, name string, def contract.CheckDef) CheckResult {
	command := strings.TrimSpace(def.Command)
	if command == "" {
		return CheckResult{
			Name:     name,
			Status:   StatusFailed,
			Reason:   "missing_command",
			ExitCode: 127,
		}
	}

	timeoutSec := def.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = g.defaultTimeoutSec
	}
	timeout := time.Duration(timeoutSec) * time.Second

	g.logger.Debugf("running check name=%s timeout=%s", name, timeout)
	res, err := g.runner.Run(ctx, repoRoot, command, timeout)
	if err != nil {
		return CheckResult{
			Name:     name,
			Status:   StatusFailed,
			Reason:   "execution_error",
			Command:  command,
			ExitCode: 127,
			Stderr:   err.Error(),
		}
	}

	result := CheckResult{
		Name:     name,
		Command:  command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	switch {
	case res.TimedOut:
		result.Status = StatusFailed
		result.Reason = "timeout"
	case res.ExitCode == 0:
		result.Status = StatusPassed
	default:
		result.Status = StatusFailed
	}
	return result
}

func (g *Gate) writeReport(report *Report) error {
	if err := os.MkdirAll(filepath.Dir(report.ArtifactPath), 0755); err != nil {
		return fmt.Errorf("gate: create reports dir: %w", err)
	}
	if err := yaml.AtomicWrite(report.ArtifactPath, report); err != nil {
		return fmt.Errorf("gate: write report: %w", err)
	}
	return nil
}

// normalizeChangedFiles sorts and de-duplicates so the gate is deterministic
// for a given change set regardless of discovery order.
func normalizeChangedFiles(files []string) []string {
	seen := make(map[string]bool, len(files))
	out := make([]string, 0, len(files))
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func fingerprint(changed []string) string {
	sum := sha256.Sum256([]byte(strings.Join(changed, "\x00")))
	return hex.EncodeToString(sum[:8])
}
