// Package ship executes the ship policy: given an approved change, the
// resolved ship mode and risk tier decide whether it is merged, proposed as
// a PR, recorded only, or escalated to a human. Every attempt lands in the
// append-only merge history.
package ship

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/pause"
	"github.com/ytakagi/factory/internal/review"
)

// ModeOverrideEnv forces report_only mode for a whole loop invocation.
const ModeOverrideEnv = "FACTORY_SHIP_MODE_OVERRIDE"

type Outcome string

const (
	// OutcomeShipped: the mutating action completed.
	OutcomeShipped Outcome = "shipped"
	// OutcomeBlocked: policy or pause stopped the ship; nothing mutated.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeNeedsHuman: the policy table routes this change to a person.
	OutcomeNeedsHuman Outcome = "needs_human"
	// OutcomeRecorded: report_only mode; evidence kept, nothing mutated.
	OutcomeRecorded Outcome = "recorded"
)

// Result is the executor's answer for one ship attempt.
type Result struct {
	Outcome      Outcome
	Mode         model.ShipMode
	TargetBranch string
	Reason       string
	Ref          string
}

// ResolveModeOverride reads the environment override once. Only report_only
// is honored; the override can make shipping safer, never more aggressive.
func ResolveModeOverride() (model.ShipMode, bool) {
	v := os.Getenv(ModeOverrideEnv)
	if model.ShipMode(v) == model.ShipModeReportOnly {
		return model.ShipModeReportOnly, true
	}
	return "", false
}

// Executor applies the ship policy table.
type Executor struct {
	cfg      model.ShipConfig
	override model.ShipMode
	backend  Backend
	history  *History
	flag     *pause.Flag
	logger   *logging.Logger
}

// NewExecutor creates an executor. override is the mode forced for this
// loop invocation, or empty for none.
func NewExecutor(cfg model.ShipConfig, override model.ShipMode, backend Backend, history *History, flag *pause.Flag, logger *logging.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		override: override,
		backend:  backend,
		history:  history,
		flag:     flag,
		logger:   logger,
	}
}

// Ship applies the policy table to one reviewed task. The returned error is
// non-nil only for infrastructure failures (backend or history write); every
// policy decision is a Result. Nothing is mutated unless the result is
// shipped.
func (e *Executor) Ship(ctx context.Context, task model.Task, decision review.Decision) (Result, error) {
	mode := e.resolveMode(task)
	result := Result{
		Mode:         mode,
		TargetBranch: e.targetBranch(task),
	}

	// Policy escalations outrank the verdict: a change the table routes to
	// a human stays with a human no matter what the reviewer said
	if reason, ok := e.policyEscalation(task, mode, result.TargetBranch); ok {
		result.Outcome = OutcomeNeedsHuman
		result.Reason = reason
		return result, e.record(task, result)
	}

	// A rejected change never ships in any mode
	if decision.Verdict == review.VerdictReject {
		result.Outcome = OutcomeBlocked
		result.Reason = "reviewer rejected"
		return result, e.record(task, result)
	}
	if decision.Verdict != review.VerdictApprove {
		result.Outcome = OutcomeNeedsHuman
		result.Reason = "verdict " + string(decision.Verdict)
		return result, e.record(task, result)
	}

	// Pause wins over everything mutating; no history entry either, the
	// operator asked for quiet
	if e.flag != nil && e.flag.IsSet() {
		result.Outcome = OutcomeBlocked
		result.Reason = "factory paused"
		e.logger.Warnf("ship blocked by pause task=%s", task.ID)
		return result, nil
	}

	switch mode {
	case model.ShipModeReportOnly:
		result.Outcome = OutcomeRecorded
		return result, e.record(task, result)

	case model.ShipModeBranchPR:
		ref, err := e.backend.OpenBranchPR(ctx, task, result.TargetBranch)
		if err != nil {
			return result, fmt.Errorf("open branch PR: %w", err)
		}
		result.Outcome = OutcomeShipped
		result.Ref = ref
		return result, e.record(task, result)

	case model.ShipModeAutoMergeGuard:
		ref, err := e.backend.AutoMerge(ctx, task, result.TargetBranch)
		if err != nil {
			return result, fmt.Errorf("auto merge: %w", err)
		}
		result.Outcome = OutcomeShipped
		result.Ref = ref
		return result, e.record(task, result)

	default:
		result.Outcome = OutcomeNeedsHuman
		result.Reason = fmt.Sprintf("unrecognized ship mode %q", mode)
		return result, e.record(task, result)
	}
}

// policyEscalation reports the policy-table rows that route a change to a
// human before any verdict or backend is consulted.
func (e *Executor) policyEscalation(task model.Task, mode model.ShipMode, targetBranch string) (string, bool) {
	switch mode {
	case model.ShipModeReportOnly:
		return "", false
	case model.ShipModeBranchPR:
		if task.RiskTier == model.RiskTierCritical && e.isProtected(targetBranch) {
			return "critical tier targeting protected branch", true
		}
		return "", false
	case model.ShipModeAutoMergeGuard:
		return e.autoMergeBlocked(task, targetBranch)
	default:
		return fmt.Sprintf("unrecognized ship mode %q", mode), true
	}
}

func (e *Executor) resolveMode(task model.Task) model.ShipMode {
	if e.override != "" {
		return e.override
	}
	if task.ShipMode != "" {
		return task.ShipMode
	}
	return e.cfg.DefaultMode
}

func (e *Executor) targetBranch(task model.Task) string {
	if task.TargetBranch != "" {
		return task.TargetBranch
	}
	if e.cfg.DefaultBranch != "" {
		return e.cfg.DefaultBranch
	}
	return "main"
}

func (e *Executor) isProtected(branch string) bool {
	for _, b := range e.cfg.ProtectedBranches {
		if b == branch {
			return true
		}
	}
	return false
}

// autoMergeBlocked returns the policy reason keeping a change out of
// auto-merge, if any.
func (e *Executor) autoMergeBlocked(task model.Task, targetBranch string) (string, bool) {
	allowed := false
	for _, tier := range e.cfg.AutoMerge.AllowedTiers {
		if tier == task.RiskTier {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Sprintf("risk tier %q not allowed for auto merge", task.RiskTier), true
	}
	if e.isProtected(targetBranch) && !e.cfg.AutoMerge.AllowProtected {
		return fmt.Sprintf("branch %q is protected", targetBranch), true
	}
	return "", false
}

func (e *Executor) record(task model.Task, result Result) error {
	id, err := model.GenerateID(model.IDTypeShip)
	if err != nil {
		return fmt.Errorf("generate ship record id: %w", err)
	}

	record := ShipRecord{
		ID:           id,
		TaskID:       task.ID,
		Mode:         result.Mode,
		Outcome:      result.Outcome,
		Reason:       result.Reason,
		TargetBranch: result.TargetBranch,
		Ref:          result.Ref,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.history.Append(record); err != nil {
		return err
	}

	e.logger.Infof("ship task=%s mode=%s outcome=%s branch=%s",
		task.ID, result.Mode, result.Outcome, result.TargetBranch)
	return nil
}
