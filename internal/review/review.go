// Package review is the reviewer decision port: an opaque oracle consulted
// after the gate passes. The verdict set is closed and every failure mode
// degrades to needs_human; the loop never ships on a reviewer malfunction.
package review

import (
	"context"
	"time"

	"github.com/ytakagi/factory/internal/gate"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
)

type Verdict string

const (
	VerdictApprove    Verdict = "approve"
	VerdictReject     Verdict = "reject"
	VerdictNeedsHuman Verdict = "needs_human"
)

// ParseVerdict maps a raw reviewer string onto the closed verdict set.
func ParseVerdict(s string) (Verdict, bool) {
	switch Verdict(s) {
	case VerdictApprove, VerdictReject, VerdictNeedsHuman:
		return Verdict(s), true
	}
	return "", false
}

// Request is everything a reviewer sees about one implementation attempt.
type Request struct {
	Task                 model.Task
	ImplementationOutput string
	Report               *gate.Report
}

// Decision is the reviewer's answer.
type Decision struct {
	TaskID    string  `yaml:"task_id" json:"task_id"`
	Verdict   Verdict `yaml:"verdict" json:"verdict"`
	Rationale string  `yaml:"rationale" json:"rationale"`
	DecidedAt string  `yaml:"decided_at" json:"decided_at"`
}

// Port is an external verdict oracle. Implementations may fail or time out;
// the Reviewer wrapper absorbs both.
type Port interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Reviewer wraps a Port with a timeout and fail-safe verdict normalization.
type Reviewer struct {
	port    Port
	timeout time.Duration
	logger  *logging.Logger
}

func NewReviewer(port Port, timeout time.Duration, logger *logging.Logger) *Reviewer {
	return &Reviewer{port: port, timeout: timeout, logger: logger}
}

// Decide consults the port and always returns a usable decision. Port
// errors, timeouts, and out-of-set verdicts all yield needs_human with the
// cause as rationale.
func (r *Reviewer) Decide(ctx context.Context, req Request) Decision {
	decideCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		decideCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	decision, err := r.port.Decide(decideCtx, req)
	now := time.Now().UTC().Format(time.RFC3339)

	if err != nil {
		r.logger.Warnf("reviewer failed task=%s err=%v", req.Task.ID, err)
		return Decision{
			TaskID:    req.Task.ID,
			Verdict:   VerdictNeedsHuman,
			Rationale: "reviewer error: " + err.Error(),
			DecidedAt: now,
		}
	}

	if _, ok := ParseVerdict(string(decision.Verdict)); !ok {
		r.logger.Warnf("reviewer returned unknown verdict task=%s verdict=%q", req.Task.ID, decision.Verdict)
		return Decision{
			TaskID:    req.Task.ID,
			Verdict:   VerdictNeedsHuman,
			Rationale: "unknown reviewer verdict: " + string(decision.Verdict),
			DecidedAt: now,
		}
	}

	decision.TaskID = req.Task.ID
	if decision.DecidedAt == "" {
		decision.DecidedAt = now
	}
	return decision
}
