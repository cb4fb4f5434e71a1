// Package controller drives the factory loop: claim a task, implement it,
// run the preflight gate, consult the reviewer, apply the ship policy, and
// map the outcome back onto the queue state machine. Retries are bounded,
// anomaly streaks trip the pause flag, and every iteration leaves a trace.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ytakagi/factory/internal/events"
	"github.com/ytakagi/factory/internal/gate"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/pause"
	"github.com/ytakagi/factory/internal/queue"
	"github.com/ytakagi/factory/internal/review"
	"github.com/ytakagi/factory/internal/ship"
)

type StopReason string

const (
	// StopEmptyQueue: no claimable work remained.
	StopEmptyQueue StopReason = "empty_queue"
	// StopPaused: the pause flag was set, by an operator or by the anomaly
	// detector.
	StopPaused StopReason = "paused"
	// StopInfraError: the loop itself failed; queue state is untouched.
	StopInfraError StopReason = "infra_error"
	// StopOnce: a single-pass run finished its one iteration.
	StopOnce StopReason = "once"
)

// RunResult summarizes one Run invocation.
type RunResult struct {
	Iterations int
	StopReason StopReason
	Err        error
}

// ExitCode maps the stop reason onto the process exit code: draining the
// queue and pausing are both clean exits.
func (r RunResult) ExitCode() int {
	if r.StopReason == StopInfraError {
		return 1
	}
	return 0
}

const defaultAnomalyThreshold = 3

// Deps are the collaborators one controller orchestrates.
type Deps struct {
	Store       *queue.Store
	Gate        *gate.Gate
	Reviewer    *review.Reviewer
	Executor    *ship.Executor
	Implementer Implementer
	PauseFlag   *pause.Flag
	Heartbeat   *events.Sink
	Trace       *events.Sink
	Logger      *logging.Logger
}

// Controller runs the factory loop for one repository.
type Controller struct {
	store       *queue.Store
	gate        *gate.Gate
	reviewer    *review.Reviewer
	executor    *ship.Executor
	implementer Implementer
	flag        *pause.Flag
	heartbeat   *events.Sink
	trace       *events.Sink
	logger      *logging.Logger

	repoRoot         string
	owner            string
	anomalyThreshold int

	consecutiveAnomalies int
}

func New(cfg model.Config, deps Deps) *Controller {
	threshold := cfg.Anomaly.PauseThreshold
	if threshold <= 0 {
		threshold = defaultAnomalyThreshold
	}
	return &Controller{
		store:            deps.Store,
		gate:             deps.Gate,
		reviewer:         deps.Reviewer,
		executor:         deps.Executor,
		implementer:      deps.Implementer,
		flag:             deps.PauseFlag,
		heartbeat:        deps.Heartbeat,
		trace:            deps.Trace,
		logger:           deps.Logger,
		repoRoot:         cfg.Project.RepoRoot,
		owner:            fmt.Sprintf("factory-%d", os.Getpid()),
		anomalyThreshold: threshold,
	}
}

// Run drains the queue until a stop condition. With once set it processes
// at most one task.
func (c *Controller) Run(ctx context.Context, once bool) RunResult {
	result := RunResult{}

	for {
		if err := ctx.Err(); err != nil {
			result.StopReason = StopInfraError
			result.Err = err
			return result
		}

		if _, err := c.store.ReclaimStaleClaims(); err != nil {
			result.StopReason = StopInfraError
			result.Err = fmt.Errorf("reclaim stale claims: %w", err)
			return result
		}

		// Graceful halt before claiming anything
		if c.flag.IsSet() {
			c.logger.Infof("loop stopping: pause flag set")
			result.StopReason = StopPaused
			return result
		}

		task, err := c.store.ClaimNext(c.owner)
		if errors.Is(err, queue.ErrEmptyQueue) {
			c.logger.Infof("loop stopping: queue empty after %d iteration(s)", result.Iterations)
			result.StopReason = StopEmptyQueue
			return result
		}
		if err != nil {
			result.StopReason = StopInfraError
			result.Err = fmt.Errorf("claim next: %w", err)
			return result
		}

		outcome, err := c.processTask(ctx, task)
		if err != nil {
			result.StopReason = StopInfraError
			result.Err = err
			return result
		}
		result.Iterations++

		c.heartbeatNote(task.ID, string(outcome.finalStatus))

		if outcome.anomalous {
			c.consecutiveAnomalies++
			if c.consecutiveAnomalies >= c.anomalyThreshold {
				reason := fmt.Sprintf("anomaly streak: %d consecutive dead-letter or gate failures", c.consecutiveAnomalies)
				c.logger.Errorf("auto pause: %s", reason)
				if err := c.flag.Set(reason); err != nil {
					c.logger.Errorf("set pause flag: %v", err)
				}
				result.StopReason = StopPaused
				return result
			}
		} else if outcome.finalStatus == model.StatusCompleted || outcome.finalStatus == model.StatusNeedsHuman {
			// A retried task neither extends nor breaks the streak; only a
			// delivered outcome resets it
			c.consecutiveAnomalies = 0
		}

		if outcome.stop != "" {
			result.StopReason = outcome.stop
			return result
		}

		if once {
			result.StopReason = StopOnce
			return result
		}
	}
}

// taskOutcome is how one iteration ended.
type taskOutcome struct {
	finalStatus model.Status
	anomalous   bool
	stop        StopReason
}

// processTask runs one claimed task through implement, gate, review, and
// ship. Returned errors are infrastructure failures that abort the loop;
// task-level failures are charged to the retry budget instead.
func (c *Controller) processTask(ctx context.Context, task model.Task) (taskOutcome, error) {
	start := time.Now()
	trace := events.TraceEvent{
		Timestamp: start.UTC(),
		TaskID:    task.ID,
		Attempts:  task.Attempts,
	}

	outcome, err := c.runSteps(ctx, task, &trace)
	if err != nil {
		return outcome, err
	}

	trace.FinalStatus = string(outcome.finalStatus)
	trace.DurationMs = time.Since(start).Milliseconds()
	c.appendTrace(trace)
	return outcome, nil
}

func (c *Controller) runSteps(ctx context.Context, task model.Task, trace *events.TraceEvent) (taskOutcome, error) {
	impl, err := c.implementer.Implement(ctx, task)
	if err != nil {
		c.logger.Warnf("implement failed task=%s err=%v", task.ID, err)
		trace.Error = err.Error()
		return c.chargeRetry(task, fmt.Sprintf("implement: %v", err))
	}

	report, err := c.gate.Run(ctx, task.ID, c.repoRoot, impl.ChangedFiles)
	if err != nil {
		// Gate infrastructure failure: hand the claim back untouched so the
		// attempt is not charged, and count the anomaly
		c.logger.Errorf("gate infrastructure failure task=%s err=%v", task.ID, err)
		trace.Error = err.Error()
		if relErr := c.store.Release(task.ID, c.owner, model.StatusPending); relErr != nil {
			return taskOutcome{}, fmt.Errorf("release after gate failure: %w", relErr)
		}
		return taskOutcome{finalStatus: model.StatusPending, anomalous: true}, nil
	}

	trace.GateStatus = report.Status
	trace.ReportPath = report.ArtifactPath

	if !report.Passed() {
		return c.chargeRetry(task, fmt.Sprintf("gate failed: %s", report.ArtifactPath))
	}

	decision := c.reviewer.Decide(ctx, review.Request{
		Task:                 task,
		ImplementationOutput: impl.Output,
		Report:               report,
	})
	trace.Verdict = string(decision.Verdict)

	result, err := c.executor.Ship(ctx, task, decision)
	if err != nil {
		c.logger.Warnf("ship failed task=%s err=%v", task.ID, err)
		trace.Error = err.Error()
		return c.chargeRetry(task, fmt.Sprintf("ship: %v", err))
	}
	trace.ShipOutcome = string(result.Outcome)

	switch {
	case result.Outcome == ship.OutcomeNeedsHuman:
		// Policy escalations outrank the verdict, so this is checked before
		// the reject retry
		if err := c.store.Release(task.ID, c.owner, model.StatusNeedsHuman); err != nil {
			return taskOutcome{}, fmt.Errorf("release to needs_human: %w", err)
		}
		return taskOutcome{finalStatus: model.StatusNeedsHuman}, nil

	case decision.Verdict == review.VerdictReject:
		return c.chargeRetry(task, fmt.Sprintf("reviewer rejected: %s", decision.Rationale))

	case result.Outcome == ship.OutcomeBlocked:
		// Pause arrived between claim and ship: give the task back without
		// charging an attempt and stop the loop
		if err := c.store.Release(task.ID, c.owner, model.StatusPending); err != nil {
			return taskOutcome{}, fmt.Errorf("release after pause block: %w", err)
		}
		return taskOutcome{finalStatus: model.StatusPending, stop: StopPaused}, nil

	default:
		// shipped or recorded
		if err := c.store.Release(task.ID, c.owner, model.StatusCompleted); err != nil {
			return taskOutcome{}, fmt.Errorf("release to completed: %w", err)
		}
		return taskOutcome{finalStatus: model.StatusCompleted}, nil
	}
}

// chargeRetry records a failed attempt; dead-lettering is anomalous.
func (c *Controller) chargeRetry(task model.Task, errText string) (taskOutcome, error) {
	status, err := c.store.RecordRetry(task.ID, c.owner, errText)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("record retry: %w", err)
	}
	return taskOutcome{
		finalStatus: status,
		anomalous:   status == model.StatusDeadLetter,
	}, nil
}

func (c *Controller) heartbeatNote(taskID, note string) {
	if c.heartbeat == nil {
		return
	}
	if err := c.heartbeat.Heartbeat(taskID, note); err != nil {
		c.logger.Warnf("heartbeat append failed: %v", err)
	}
}

func (c *Controller) appendTrace(trace events.TraceEvent) {
	if c.trace == nil {
		return
	}
	if err := c.trace.Append(trace); err != nil {
		c.logger.Warnf("trace append failed: %v", err)
	}
}
