package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytakagi/factory/internal/events"
	"github.com/ytakagi/factory/internal/gate"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/pause"
	"github.com/ytakagi/factory/internal/queue"
	"github.com/ytakagi/factory/internal/review"
	"github.com/ytakagi/factory/internal/ship"
)

// scriptedImplementer fails a set number of times, then succeeds.
type scriptedImplementer struct {
	failures int
	calls    int
	changed  []string
}

func (s *scriptedImplementer) Implement(ctx context.Context, task model.Task) (ImplementResult, error) {
	s.calls++
	if s.calls <= s.failures {
		return ImplementResult{}, fmt.Errorf("attempt %d exploded", s.calls)
	}
	changed := s.changed
	if changed == nil {
		changed = []string{"internal/widget.go"}
	}
	return ImplementResult{Output: "done", ChangedFiles: changed}, nil
}

type verdictPort struct {
	verdict review.Verdict
	err     error
}

func (p *verdictPort) Decide(ctx context.Context, req review.Request) (review.Decision, error) {
	if p.err != nil {
		return review.Decision{}, p.err
	}
	return review.Decision{Verdict: p.verdict, Rationale: "scripted"}, nil
}

type passRunner struct{}

func (passRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (gate.CommandResult, error) {
	return gate.CommandResult{ExitCode: 0}, nil
}

type failRunner struct{}

func (failRunner) Run(ctx context.Context, dir, command string, timeout time.Duration) (gate.CommandResult, error) {
	return gate.CommandResult{ExitCode: 1, Stderr: "check blew up"}, nil
}

const loopContract = `schema_version: 1
file_type: factory_contract
risk_tiers:
  - tier: medium
    path_globs:
      - "internal/*"
    required_checks:
      - unit_tests
checks:
  unit_tests:
    command: "make test"
`

type harness struct {
	dir        string
	store      *queue.Store
	flag       *pause.Flag
	history    *ship.History
	controller *Controller
	trace      *events.Sink
}

type harnessOpts struct {
	implementer    Implementer
	verdict        review.Verdict
	reviewErr      error
	runner         gate.CommandRunner
	contract       string
	noContractFile bool
	pauseThreshold int
	shipOverride   model.ShipMode
	shipConfig     model.ShipConfig
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	dir := t.TempDir()
	logger := logging.New(io.Discard, "loop", logging.LevelError)

	contractPath := filepath.Join(dir, "factory-contract.yaml")
	if !opts.noContractFile {
		content := opts.contract
		if content == "" {
			content = loopContract
		}
		require.NoError(t, os.WriteFile(contractPath, []byte(content), 0644))
	}

	runner := opts.runner
	if runner == nil {
		runner = passRunner{}
	}

	store := queue.NewStore(dir, model.Config{}, logger)
	flag := pause.NewFlag(dir)
	history := ship.NewHistory(dir)

	g := gate.New(contractPath, filepath.Join(dir, "reports"), runner, logger, 0)

	verdict := opts.verdict
	if verdict == "" {
		verdict = review.VerdictApprove
	}
	reviewer := review.NewReviewer(&verdictPort{verdict: verdict, err: opts.reviewErr}, time.Second, logger)

	shipCfg := opts.shipConfig
	if shipCfg.DefaultMode == "" {
		shipCfg.DefaultMode = model.ShipModeReportOnly
	}
	executor := ship.NewExecutor(shipCfg, opts.shipOverride, nil, history, flag, logger)

	implementer := opts.implementer
	if implementer == nil {
		implementer = &scriptedImplementer{}
	}

	traceSink, err := events.NewSink(filepath.Join(dir, "logs", "trace.jsonl"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { traceSink.Close() })

	heartbeatSink, err := events.NewSink(filepath.Join(dir, "logs", "heartbeat.jsonl"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { heartbeatSink.Close() })

	cfg := model.Config{
		Project: model.ProjectConfig{RepoRoot: dir},
		Anomaly: model.AnomalyConfig{PauseThreshold: opts.pauseThreshold},
	}

	c := New(cfg, Deps{
		Store:       store,
		Gate:        g,
		Reviewer:    reviewer,
		Executor:    executor,
		Implementer: implementer,
		PauseFlag:   flag,
		Heartbeat:   heartbeatSink,
		Trace:       traceSink,
		Logger:      logger,
	})

	return &harness{
		dir:        dir,
		store:      store,
		flag:       flag,
		history:    history,
		controller: c,
		trace:      traceSink,
	}
}

func (h *harness) addTask(t *testing.T, spec queue.AddSpec) model.Task {
	t.Helper()
	if spec.Description == "" {
		spec.Description = "do the thing"
	}
	if spec.ShipMode == "" {
		spec.ShipMode = model.ShipModeReportOnly
	}
	if spec.RiskTier == "" {
		spec.RiskTier = model.RiskTierMedium
	}
	task, err := h.store.Add(spec)
	require.NoError(t, err)
	return task
}

func TestRun_RetryTwiceThenSucceed(t *testing.T) {
	h := newHarness(t, harnessOpts{implementer: &scriptedImplementer{failures: 2}})
	task := h.addTask(t, queue.AddSpec{})

	result := h.controller.Run(context.Background(), false)

	assert.Equal(t, StopEmptyQueue, result.StopReason)
	assert.Equal(t, 0, result.ExitCode())
	assert.Equal(t, 3, result.Iterations)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)

	records, err := h.history.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ship.OutcomeRecorded, records[0].Outcome)

	traces, err := events.ReadTraceEvents(h.trace.Path())
	require.NoError(t, err)
	require.Len(t, traces, 3)
	assert.Equal(t, string(model.StatusCompleted), traces[2].FinalStatus)
}

func TestRun_PauseBeforeClaimStopsCleanly(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	task := h.addTask(t, queue.AddSpec{})
	require.NoError(t, h.flag.Set("operator halt"))

	result := h.controller.Run(context.Background(), false)

	assert.Equal(t, StopPaused, result.StopReason)
	assert.Equal(t, 0, result.ExitCode())
	assert.Zero(t, result.Iterations)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Nil(t, got.ClaimOwner, "paused loop claims nothing")
}

func TestRun_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := newHarness(t, harnessOpts{implementer: &scriptedImplementer{failures: 100}})
	task := h.addTask(t, queue.AddSpec{MaxAttempts: 1})

	result := h.controller.Run(context.Background(), false)

	assert.Equal(t, StopEmptyQueue, result.StopReason)
	assert.Equal(t, 2, result.Iterations)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeadLetter, got.Status)
	assert.Equal(t, 2, got.Attempts)

	records, err := h.history.Records()
	require.NoError(t, err)
	assert.Empty(t, records, "dead-lettered task never reaches ship")
}

func TestRun_GateFailureChargesRetryWithReportPath(t *testing.T) {
	h := newHarness(t, harnessOpts{
		implementer: &scriptedImplementer{},
		runner:      failRunner{},
	})
	task := h.addTask(t, queue.AddSpec{MaxAttempts: 1})

	result := h.controller.Run(context.Background(), true)

	assert.Equal(t, StopOnce, result.StopReason)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "gate failed")
	assert.Contains(t, *got.LastError, "preflight_"+task.ID)
}

func TestRun_ReviewerRejectChargesRetry(t *testing.T) {
	h := newHarness(t, harnessOpts{verdict: review.VerdictReject})
	task := h.addTask(t, queue.AddSpec{})

	result := h.controller.Run(context.Background(), true)
	assert.Equal(t, StopOnce, result.StopReason)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "reviewer rejected")
}

func TestRun_PolicyEscalationWinsOverReject(t *testing.T) {
	// A combination the ship policy routes to a human stays needs_human
	// even when the reviewer rejected; the reject retry does not apply
	h := newHarness(t, harnessOpts{
		verdict: review.VerdictReject,
		shipConfig: model.ShipConfig{
			DefaultMode:       model.ShipModeReportOnly,
			ProtectedBranches: []string{"main"},
		},
	})
	task := h.addTask(t, queue.AddSpec{
		ShipMode:     model.ShipModeAutoMergeGuard,
		RiskTier:     model.RiskTierCritical,
		TargetBranch: "main",
	})

	result := h.controller.Run(context.Background(), true)
	assert.Equal(t, StopOnce, result.StopReason)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsHuman, got.Status)
	assert.Zero(t, got.Attempts, "policy escalation is not a failed attempt")
}

func TestRun_ReviewerErrorRoutesToNeedsHuman(t *testing.T) {
	h := newHarness(t, harnessOpts{reviewErr: errors.New("oracle down")})
	task := h.addTask(t, queue.AddSpec{})

	result := h.controller.Run(context.Background(), false)
	assert.Equal(t, StopEmptyQueue, result.StopReason)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedsHuman, got.Status)
	assert.Zero(t, got.Attempts, "escalation is not a failed attempt")
}

func TestRun_GateInfraErrorsTripAutoPause(t *testing.T) {
	h := newHarness(t, harnessOpts{
		noContractFile: true,
		pauseThreshold: 3,
	})
	task := h.addTask(t, queue.AddSpec{})

	result := h.controller.Run(context.Background(), false)

	assert.Equal(t, StopPaused, result.StopReason)
	assert.Equal(t, 3, result.Iterations)
	assert.True(t, h.flag.IsSet(), "anomaly streak sets the pause flag")

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts, "gate infra failures charge no attempts")
}

func TestRun_DeadLetterStreakTripsAutoPause(t *testing.T) {
	h := newHarness(t, harnessOpts{
		implementer:    &scriptedImplementer{failures: 100},
		pauseThreshold: 2,
	})
	first := h.addTask(t, queue.AddSpec{MaxAttempts: 1, Priority: 2})
	second := h.addTask(t, queue.AddSpec{MaxAttempts: 1, Priority: 1})

	result := h.controller.Run(context.Background(), false)

	assert.Equal(t, StopPaused, result.StopReason)
	assert.True(t, h.flag.IsSet())

	for _, id := range []string{first.ID, second.ID} {
		got, err := h.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusDeadLetter, got.Status)
	}
}

func TestRun_OverrideForcesReportOnlyEndToEnd(t *testing.T) {
	h := newHarness(t, harnessOpts{shipOverride: model.ShipModeReportOnly})
	task := h.addTask(t, queue.AddSpec{ShipMode: model.ShipModeAutoMergeGuard, RiskTier: model.RiskTierLow})

	result := h.controller.Run(context.Background(), false)
	assert.Equal(t, StopEmptyQueue, result.StopReason)

	got, err := h.store.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	records, err := h.history.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.ShipModeReportOnly, records[0].Mode)
	assert.Equal(t, ship.OutcomeRecorded, records[0].Outcome)
}

func TestRun_OnceProcessesSingleTask(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.addTask(t, queue.AddSpec{})
	h.addTask(t, queue.AddSpec{})

	result := h.controller.Run(context.Background(), true)

	assert.Equal(t, StopOnce, result.StopReason)
	assert.Equal(t, 1, result.Iterations)

	tasks, err := h.store.List()
	require.NoError(t, err)
	pending := 0
	for _, task := range tasks {
		if task.Status == model.StatusPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending, "second task untouched")
}

func TestRunResult_ExitCode(t *testing.T) {
	assert.Equal(t, 0, RunResult{StopReason: StopEmptyQueue}.ExitCode())
	assert.Equal(t, 0, RunResult{StopReason: StopPaused}.ExitCode())
	assert.Equal(t, 0, RunResult{StopReason: StopOnce}.ExitCode())
	assert.Equal(t, 1, RunResult{StopReason: StopInfraError}.ExitCode())
}
