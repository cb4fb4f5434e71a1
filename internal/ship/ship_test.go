package ship

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/pause"
	"github.com/ytakagi/factory/internal/review"
)

type fakeBackend struct {
	prCalls    int
	mergeCalls int
	err        error
}

func (f *fakeBackend) OpenBranchPR(ctx context.Context, task model.Task, targetBranch string) (string, error) {
	f.prCalls++
	if f.err != nil {
		return "", f.err
	}
	return "pr/42", nil
}

func (f *fakeBackend) AutoMerge(ctx context.Context, task model.Task, targetBranch string) (string, error) {
	f.mergeCalls++
	if f.err != nil {
		return "", f.err
	}
	return "merge/abc123", nil
}

func testShipConfig() model.ShipConfig {
	return model.ShipConfig{
		DefaultMode:       model.ShipModeReportOnly,
		DefaultBranch:     "main",
		ProtectedBranches: []string{"main", "release"},
		AutoMerge: model.AutoMerge{
			AllowedTiers: []model.RiskTier{model.RiskTierLow, model.RiskTierMedium},
		},
	}
}

func newExecutor(t *testing.T, cfg model.ShipConfig, override model.ShipMode, backend Backend) (*Executor, *History, *pause.Flag) {
	t.Helper()
	dir := t.TempDir()
	history := NewHistory(dir)
	flag := pause.NewFlag(dir)
	logger := logging.New(io.Discard, "ship", logging.LevelError)
	return NewExecutor(cfg, override, backend, history, flag, logger), history, flag
}

func testTask(mode model.ShipMode, tier model.RiskTier, branch string) model.Task {
	return model.Task{
		ID:           "task_0000000001_deadbeef",
		ShipMode:     mode,
		RiskTier:     tier,
		TargetBranch: branch,
	}
}

func approve() review.Decision {
	return review.Decision{Verdict: review.VerdictApprove}
}

func TestShip_ReportOnlyRecordsWithoutMutation(t *testing.T) {
	backend := &fakeBackend{}
	e, history, _ := newExecutor(t, testShipConfig(), "", backend)

	result, err := e.Ship(context.Background(), testTask(model.ShipModeReportOnly, model.RiskTierLow, ""), approve())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, result.Outcome)
	assert.Zero(t, backend.prCalls)
	assert.Zero(t, backend.mergeCalls)

	records, err := history.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeRecorded, records[0].Outcome)
	assert.Equal(t, "task_0000000001_deadbeef", records[0].TaskID)
}

func TestShip_RejectBlocksEveryMode(t *testing.T) {
	for _, mode := range []model.ShipMode{model.ShipModeReportOnly, model.ShipModeBranchPR, model.ShipModeAutoMergeGuard} {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(mode, model.RiskTierLow, "feature"),
			review.Decision{Verdict: review.VerdictReject})
		require.NoError(t, err)

		assert.Equal(t, OutcomeBlocked, result.Outcome, "mode %s", mode)
		assert.Zero(t, backend.prCalls)
		assert.Zero(t, backend.mergeCalls)
	}
}

func TestShip_PolicyEscalationOutranksVerdict(t *testing.T) {
	// auto_merge_guarded with a critical tier on a protected branch always
	// lands with a human, whatever the reviewer said
	for _, verdict := range []review.Verdict{review.VerdictApprove, review.VerdictReject, review.VerdictNeedsHuman} {
		backend := &fakeBackend{}
		e, history, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(),
			testTask(model.ShipModeAutoMergeGuard, model.RiskTierCritical, "main"),
			review.Decision{Verdict: verdict})
		require.NoError(t, err)

		assert.Equal(t, OutcomeNeedsHuman, result.Outcome, "verdict %s", verdict)
		assert.Zero(t, backend.mergeCalls)
		assert.Zero(t, backend.prCalls)

		records, err := history.Records()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, OutcomeNeedsHuman, records[0].Outcome)
	}
}

func TestShip_PauseBlocksBeforeMutation(t *testing.T) {
	backend := &fakeBackend{}
	e, history, flag := newExecutor(t, testShipConfig(), "", backend)
	require.NoError(t, flag.Set("maintenance"))

	result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierLow, "feature"), approve())
	require.NoError(t, err)

	assert.Equal(t, OutcomeBlocked, result.Outcome)
	assert.Zero(t, backend.mergeCalls)

	records, err := history.Records()
	require.NoError(t, err)
	assert.Empty(t, records, "paused ship leaves no history entry")
}

func TestShip_BranchPR(t *testing.T) {
	t.Run("opens PR for non-critical change", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeBranchPR, model.RiskTierHigh, "main"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeShipped, result.Outcome)
		assert.Equal(t, "pr/42", result.Ref)
		assert.Equal(t, 1, backend.prCalls)
	})

	t.Run("critical on protected branch needs a human", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeBranchPR, model.RiskTierCritical, "main"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeNeedsHuman, result.Outcome)
		assert.Zero(t, backend.prCalls)
	})

	t.Run("critical on unprotected branch opens PR", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeBranchPR, model.RiskTierCritical, "feature"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeShipped, result.Outcome)
	})
}

func TestShip_AutoMergeGuarded(t *testing.T) {
	t.Run("allowed tier on unprotected branch merges", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierLow, "feature"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeShipped, result.Outcome)
		assert.Equal(t, "merge/abc123", result.Ref)
		assert.Equal(t, 1, backend.mergeCalls)
	})

	t.Run("disallowed tier needs a human", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierCritical, "feature"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeNeedsHuman, result.Outcome)
		assert.Zero(t, backend.mergeCalls)
	})

	t.Run("protected branch needs a human even for allowed tier", func(t *testing.T) {
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, testShipConfig(), "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierLow, "main"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeNeedsHuman, result.Outcome)
		assert.Zero(t, backend.mergeCalls)
	})

	t.Run("allow_protected opens the gate", func(t *testing.T) {
		cfg := testShipConfig()
		cfg.AutoMerge.AllowProtected = true
		backend := &fakeBackend{}
		e, _, _ := newExecutor(t, cfg, "", backend)

		result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierLow, "main"), approve())
		require.NoError(t, err)

		assert.Equal(t, OutcomeShipped, result.Outcome)
	})
}

func TestShip_OverrideForcesReportOnly(t *testing.T) {
	backend := &fakeBackend{}
	e, history, _ := newExecutor(t, testShipConfig(), model.ShipModeReportOnly, backend)

	result, err := e.Ship(context.Background(), testTask(model.ShipModeAutoMergeGuard, model.RiskTierLow, "feature"), approve())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRecorded, result.Outcome)
	assert.Equal(t, model.ShipModeReportOnly, result.Mode)
	assert.Zero(t, backend.mergeCalls)

	records, _ := history.Records()
	require.Len(t, records, 1)
	assert.Equal(t, model.ShipModeReportOnly, records[0].Mode)
}

func TestShip_UnrecognizedModeNeedsHuman(t *testing.T) {
	backend := &fakeBackend{}
	e, _, _ := newExecutor(t, testShipConfig(), "", backend)

	result, err := e.Ship(context.Background(), testTask("yolo_push", model.RiskTierLow, "feature"), approve())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNeedsHuman, result.Outcome)
	assert.Contains(t, result.Reason, "yolo_push")
}

func TestShip_BackendErrorIsReturned(t *testing.T) {
	backend := &fakeBackend{err: errors.New("remote rejected")}
	e, history, _ := newExecutor(t, testShipConfig(), "", backend)

	_, err := e.Ship(context.Background(), testTask(model.ShipModeBranchPR, model.RiskTierLow, "feature"), approve())
	require.Error(t, err)

	records, _ := history.Records()
	assert.Empty(t, records, "failed mutation leaves no shipped record")
}

func TestResolveModeOverride(t *testing.T) {
	t.Run("report_only honored", func(t *testing.T) {
		t.Setenv(ModeOverrideEnv, "report_only")
		mode, ok := ResolveModeOverride()
		assert.True(t, ok)
		assert.Equal(t, model.ShipModeReportOnly, mode)
	})

	t.Run("other values ignored", func(t *testing.T) {
		for _, v := range []string{"", "auto_merge_guarded", "branch_pr", "bogus"} {
			t.Setenv(ModeOverrideEnv, v)
			_, ok := ResolveModeOverride()
			assert.False(t, ok, "value %q must not override", v)
		}
	})
}

func TestHistory_AppendOnlyOrdering(t *testing.T) {
	history := NewHistory(t.TempDir())

	for i, outcome := range []Outcome{OutcomeRecorded, OutcomeShipped, OutcomeBlocked} {
		require.NoError(t, history.Append(ShipRecord{
			ID:        "shp_0000000001_deadbeef",
			TaskID:    "task_0000000001_deadbeef",
			Outcome:   outcome,
			Timestamp: "2026-01-01T00:00:00Z",
		}), "append %d", i)
	}

	records, err := history.Records()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, OutcomeRecorded, records[0].Outcome)
	assert.Equal(t, OutcomeShipped, records[1].Outcome)
	assert.Equal(t, OutcomeBlocked, records[2].Outcome)
}
