package ship

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ytakagi/factory/internal/model"
)

// Backend performs the repository mutations behind the two mutating ship
// modes. Implementations must be side-effect free on error.
type Backend interface {
	// OpenBranchPR pushes the change to a work branch and opens a pull
	// request against the target branch. Returns a reference to the PR.
	OpenBranchPR(ctx context.Context, task model.Task, targetBranch string) (string, error)

	// AutoMerge merges the change into the target branch. Returns a
	// reference to the merge.
	AutoMerge(ctx context.Context, task model.Task, targetBranch string) (string, error)
}

// CommandBackend shells out to configured commands. The task id and target
// branch are exported as FACTORY_TASK_ID and FACTORY_TARGET_BRANCH; the
// command's stdout (trimmed) becomes the returned reference.
type CommandBackend struct {
	BranchPRCommand  string
	AutoMergeCommand string
	Dir              string
}

func (b *CommandBackend) OpenBranchPR(ctx context.Context, task model.Task, targetBranch string) (string, error) {
	if b.BranchPRCommand == "" {
		return "", fmt.Errorf("no branch_pr command configured")
	}
	return b.run(ctx, b.BranchPRCommand, task, targetBranch)
}

func (b *CommandBackend) AutoMerge(ctx context.Context, task model.Task, targetBranch string) (string, error) {
	if b.AutoMergeCommand == "" {
		return "", fmt.Errorf("no auto_merge command configured")
	}
	return b.run(ctx, b.AutoMergeCommand, task, targetBranch)
}

func (b *CommandBackend) run(ctx context.Context, command string, task model.Task, targetBranch string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = b.Dir
	cmd.Env = append(cmd.Environ(),
		"FACTORY_TASK_ID="+task.ID,
		"FACTORY_TARGET_BRANCH="+targetBranch,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ship command failed: %w (stderr: %s)", err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}
