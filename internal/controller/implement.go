package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ytakagi/factory/internal/model"
)

// ImplementResult is what an implementation attempt produced.
type ImplementResult struct {
	Output       string
	ChangedFiles []string
}

// Implementer turns a task description into working-tree changes. A non-nil
// error is a failed attempt and charges the task's retry budget.
type Implementer interface {
	Implement(ctx context.Context, task model.Task) (ImplementResult, error)
}

// ChangedFilesFunc discovers the files touched since the last commit.
type ChangedFilesFunc func(ctx context.Context, repoRoot string) ([]string, error)

const implementOutputTail = 8000

// ExecImplementer shells out to the configured implementation command. The
// task is fed as JSON on stdin; the working tree is inspected afterwards
// for changed files.
type ExecImplementer struct {
	Command      string
	RepoRoot     string
	TimeoutSec   int
	ChangedFiles ChangedFilesFunc
}

type implementPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Attempts    int    `json:"attempts"`
	RiskTier    string `json:"risk_tier"`
}

func (e *ExecImplementer) Implement(ctx context.Context, task model.Task) (ImplementResult, error) {
	if e.Command == "" {
		return ImplementResult{}, fmt.Errorf("no implement command configured")
	}

	timeoutSec := e.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 600
	}
	implCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	input, err := json.Marshal(implementPayload{
		TaskID:      task.ID,
		Description: task.Description,
		Attempts:    task.Attempts,
		RiskTier:    string(task.RiskTier),
	})
	if err != nil {
		return ImplementResult{}, fmt.Errorf("marshal implement payload: %w", err)
	}

	cmd := exec.CommandContext(implCtx, "sh", "-c", e.Command)
	cmd.Dir = e.RepoRoot
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if implCtx.Err() == context.DeadlineExceeded {
			return ImplementResult{}, fmt.Errorf("implement command timed out after %ds", timeoutSec)
		}
		return ImplementResult{}, fmt.Errorf("implement command failed: %w (stderr: %s)", err, tailString(stderr.String()))
	}

	result := ImplementResult{Output: tailString(stdout.String())}

	discover := e.ChangedFiles
	if discover == nil {
		discover = GitChangedFiles
	}
	changed, err := discover(ctx, e.RepoRoot)
	if err != nil {
		return ImplementResult{}, fmt.Errorf("discover changed files: %w", err)
	}
	result.ChangedFiles = changed
	return result, nil
}

// GitChangedFiles unions tracked modifications and untracked files. A
// failing git invocation contributes nothing rather than failing discovery;
// a repo with no HEAD yet still reports its untracked files.
func GitChangedFiles(ctx context.Context, repoRoot string) ([]string, error) {
	commands := [][]string{
		{"git", "-C", repoRoot, "diff", "--name-only", "HEAD"},
		{"git", "-C", repoRoot, "ls-files", "--others", "--exclude-standard"},
	}

	seen := make(map[string]bool)
	var changed []string
	for _, args := range commands {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			continue
		}
		for _, line := range strings.Split(stdout.String(), "\n") {
			path := strings.TrimSpace(line)
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			changed = append(changed, path)
		}
	}
	return changed, nil
}

func tailString(s string) string {
	if len(s) > implementOutputTail {
		return s[len(s)-implementOutputTail:]
	}
	return s
}
